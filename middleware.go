package exthost

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/reglet-dev/reglet-exthost/containment"
	"github.com/reglet-dev/reglet-exthost/transport"
)

// Handler answers one RPC method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Middleware is a function that wraps a Handler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
//
// Example usage:
//
//	timing := func(next Handler) Handler {
//	    return func(ctx context.Context, params json.RawMessage) (any, error) {
//	        start := time.Now()
//	        defer func() { log.Printf("%s took %s", MethodFromContext(ctx), time.Since(start)) }()
//	        return next(ctx, params)
//	    }
//	}
type Middleware func(next Handler) Handler

type methodContextKey struct{}

func withMethod(ctx context.Context, m Method) context.Context {
	return context.WithValue(ctx, methodContextKey{}, m)
}

// MethodFromContext returns the RPC method being served.
func MethodFromContext(ctx context.Context) (Method, bool) {
	m, ok := ctx.Value(methodContextKey{}).(Method)
	return m, ok
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// PanicRecoveryMiddleware returns a middleware that catches panics, reports
// them to guard and answers with an internal error instead of crashing the host.
func PanicRecoveryMiddleware(guard *containment.Guard) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params json.RawMessage) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					m, _ := MethodFromContext(ctx)
					if guard != nil {
						guard.Report(&containment.PanicError{Value: r, Stack: debug.Stack()}, "rpc "+m.String())
					}
					result = nil
					err = transport.NewError(transport.CodeInternalError, "panic in %s: %v", m, r)
				}
			}()
			return next(ctx, params)
		}
	}
}

// LoggingMiddleware returns a middleware that logs every invocation with its duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params json.RawMessage) (any, error) {
			m, _ := MethodFromContext(ctx)
			start := time.Now()
			logger.DebugContext(ctx, "handling request", "method", m.String())
			result, err := next(ctx, params)
			if err != nil {
				logger.WarnContext(ctx, "request failed",
					"method", m.String(),
					"duration", time.Since(start),
					"error", err)
			} else {
				logger.DebugContext(ctx, "request completed",
					"method", m.String(),
					"duration", time.Since(start))
			}
			return result, err
		}
	}
}

// ValidateParamsMiddleware rejects params that are present but not JSON
// objects. Every method takes named params.
func ValidateParamsMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params json.RawMessage) (any, error) {
			if len(params) > 0 && string(params) != "null" {
				var fields map[string]json.RawMessage
				if err := json.Unmarshal(params, &fields); err != nil {
					return nil, transport.NewError(transport.CodeInvalidParams, "params must be an object: %v", err)
				}
			}
			return next(ctx, params)
		}
	}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, transport.NewError(transport.CodeInvalidParams, "invalid params: %v", err)
	}
	return v, nil
}

func requireField(name, value string) error {
	if value == "" {
		return transport.NewError(transport.CodeInvalidParams, "missing required param %q", name)
	}
	return nil
}
