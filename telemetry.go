package exthost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/reglet-dev/reglet-exthost"

// telemetry holds the RED instruments for RPC handling. The global
// providers are no-ops unless the embedding process installs SDK providers.
type telemetry struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newTelemetry(version string) (*telemetry, error) {
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(version))
	t := &telemetry{
		tracer: otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version)),
	}

	var err error
	t.requests, err = meter.Int64Counter("exthost.rpc.requests",
		metric.WithDescription("Total number of RPC requests handled"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	t.errors, err = meter.Int64Counter("exthost.rpc.errors",
		metric.WithDescription("Total number of RPC requests that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	t.duration, err = meter.Float64Histogram("exthost.rpc.duration",
		metric.WithDescription("RPC handling duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	t.active, err = meter.Int64UpDownCounter("exthost.rpc.active",
		metric.WithDescription("Number of RPC requests in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active gauge: %w", err)
	}
	return t, nil
}

// middleware wraps each request in a span
// and records request, error and duration metrics.
func (t *telemetry) middleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params json.RawMessage) (any, error) {
			m, _ := MethodFromContext(ctx)
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "jsonrpc"),
				attribute.String("rpc.method", m.String()),
			}
			ctx, span := t.tracer.Start(ctx, m.String(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			opt := metric.WithAttributes(attrs...)
			start := time.Now()
			t.active.Add(ctx, 1, opt)
			t.requests.Add(ctx, 1, opt)

			result, err := next(ctx, params)

			t.active.Add(ctx, -1, opt)
			t.duration.Record(ctx, time.Since(start).Seconds(), opt)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				t.errors.Add(ctx, 1, metric.WithAttributes(append(attrs,
					attribute.Int("rpc.jsonrpc.error_code", toWireError(err).Code))...))
			}
			return result, err
		}
	}
}
