// Package exthost wires the extension host together: the sandbox loader,
// contribution registry, activation controller, dispatch managers and
// permission service, served over a JSON-RPC transport.
package exthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reglet-dev/reglet-exthost/activation"
	"github.com/reglet-dev/reglet-exthost/containment"
	"github.com/reglet-dev/reglet-exthost/contribution"
	"github.com/reglet-dev/reglet-exthost/dispatch"
	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/manifest"
	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/sandbox"
	"github.com/reglet-dev/reglet-exthost/transport"
)

// DefaultShutdownTimeout bounds the deactivation pass when serving ends.
const DefaultShutdownTimeout = 10 * time.Second

// Version is the host version reported to manifests' engine constraints.
// Overridden at build time with -ldflags.
var Version = "dev"

// Host owns every component of one extension host process.
type Host struct {
	logger        *slog.Logger
	guard         *containment.Guard
	loader        *sandbox.Loader
	contributions *contribution.Registry
	commands      *dispatch.CommandManager
	tools         *dispatch.ToolManager
	views         *dispatch.ViewManager
	controller    *activation.Controller
	permissions   *permission.Service
	validator     *manifest.Validator
	telemetry     *telemetry
	handlers      [methodCount]Handler

	sessionID       string
	middleware      []Middleware
	sandboxOpts     []sandbox.Option
	connOpts        []transport.Option
	shutdownTimeout time.Duration
	activateOnUse   bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithGuard sets the fault guard.
func WithGuard(g *containment.Guard) Option {
	return func(h *Host) {
		if g != nil {
			h.guard = g
		}
	}
}

// WithPermissions sets the permission service. Without it the
// permission.* methods fail with an internal error.
func WithPermissions(s *permission.Service) Option {
	return func(h *Host) { h.permissions = s }
}

// WithValidator sets the manifest validator used by extension.register.
func WithValidator(v *manifest.Validator) Option {
	return func(h *Host) {
		if v != nil {
			h.validator = v
		}
	}
}

// WithSandboxOptions passes options to the sandbox loader.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(h *Host) { h.sandboxOpts = append(h.sandboxOpts, opts...) }
}

// WithTransportOptions passes options to every served connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(h *Host) { h.connOpts = append(h.connOpts, opts...) }
}

// WithMiddleware appends handler middleware. It runs inside the built-in
// recovery, tracing and logging layers.
func WithMiddleware(mws ...Middleware) Option {
	return func(h *Host) { h.middleware = append(h.middleware, mws...) }
}

// WithShutdownTimeout bounds the deactivation pass when serving ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.shutdownTimeout = d
		}
	}
}

// WithActivateOnUse makes command.execute, tool.execute and view.render fire
// the onCommand:, onTool: and onView: activation events for handlers that
// are not registered yet.
func WithActivateOnUse(enabled bool) Option {
	return func(h *Host) { h.activateOnUse = enabled }
}

// New builds a host with fresh, independent registries.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		logger:          slog.Default(),
		sessionID:       uuid.NewString(),
		shutdownTimeout: DefaultShutdownTimeout,
		activateOnUse:   true,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("session", h.sessionID)
	if h.guard == nil {
		h.guard = containment.New(containment.WithLogger(h.logger))
	}
	if h.validator == nil {
		v, err := manifest.NewValidator(manifest.WithHostVersion(Version))
		if err != nil {
			return nil, fmt.Errorf("failed to build manifest validator: %w", err)
		}
		h.validator = v
	}

	tel, err := newTelemetry(Version)
	if err != nil {
		return nil, err
	}
	h.telemetry = tel

	loaderOpts := append([]sandbox.Option{
		sandbox.WithLogger(h.logger),
		sandbox.WithViolationHandler(func(v *extension.SandboxViolation) {
			h.guard.Report(v, "sandbox "+v.ExtensionID)
		}),
		sandbox.WithFaultHandler(h.guard.Report),
	}, h.sandboxOpts...)
	h.loader = sandbox.NewLoader(loaderOpts...)

	h.contributions = contribution.NewRegistry(contribution.WithLogger(h.logger))
	h.commands = dispatch.NewCommandManager(dispatch.WithLogger(h.logger))
	h.tools = dispatch.NewToolManager(dispatch.WithLogger(h.logger))
	h.views = dispatch.NewViewManager(dispatch.WithLogger(h.logger))
	h.controller = activation.NewController(h.loader, h.contributions, activation.Handlers{
		Commands: h.commands,
		Tools:    h.tools,
		Views:    h.views,
	}, activation.WithLogger(h.logger))

	mws := append([]Middleware{
		PanicRecoveryMiddleware(h.guard),
		h.telemetry.middleware(),
		LoggingMiddleware(h.logger),
		ValidateParamsMiddleware(),
	}, h.middleware...)
	for m, fn := range h.handlerTable() {
		h.handlers[m] = chain(fn, mws)
	}
	return h, nil
}

// SessionID identifies this host process in logs.
func (h *Host) SessionID() string { return h.sessionID }

// Controller returns the activation controller.
func (h *Host) Controller() *activation.Controller { return h.controller }

// Contributions returns the contribution registry.
func (h *Host) Contributions() *contribution.Registry { return h.contributions }

// Guard returns the fault guard.
func (h *Host) Guard() *containment.Guard { return h.guard }

// Handle invokes method directly, bypassing the transport.
func (h *Host) Handle(ctx context.Context, m Method, params json.RawMessage) (any, error) {
	if m < 0 || m >= methodCount {
		return nil, transport.ErrMethodNotFound
	}
	return h.handlers[m](withMethod(ctx, m), params)
}

// Serve answers RPC requests on stream until the peer hangs up, ctx is
// cancelled or the connection is closed. Every active extension is then
// deactivated, each independently.
func (h *Host) Serve(ctx context.Context, stream transport.Stream) error {
	connOpts := append([]transport.Option{
		transport.WithLogger(h.logger),
		transport.WithErrorMapper(toWireError),
		transport.WithRunner(h.guard.Go),
	}, h.connOpts...)
	conn := transport.NewConn(stream, connOpts...)

	for _, m := range Methods() {
		handler := h.handlers[m]
		conn.OnRequest(m.String(), func(ctx context.Context, params json.RawMessage) (any, error) {
			return handler(withMethod(ctx, m), params)
		})
	}

	h.guard.SetObserver(func(r containment.Report) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := conn.SendNotification(sendCtx, NotificationErrorReport, r); err != nil && !errors.Is(err, transport.ErrClosed) {
			h.logger.Warn("failed to send error report", "error", err)
		}
	})
	defer h.guard.SetObserver(nil)

	h.logger.Info("extension host serving", "version", Version)
	serveErr := conn.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, h.Shutdown(shutdownCtx))
}

// Shutdown deactivates every active extension and releases sandbox resources.
func (h *Host) Shutdown(ctx context.Context) error {
	err := h.guard.Shutdown(ctx, h.controller)
	if cerr := h.loader.Close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close sandboxes: %w", cerr))
	}
	h.logger.Info("extension host stopped")
	return err
}
