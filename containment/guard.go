// Package containment keeps extension faults from taking down the host.
// Panics in guarded goroutines and faults reported by the sandboxes are
// logged, forwarded to an observer and otherwise swallowed.
package containment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// Default report rate: a burst of 10, then one per second.
const (
	DefaultReportRate  = rate.Limit(1)
	DefaultReportBurst = 10
)

// Report is the payload handed to the observer for every contained fault.
type Report struct {
	Timestamp   time.Time    `json:"timestamp"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
	Message     string       `json:"message"`
	Stack       string       `json:"stack,omitempty"`
	Context     string       `json:"context"`
}

// Diagnostics is a snapshot of process health taken when a fault occurs.
type Diagnostics struct {
	RSSBytes   uint64 `json:"rssBytes,omitempty"`
	Goroutines int    `json:"goroutines"`
}

// Observer receives fault reports. It is called synchronously and must not block for long.
type Observer func(Report)

// Deactivator deactivates every active extension during shutdown.
type Deactivator interface {
	DeactivateAll(ctx context.Context) error
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Guard contains faults.
type Guard struct {
	logger       *slog.Logger
	limiter      *rate.Limiter
	observer     atomic.Pointer[Observer]
	proc         *process.Process
	wg           sync.WaitGroup
	suppressed   atomic.Int64
	shuttingDown atomic.Bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReportRate limits how many reports per second reach the observer.
// Faults beyond the limit are still logged.
func WithReportRate(r rate.Limit, burst int) Option {
	return func(g *Guard) {
		g.limiter = rate.NewLimiter(r, burst)
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		logger:  slog.Default(),
		limiter: rate.NewLimiter(DefaultReportRate, DefaultReportBurst),
	}
	for _, opt := range opts {
		opt(g)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // pids fit in int32
		g.proc = p
	}
	return g
}

// SetObserver installs the observer that receives fault reports.
func (g *Guard) SetObserver(o Observer) {
	if o == nil {
		g.observer.Store(nil)
		return
	}
	g.observer.Store(&o)
}

// ShuttingDown reports whether a shutdown has started.
func (g *Guard) ShuttingDown() bool {
	return g.shuttingDown.Load()
}

// Suppressed returns how many reports the rate limiter has dropped.
func (g *Guard) Suppressed() int64 {
	return g.suppressed.Load()
}

// Go runs fn in a goroutine. A panic in fn is reported under name and
// does not crash the process.
func (g *Guard) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.Recover(name)
		fn()
	}()
}

// Recover must be deferred directly. It turns a panic into a report.
func (g *Guard) Recover(context string) {
	if r := recover(); r != nil {
		g.Report(&PanicError{Value: r, Stack: debug.Stack()}, context)
	}
}

// Report logs err and forwards it to the observer, subject to the rate limit.
func (g *Guard) Report(err error, context string) {
	if err == nil {
		return
	}

	rep := Report{
		Message:     err.Error(),
		Context:     context,
		Timestamp:   time.Now().UTC(),
		Diagnostics: g.diagnostics(),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		rep.Stack = string(pe.Stack)
	}

	g.logger.Error("contained fault",
		"context", context,
		"error", err,
		"goroutines", rep.Diagnostics.Goroutines,
		"rss_bytes", rep.Diagnostics.RSSBytes)

	if g.shuttingDown.Load() {
		return
	}
	if !g.limiter.Allow() {
		g.suppressed.Add(1)
		return
	}
	if o := g.observer.Load(); o != nil {
		g.notify(*o, rep)
	}
}

func (g *Guard) notify(o Observer, rep Report) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("fault observer panicked", "panic", r)
		}
	}()
	o(rep)
}

func (g *Guard) diagnostics() *Diagnostics {
	d := &Diagnostics{Goroutines: runtime.NumGoroutine()}
	if g.proc != nil {
		if mem, err := g.proc.MemoryInfo(); err == nil {
			d.RSSBytes = mem.RSS
		}
	}
	return d
}

// NotifyOnSignals returns a context that is cancelled when one of signals
// arrives (SIGINT and SIGTERM by default). The signal also marks the guard
// as shutting down.
func (g *Guard) NotifyOnSignals(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			g.shuttingDown.Store(true)
			g.logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shutdown marks the guard as shutting down, deactivates every extension
// through d and waits for guarded goroutines until ctx expires.
func (g *Guard) Shutdown(ctx context.Context, d Deactivator) error {
	g.shuttingDown.Store(true)

	var errs []error
	if d != nil {
		if err := d.DeactivateAll(ctx); err != nil {
			g.logger.Warn("deactivation during shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("failed to drain guarded goroutines: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
