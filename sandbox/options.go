package sandbox

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/tetratelabs/wazero"
)

// DefaultEvalTimeout bounds synchronous evaluation of an entry module.
const DefaultEvalTimeout = 5 * time.Second

// ViolationHandler is notified whenever extension code touches a blocked
// capability.
type ViolationHandler func(v *extension.SandboxViolation)

// FaultHandler receives asynchronous failures that have no caller to
// return to, such as a throwing timer callback or an unhandled rejection.
type FaultHandler func(err error, where string)

// Option defines a functional option for configuring the Loader.
type Option func(*Loader)

// WithLogger sets the logger. Extension console output is logged through it
// with an "extension" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEvalTimeout bounds synchronous evaluation of entry modules.
func WithEvalTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.evalTimeout = d
		}
	}
}

// WithMaxModuleSize caps the size of entry modules read from disk.
func WithMaxModuleSize(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxModuleSize = n
		}
	}
}

// WithMemoryLimitPages caps the linear memory of WASM extensions
// (64KiB pages). Zero keeps the wazero default.
func WithMemoryLimitPages(pages uint32) Option {
	return func(l *Loader) {
		l.memoryLimitPages = pages
	}
}

// WithCompilationCache shares compiled WASM code between extension runtimes.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(l *Loader) {
		l.cache = cache
	}
}

// WithViolationHandler registers a callback for sandbox violations.
func WithViolationHandler(h ViolationHandler) Option {
	return func(l *Loader) {
		l.onViolation = h
	}
}

// WithFaultHandler registers a callback for asynchronous extension faults.
func WithFaultHandler(h FaultHandler) Option {
	return func(l *Loader) {
		l.onFault = h
	}
}
