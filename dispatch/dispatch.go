// Package dispatch routes command, tool and view invocations to the handler
// the owning extension registered during activation.
package dispatch

import (
	"log/slog"
)

// Option configures a manager.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for collisions and handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
