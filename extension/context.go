package extension

import (
	"context"
	"log/slog"
)

// CommandHandler runs a contributed command.
type CommandHandler func(ctx context.Context, args []any) (any, error)

// ToolHandler runs a contributed tool.
type ToolHandler func(ctx context.Context, input any) (any, error)

// ViewProvider produces the markup of a contributed view.
type ViewProvider func(ctx context.Context) (any, error)

// CommandRegistrar registers commands on behalf of one extension.
type CommandRegistrar interface {
	RegisterCommand(id string, handler CommandHandler)
}

// ToolRegistrar registers tools on behalf of one extension.
type ToolRegistrar interface {
	RegisterTool(name string, handler ToolHandler)
}

// ViewRegistrar registers view providers on behalf of one extension.
type ViewRegistrar interface {
	RegisterViewProvider(id string, provider ViewProvider)
}

// Context is the capability object passed to an extension's activate().
// It is built once per activation and never mutated afterwards; every
// registrar is already bound to ExtensionID.
type Context struct {
	Commands      CommandRegistrar
	Tools         ToolRegistrar
	Views         ViewRegistrar
	Logger        *slog.Logger
	ExtensionID   string
	ExtensionPath string
}

type contextKey struct {
	name string
}

var extensionIDContextKey = &contextKey{name: "extension_id"}

// WithID adds the acting extension id to the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, extensionIDContextKey, id)
}

// IDFromContext retrieves the acting extension id from the context.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(extensionIDContextKey).(string)
	return id, ok
}
