package dispatch

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/registry"
)

// CommandManager owns the handlers behind contributed commands.
type CommandManager struct {
	handlers *registry.Table[extension.CommandHandler]
	logger   *slog.Logger
}

// NewCommandManager creates an empty command manager.
func NewCommandManager(opts ...Option) *CommandManager {
	o := buildOptions(opts)
	return &CommandManager{
		handlers: registry.New[extension.CommandHandler]("command", registry.WithLogger(o.logger)),
		logger:   o.logger,
	}
}

// Register binds id to handler on behalf of extensionID. A later
// registration of the same id replaces the earlier one.
func (m *CommandManager) Register(id string, handler extension.CommandHandler, extensionID string) {
	m.handlers.Put(id, extensionID, handler)
	m.logger.Debug("registered command", "command", id, "extension", extensionID)
}

// Execute runs the handler registered for id. Handler errors are logged and
// returned unchanged.
func (m *CommandManager) Execute(ctx context.Context, id string, args []any) (any, error) {
	handler, owner, ok := m.handlers.Lookup(id)
	if !ok {
		return nil, &extension.NotFoundError{Kind: "command", ID: id}
	}

	result, err := handler(extension.WithID(ctx, owner), args)
	if err != nil {
		m.logger.Error("command failed", "command", id, "extension", owner, "error", err)
		return nil, err
	}
	return result, nil
}

// Has reports whether a handler is registered for id.
func (m *CommandManager) Has(id string) bool {
	_, ok := m.handlers.Get(id)
	return ok
}

// UnregisterExtension drops every command registered by extensionID.
func (m *CommandManager) UnregisterExtension(extensionID string) int {
	return m.handlers.UnregisterExtension(extensionID)
}

// List returns the registered command ids.
func (m *CommandManager) List() []string {
	return m.handlers.Keys()
}

// Registrar returns a CommandRegistrar bound to extensionID.
func (m *CommandManager) Registrar(extensionID string) extension.CommandRegistrar {
	return commandRegistrar{manager: m, extensionID: extensionID}
}

type commandRegistrar struct {
	manager     *CommandManager
	extensionID string
}

func (r commandRegistrar) RegisterCommand(id string, handler extension.CommandHandler) {
	r.manager.Register(id, handler, r.extensionID)
}
