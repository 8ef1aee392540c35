package dispatch

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/registry"
)

// ToolManager owns tool handlers, keyed by "<extensionId>.<name>".
type ToolManager struct {
	handlers *registry.Table[extension.ToolHandler]
	logger   *slog.Logger
}

// NewToolManager creates an empty tool manager.
func NewToolManager(opts ...Option) *ToolManager {
	o := buildOptions(opts)
	return &ToolManager{
		handlers: registry.New[extension.ToolHandler]("tool", registry.WithLogger(o.logger)),
		logger:   o.logger,
	}
}

// Register binds the short tool name to handler under extensionID's
// namespace.
func (m *ToolManager) Register(name string, handler extension.ToolHandler, extensionID string) {
	key := extension.QualifiedToolName(extensionID, name)
	m.handlers.Put(key, extensionID, handler)
	m.logger.Debug("registered tool", "tool", key, "extension", extensionID)
}

// Execute runs the tool addressed by its qualified name.
func (m *ToolManager) Execute(ctx context.Context, qualifiedName string, input any) (any, error) {
	handler, owner, ok := m.handlers.Lookup(qualifiedName)
	if !ok {
		return nil, &extension.NotFoundError{Kind: "tool", ID: qualifiedName}
	}

	result, err := handler(extension.WithID(ctx, owner), input)
	if err != nil {
		m.logger.Error("tool failed", "tool", qualifiedName, "extension", owner, "error", err)
		return nil, err
	}
	return result, nil
}

// Has reports whether a handler is registered for qualifiedName.
func (m *ToolManager) Has(qualifiedName string) bool {
	_, ok := m.handlers.Get(qualifiedName)
	return ok
}

// UnregisterExtension drops every tool registered by extensionID.
func (m *ToolManager) UnregisterExtension(extensionID string) int {
	return m.handlers.UnregisterExtension(extensionID)
}

// List returns the qualified names of registered tools.
func (m *ToolManager) List() []string {
	return m.handlers.Keys()
}

// Registrar returns a ToolRegistrar bound to extensionID.
func (m *ToolManager) Registrar(extensionID string) extension.ToolRegistrar {
	return toolRegistrar{manager: m, extensionID: extensionID}
}

type toolRegistrar struct {
	manager     *ToolManager
	extensionID string
}

func (r toolRegistrar) RegisterTool(name string, handler extension.ToolHandler) {
	r.manager.Register(name, handler, r.extensionID)
}
