package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/registry"
)

// ViewManager owns view providers.
type ViewManager struct {
	providers *registry.Table[extension.ViewProvider]
	logger    *slog.Logger
}

// NewViewManager creates an empty view manager.
func NewViewManager(opts ...Option) *ViewManager {
	o := buildOptions(opts)
	return &ViewManager{
		providers: registry.New[extension.ViewProvider]("view", registry.WithLogger(o.logger)),
		logger:    o.logger,
	}
}

// Register binds id to provider on behalf of extensionID.
func (m *ViewManager) Register(id string, provider extension.ViewProvider, extensionID string) {
	m.providers.Put(id, extensionID, provider)
	m.logger.Debug("registered view provider", "view", id, "extension", extensionID)
}

// Render invokes the provider for id. Providers must produce a string.
func (m *ViewManager) Render(ctx context.Context, id string) (string, error) {
	provider, owner, ok := m.providers.Lookup(id)
	if !ok {
		return "", &extension.NotFoundError{Kind: "view", ID: id}
	}

	out, err := provider(extension.WithID(ctx, owner))
	if err != nil {
		m.logger.Error("view render failed", "view", id, "extension", owner, "error", err)
		return "", err
	}

	markup, ok := out.(string)
	if !ok {
		err := &extension.ValidationError{
			Field:   "view",
			Message: fmt.Sprintf("provider for %s returned %T, want string", id, out),
		}
		m.logger.Error("view render failed", "view", id, "extension", owner, "error", err)
		return "", err
	}
	return markup, nil
}

// Has reports whether a provider is registered for id.
func (m *ViewManager) Has(id string) bool {
	_, ok := m.providers.Get(id)
	return ok
}

// UnregisterExtension drops every provider registered by extensionID.
func (m *ViewManager) UnregisterExtension(extensionID string) int {
	return m.providers.UnregisterExtension(extensionID)
}

// List returns the registered view ids.
func (m *ViewManager) List() []string {
	return m.providers.Keys()
}

// Registrar returns a ViewRegistrar bound to extensionID.
func (m *ViewManager) Registrar(extensionID string) extension.ViewRegistrar {
	return viewRegistrar{manager: m, extensionID: extensionID}
}

type viewRegistrar struct {
	manager     *ViewManager
	extensionID string
}

func (r viewRegistrar) RegisterViewProvider(id string, provider extension.ViewProvider) {
	r.manager.Register(id, provider, r.extensionID)
}
