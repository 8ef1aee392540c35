// Package contribution indexes the capabilities extensions declare in
// their manifests: commands, views, tools, settings, connection providers
// and external servers.
package contribution

import (
	"log/slog"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/registry"
)

// Registry holds one table per contribution kind. Every record carries the
// id of the extension that declared it.
type Registry struct {
	logger              *slog.Logger
	commands            *registry.Table[extension.Command]
	views               *registry.Table[extension.View]
	tools               *registry.Table[extension.Tool]
	settings            *registry.Table[extension.Setting]
	connectionProviders *registry.Table[extension.ConnectionProvider]
	externalServers     *registry.Table[extension.ExternalServer]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty contribution registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	topt := registry.WithLogger(r.logger)
	r.commands = registry.New[extension.Command]("command", topt)
	r.views = registry.New[extension.View]("view", topt)
	r.tools = registry.New[extension.Tool]("tool", topt)
	r.settings = registry.New[extension.Setting]("setting", topt)
	r.connectionProviders = registry.New[extension.ConnectionProvider]("connectionProvider", topt)
	r.externalServers = registry.New[extension.ExternalServer]("externalServer", topt)
	return r
}

// Register indexes every contribution declared by m.
func (r *Registry) Register(m *extension.Manifest) {
	if m == nil || m.Contributes == nil {
		return
	}
	c := m.Contributes
	id := m.ID

	for _, cmd := range c.Commands {
		cmd.ExtensionID = id
		r.commands.Put(cmd.ID, id, cmd)
	}
	for _, view := range c.Views {
		view.ExtensionID = id
		r.views.Put(view.ID, id, view)
	}
	for _, tool := range c.Tools {
		tool.ExtensionID = id
		r.tools.Put(tool.QualifiedName(), id, tool)
	}
	for _, setting := range c.Settings {
		setting.ExtensionID = id
		r.settings.Put(setting.ID, id, setting)
	}
	for _, provider := range c.ConnectionProviders {
		provider.ExtensionID = id
		r.connectionProviders.Put(provider.ID, id, provider)
	}
	for _, server := range c.ExternalServers {
		server.ExtensionID = id
		r.externalServers.Put(serverKey(id, server.ID), id, server)
	}

	r.logger.Info("registered contributions",
		"extension", id,
		"commands", len(c.Commands),
		"views", len(c.Views),
		"tools", len(c.Tools),
		"settings", len(c.Settings),
		"connection_providers", len(c.ConnectionProviders),
		"external_servers", len(c.ExternalServers))
}

// Unregister removes every contribution owned by extensionID.
func (r *Registry) Unregister(extensionID string) {
	removed := r.commands.UnregisterExtension(extensionID) +
		r.views.UnregisterExtension(extensionID) +
		r.tools.UnregisterExtension(extensionID) +
		r.settings.UnregisterExtension(extensionID) +
		r.connectionProviders.UnregisterExtension(extensionID) +
		r.externalServers.UnregisterExtension(extensionID)

	r.logger.Debug("unregistered contributions", "extension", extensionID, "removed", removed)
}

// Command looks up a command by id.
func (r *Registry) Command(id string) (extension.Command, bool) { return r.commands.Get(id) }

// View looks up a view by id.
func (r *Registry) View(id string) (extension.View, bool) { return r.views.Get(id) }

// Tool looks up a tool by qualified name ("<extensionId>.<name>").
func (r *Registry) Tool(qualifiedName string) (extension.Tool, bool) {
	return r.tools.Get(qualifiedName)
}

// Setting looks up a setting by id.
func (r *Registry) Setting(id string) (extension.Setting, bool) { return r.settings.Get(id) }

// ConnectionProvider looks up a connection provider by id.
func (r *Registry) ConnectionProvider(id string) (extension.ConnectionProvider, bool) {
	return r.connectionProviders.Get(id)
}

// ExternalServer looks up a server declared by extensionID.
func (r *Registry) ExternalServer(extensionID, serverID string) (extension.ExternalServer, bool) {
	return r.externalServers.Get(serverKey(extensionID, serverID))
}

// Commands lists every indexed command, sorted by id.
func (r *Registry) Commands() []extension.Command { return r.commands.Values() }

// Views lists every indexed view, sorted by id.
func (r *Registry) Views() []extension.View { return r.views.Values() }

// Tools lists every indexed tool, sorted by qualified name.
func (r *Registry) Tools() []extension.Tool { return r.tools.Values() }

// Settings lists every indexed setting, sorted by id.
func (r *Registry) Settings() []extension.Setting { return r.settings.Values() }

// ConnectionProviders lists every indexed connection provider, sorted by id.
func (r *Registry) ConnectionProviders() []extension.ConnectionProvider {
	return r.connectionProviders.Values()
}

// ExternalServers lists every declared external server, ordered by owner then server id.
func (r *Registry) ExternalServers() []extension.ExternalServer { return r.externalServers.Values() }

// serverKey joins with a NUL so ids containing dots cannot collide.
func serverKey(extensionID, serverID string) string {
	return extensionID + "\x00" + serverID
}
