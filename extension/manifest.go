// Package extension holds the domain model shared by every host component:
// manifests, contribution records, activation states, the capability context
// handed to activate(), and the host's error taxonomy.
package extension

import "slices"

// Manifest is the declarative descriptor of one extension.
// It is immutable once registered and identified by ID.
type Manifest struct {
	ID               string            `json:"id" yaml:"id" jsonschema:"required,minLength=3,maxLength=128"`
	Name             string            `json:"name" yaml:"name"`
	Version          string            `json:"version" yaml:"version"`
	Publisher        string            `json:"publisher" yaml:"publisher"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Main             string            `json:"main" yaml:"main" jsonschema:"required,minLength=1"`
	ActivationEvents []string          `json:"activationEvents,omitempty" yaml:"activationEvents,omitempty"`
	Permissions      []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Engines          map[string]string `json:"engines,omitempty" yaml:"engines,omitempty"`
	Contributes      *Contributes      `json:"contributes,omitempty" yaml:"contributes,omitempty"`
}

// Contributes lists every capability an extension declares.
type Contributes struct {
	Commands            []Command            `json:"commands,omitempty" yaml:"commands,omitempty"`
	Views               []View               `json:"views,omitempty" yaml:"views,omitempty"`
	Tools               []Tool               `json:"tools,omitempty" yaml:"tools,omitempty"`
	Settings            []Setting            `json:"settings,omitempty" yaml:"settings,omitempty"`
	ConnectionProviders []ConnectionProvider `json:"connectionProviders,omitempty" yaml:"connectionProviders,omitempty"`
	ExternalServers     []ExternalServer     `json:"externalServers,omitempty" yaml:"externalServers,omitempty"`
}

// Command is a declared command contribution.
type Command struct {
	ID          string `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	ExtensionID string `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// View is a declared view contribution.
type View struct {
	ID          string `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
	ExtensionID string `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// Tool is a declared tool contribution. Tools are addressed by their
// qualified name so unrelated extensions can reuse the same short name.
type Tool struct {
	Name        string         `json:"name" yaml:"name" jsonschema:"required,minLength=1"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	ExtensionID string         `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// QualifiedName returns "<extensionId>.<name>".
func (t Tool) QualifiedName() string {
	return QualifiedToolName(t.ExtensionID, t.Name)
}

// QualifiedToolName builds the global key of a tool.
func QualifiedToolName(extensionID, name string) string {
	return extensionID + "." + name
}

// Setting is a declared configuration key.
type Setting struct {
	ID          string `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	ExtensionID string `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// ConnectionProvider is a declared connection provider.
type ConnectionProvider struct {
	ID          string `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	ExtensionID string `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// ExternalServer describes a server the controller may launch on the
// extension's behalf. Keyed by (ExtensionID, ID).
type ExternalServer struct {
	ID          string   `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Transport   string   `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command     string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string `json:"args,omitempty" yaml:"args,omitempty"`
	URL         string   `json:"url,omitempty" yaml:"url,omitempty"`
	ExtensionID string   `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
}

// HasActivationEvent reports whether event is declared verbatim.
func (m *Manifest) HasActivationEvent(event string) bool {
	return slices.Contains(m.ActivationEvents, event)
}

// Clone returns a deep copy so registered manifests cannot be mutated by callers.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.ActivationEvents = slices.Clone(m.ActivationEvents)
	c.Permissions = slices.Clone(m.Permissions)
	if m.Engines != nil {
		c.Engines = make(map[string]string, len(m.Engines))
		for k, v := range m.Engines {
			c.Engines[k] = v
		}
	}
	if m.Contributes != nil {
		contrib := Contributes{
			Commands:            slices.Clone(m.Contributes.Commands),
			Views:               slices.Clone(m.Contributes.Views),
			Tools:               slices.Clone(m.Contributes.Tools),
			Settings:            slices.Clone(m.Contributes.Settings),
			ConnectionProviders: slices.Clone(m.Contributes.ConnectionProviders),
			ExternalServers:     slices.Clone(m.Contributes.ExternalServers),
		}
		c.Contributes = &contrib
	}
	return &c
}
