package contribution_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/reglet-dev/reglet-exthost/contribution"
	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest(id string) *extension.Manifest {
	return &extension.Manifest{
		ID:   id,
		Main: "extension.js",
		Contributes: &extension.Contributes{
			Commands:            []extension.Command{{ID: id + ".hello", Title: "Hello"}},
			Views:               []extension.View{{ID: id + ".panel", Name: "Panel"}},
			Tools:               []extension.Tool{{Name: "echo"}},
			Settings:            []extension.Setting{{ID: id + ".enabled", Type: "boolean", Default: true}},
			ConnectionProviders: []extension.ConnectionProvider{{ID: id + ".pg", Protocol: "postgres"}},
			ExternalServers:     []extension.ExternalServer{{ID: "lsp", Command: "server"}},
		},
	}
}

func TestRegistry_RegisterIndexesEveryKind(t *testing.T) {
	r := contribution.NewRegistry()
	r.Register(sampleManifest("acme.sample"))

	cmd, ok := r.Command("acme.sample.hello")
	require.True(t, ok)
	assert.Equal(t, "acme.sample", cmd.ExtensionID)

	view, ok := r.View("acme.sample.panel")
	require.True(t, ok)
	assert.Equal(t, "acme.sample", view.ExtensionID)

	tool, ok := r.Tool("acme.sample.echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, "acme.sample", tool.ExtensionID)

	_, ok = r.Setting("acme.sample.enabled")
	assert.True(t, ok)
	_, ok = r.ConnectionProvider("acme.sample.pg")
	assert.True(t, ok)
	srv, ok := r.ExternalServer("acme.sample", "lsp")
	require.True(t, ok)
	assert.Equal(t, "server", srv.Command)

	assert.Len(t, r.Commands(), 1)
	assert.Len(t, r.Views(), 1)
	assert.Len(t, r.Tools(), 1)
	assert.Len(t, r.Settings(), 1)
	assert.Len(t, r.ConnectionProviders(), 1)
	assert.Len(t, r.ExternalServers(), 1)
}

func TestRegistry_RegisterDoesNotMutateManifest(t *testing.T) {
	r := contribution.NewRegistry()
	m := sampleManifest("acme.sample")
	r.Register(m)
	assert.Empty(t, m.Contributes.Commands[0].ExtensionID)
}

func TestRegistry_ToolsAreNamespaced(t *testing.T) {
	r := contribution.NewRegistry()
	r.Register(sampleManifest("acme.one"))
	r.Register(sampleManifest("acme.two"))

	_, ok := r.Tool("acme.one.echo")
	assert.True(t, ok)
	_, ok = r.Tool("acme.two.echo")
	assert.True(t, ok)
	assert.Len(t, r.Tools(), 2)

	_, ok = r.ExternalServer("acme.two", "lsp")
	assert.True(t, ok)
}

func TestRegistry_UnregisterRemovesOnlyOwner(t *testing.T) {
	r := contribution.NewRegistry()
	r.Register(sampleManifest("acme.one"))
	r.Register(sampleManifest("acme.two"))

	r.Unregister("acme.one")

	_, ok := r.Command("acme.one.hello")
	assert.False(t, ok)
	_, ok = r.Tool("acme.one.echo")
	assert.False(t, ok)
	_, ok = r.ExternalServer("acme.one", "lsp")
	assert.False(t, ok)

	_, ok = r.Command("acme.two.hello")
	assert.True(t, ok)
	assert.Len(t, r.Tools(), 1)
	assert.Len(t, r.Settings(), 1)
}

func TestRegistry_CollisionLastWins(t *testing.T) {
	var buf bytes.Buffer
	r := contribution.NewRegistry(contribution.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	r.Register(&extension.Manifest{ID: "acme.one", Contributes: &extension.Contributes{
		Commands: []extension.Command{{ID: "shared.cmd", Title: "one"}},
	}})
	r.Register(&extension.Manifest{ID: "acme.two", Contributes: &extension.Contributes{
		Commands: []extension.Command{{ID: "shared.cmd", Title: "two"}},
	}})

	cmd, ok := r.Command("shared.cmd")
	require.True(t, ok)
	assert.Equal(t, "acme.two", cmd.ExtensionID)
	assert.Equal(t, "two", cmd.Title)
	assert.Equal(t, 1, strings.Count(buf.String(), "contribution overwritten"))
}

func TestRegistry_NoContributions(t *testing.T) {
	r := contribution.NewRegistry()
	r.Register(&extension.Manifest{ID: "acme.empty"})
	r.Register(nil)
	assert.Empty(t, r.Commands())
}
