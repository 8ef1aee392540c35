package exthost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethods_TableIsComplete(t *testing.T) {
	h, err := New()
	require.NoError(t, err)

	table := h.handlerTable()
	seen := make(map[string]bool)
	for _, m := range Methods() {
		name := m.String()
		assert.NotEmpty(t, name, "method %d has no wire name", m)
		assert.False(t, seen[name], "duplicate wire name %q", name)
		seen[name] = true

		assert.NotNil(t, table[m], "no handler for %s", name)
		assert.NotNil(t, h.handlers[m], "no chained handler for %s", name)

		parsed, ok := ParseMethod(name)
		require.True(t, ok, name)
		assert.Equal(t, m, parsed)
	}
	assert.Len(t, seen, int(methodCount))
}

func TestMethods_Unknown(t *testing.T) {
	_, ok := ParseMethod("extension.explode")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Method(-1).String())
	assert.Equal(t, "unknown", methodCount.String())
}
