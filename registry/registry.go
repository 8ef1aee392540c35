// Package registry implements the owner-tracked tables behind the
// contribution registry and the command, tool and view managers.
package registry

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

type entry[V any] struct {
	value V
	owner string
}

// Table maps keys to values, remembering which extension owns each key.
// Re-registering a key replaces the previous value; when the owner changes
// a warning is logged and the new owner wins.
type Table[V any] struct {
	entries map[string]entry[V]
	logger  *slog.Logger
	kind    string
	mu      sync.RWMutex
}

// Option configures a Table.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for collision warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an empty table. kind names the entries in log output
// ("command", "tool", ...).
func New[V any](kind string, opts ...Option) *Table[V] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Table[V]{
		entries: make(map[string]entry[V]),
		logger:  o.logger,
		kind:    kind,
	}
}

// Put stores value under key for owner. It reports whether a different
// owner's entry was overwritten.
func (t *Table[V]) Put(key, owner string, value V) bool {
	t.mu.Lock()
	prev, exists := t.entries[key]
	t.entries[key] = entry[V]{value: value, owner: owner}
	t.mu.Unlock()

	if exists && prev.owner != owner {
		t.logger.Warn("contribution overwritten by another extension",
			"kind", t.kind,
			"key", key,
			"previous_owner", prev.owner,
			"owner", owner)
		return true
	}
	return false
}

// Get returns the value stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.value, ok
}

// Lookup returns the value stored under key together with its owner, read
// under one lock so the pair is consistent.
func (t *Table[V]) Lookup(key string) (value V, owner string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.value, e.owner, ok
}

// Owner returns the extension that owns key.
func (t *Table[V]) Owner(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.owner, ok
}

// Delete removes key regardless of owner.
func (t *Table[V]) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// UnregisterExtension removes every entry owned by owner and returns how
// many were removed. It is a linear scan over the table.
func (t *Table[V]) UnregisterExtension(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if e.owner == owner {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Keys returns all keys in sorted order.
func (t *Table[V]) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.entries))
}

// KeysOwnedBy returns the sorted keys owned by owner.
func (t *Table[V]) KeysOwnedBy(owner string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	for key, e := range t.entries {
		if e.owner == owner {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Values returns all values ordered by key.
func (t *Table[V]) Values() []V {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(t.entries))
	values := make([]V, 0, len(keys))
	for _, key := range keys {
		values = append(values, t.entries[key].value)
	}
	return values
}

// Len returns the number of entries.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
