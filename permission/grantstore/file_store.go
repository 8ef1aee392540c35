// Package grantstore provides file-based persistence for permission grants.
package grantstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-exthost/permission"
)

// fileStoreConfig is the resolved set of FileStoreOptions.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// DefaultPath returns the grants file used when no path is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".exthost", "permissions.yaml")
}

func defaultFileStoreConfig() fileStoreConfig {
	return fileStoreConfig{
		path:     DefaultPath(),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// FileStoreOption customizes where and how a FileStore writes grants.
type FileStoreOption func(*fileStoreConfig)

// WithPath overrides DefaultPath. An empty path keeps the default.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the mode of the grants file. Defaults to 0600.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the mode used when creating the parent directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// document is the on-disk layout.
type document struct {
	Grants []permission.Grant `yaml:"grants"`
}

// FileStore keeps grants in a single YAML file. The file is read on every
// operation and replaced atomically on every mutation, so separate
// FileStores on the same path observe each other's writes.
type FileStore struct {
	config fileStoreConfig
	mu     sync.Mutex
}

var _ permission.Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at DefaultPath unless WithPath is given.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

// Location returns the path to the backing file.
func (s *FileStore) Location() string {
	return s.config.path
}

// Get returns the grant for (extensionID, scope), or nil when undecided.
func (s *FileStore) Get(_ context.Context, extensionID string, scope permission.Scope) (*permission.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(doc.Grants, extensionID, scope); i >= 0 {
		g := doc.Grants[i]
		return &g, nil
	}
	return nil, nil
}

// Put creates or replaces a grant.
func (s *FileStore) Put(_ context.Context, g permission.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if i := indexOf(doc.Grants, g.ExtensionID, g.Scope); i >= 0 {
		doc.Grants[i] = g
	} else {
		doc.Grants = append(doc.Grants, g)
	}
	return s.save(doc)
}

// DeleteExtension removes every grant of extensionID.
func (s *FileStore) DeleteExtension(_ context.Context, extensionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	before := len(doc.Grants)
	doc.Grants = slices.DeleteFunc(doc.Grants, func(g permission.Grant) bool {
		return g.ExtensionID == extensionID
	})
	removed := before - len(doc.Grants)
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(doc)
}

// List returns the grants of extensionID, or all grants when it is empty.
func (s *FileStore) List(_ context.Context, extensionID string) ([]permission.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]permission.Grant, 0, len(doc.Grants))
	for _, g := range doc.Grants {
		if extensionID == "" || g.ExtensionID == extensionID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant store: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse grant store: %w", err)
	}
	return &doc, nil
}

func (s *FileStore) save(doc *document) error {
	slices.SortStableFunc(doc.Grants, func(a, b permission.Grant) int {
		if c := strings.Compare(a.ExtensionID, b.ExtensionID); c != 0 {
			return c
		}
		return strings.Compare(string(a.Scope), string(b.Scope))
	})

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".permissions-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp grant file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync grant store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close grant store: %w", err)
	}
	if err := os.Chmod(tmpName, s.config.filePerm); err != nil {
		return fmt.Errorf("failed to set grant store permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.config.path); err != nil {
		return fmt.Errorf("failed to replace grant store: %w", err)
	}
	return nil
}

func indexOf(grants []permission.Grant, extensionID string, scope permission.Scope) int {
	return slices.IndexFunc(grants, func(g permission.Grant) bool {
		return g.ExtensionID == extensionID && g.Scope == scope
	})
}
