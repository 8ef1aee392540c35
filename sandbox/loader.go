// Package sandbox loads extension entry modules into isolated runtimes.
//
// JavaScript entries run in a goja runtime owned by a per-extension event
// loop. WebAssembly entries run in a dedicated wazero runtime with WASI
// denied by default. Neither exposes filesystem, network or process access;
// the only bindings are a logging shim, timers, and the capability context
// handed to activate().
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"
)

// Module is a loaded entry module.
type Module interface {
	// Activate calls the extension's activate export with the capability context.
	Activate(ctx context.Context, extCtx *extension.Context) error
	// Deactivate calls the optional deactivate export. It is a no-op when absent.
	Deactivate(ctx context.Context) error
	// HasDeactivate reports whether the entry exports deactivate.
	HasDeactivate() bool
	// Close releases the runtime. The module cannot be used afterwards.
	Close(ctx context.Context) error
}

// LoadedExtension is an evaluated extension, cached for the process lifetime.
type LoadedExtension struct {
	Manifest *extension.Manifest
	Module   Module
	RootPath string
}

type loadRequest struct {
	manifest  *extension.Manifest
	rootPath  string
	entryPath string
}

type engine interface {
	load(ctx context.Context, req loadRequest) (Module, error)
}

type engineRoute struct {
	engine  engine
	pattern string
}

// Loader evaluates entry modules and caches the result by extension id.
type Loader struct {
	logger           *slog.Logger
	cache            wazero.CompilationCache
	onViolation      ViolationHandler
	onFault          FaultHandler
	loaded           map[string]*LoadedExtension
	group            singleflight.Group
	routes           []engineRoute
	evalTimeout      time.Duration
	maxModuleSize    int64
	memoryLimitPages uint32
	mu               sync.RWMutex
}

// NewLoader creates a loader with the JavaScript and WebAssembly engines.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		logger:        slog.Default(),
		evalTimeout:   DefaultEvalTimeout,
		maxModuleSize: DefaultMaxModuleSize,
		loaded:        make(map[string]*LoadedExtension),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.routes = []engineRoute{
		{pattern: "**/*.{js,cjs}", engine: &jsEngine{loader: l}},
		{pattern: "**/*.wasm", engine: &wasmEngine{loader: l}},
	}
	return l
}

// Load evaluates the manifest's entry module under rootPath. Loading an id
// that is already loaded returns the cached extension; concurrent loads of
// the same id share one evaluation.
func (l *Loader) Load(ctx context.Context, m *extension.Manifest, rootPath string) (*LoadedExtension, error) {
	if m == nil {
		return nil, &extension.LoadError{Reason: "manifest is required"}
	}
	if ext, ok := l.Get(m.ID); ok {
		return ext, nil
	}

	v, err, _ := l.group.Do(m.ID, func() (any, error) {
		if ext, ok := l.Get(m.ID); ok {
			return ext, nil
		}
		ext, err := l.load(ctx, m, rootPath)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.loaded[m.ID] = ext
		l.mu.Unlock()
		return ext, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadedExtension), nil
}

func (l *Loader) load(ctx context.Context, m *extension.Manifest, rootPath string) (*LoadedExtension, error) {
	entryPath, err := resolveEntry(rootPath, m.Main)
	if err != nil {
		return nil, &extension.LoadError{ExtensionID: m.ID, Reason: "invalid entry module", Err: err}
	}

	eng, err := l.engineFor(m.Main)
	if err != nil {
		return nil, &extension.LoadError{ExtensionID: m.ID, Reason: "unsupported entry module", Err: err}
	}

	start := time.Now()
	mod, err := eng.load(ctx, loadRequest{manifest: m, rootPath: rootPath, entryPath: entryPath})
	if err != nil {
		var le *extension.LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &extension.LoadError{ExtensionID: m.ID, Reason: "evaluation failed", Err: err}
	}

	l.logger.Info("loaded extension",
		"extension", m.ID,
		"entry", m.Main,
		"duration", time.Since(start))

	return &LoadedExtension{Manifest: m.Clone(), RootPath: rootPath, Module: mod}, nil
}

func (l *Loader) engineFor(entry string) (engine, error) {
	name := strings.ToLower(filepath.ToSlash(filepath.Clean(entry)))
	for _, r := range l.routes {
		if ok, _ := doublestar.Match(r.pattern, name); ok {
			return r.engine, nil
		}
	}
	return nil, fmt.Errorf("no engine for %q", entry)
}

// resolveEntry joins entry onto root and rejects anything that escapes it,
// including through symlinks.
func resolveEntry(root, entry string) (string, error) {
	if strings.TrimSpace(entry) == "" {
		return "", errors.New("entry module is empty")
	}
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "/") {
		return "", fmt.Errorf("entry %q must be relative to the extension root", entry)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve extension root: %w", err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(entry))
	if !within(absRoot, full) {
		return "", fmt.Errorf("entry %q escapes the extension root", entry)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err == nil {
		var realFull string
		realFull, err = filepath.EvalSymlinks(full)
		if err == nil {
			if !within(realRoot, realFull) {
				return "", fmt.Errorf("entry %q escapes the extension root", entry)
			}
			return realFull, nil
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		// Reading the entry reports the missing file.
		return full, nil
	}
	return "", fmt.Errorf("failed to resolve entry %q: %w", entry, err)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Get returns a loaded extension.
func (l *Loader) Get(id string) (*LoadedExtension, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ext, ok := l.loaded[id]
	return ext, ok
}

// Evict drops id from the cache and closes its runtime. The next Load
// evaluates the entry module again.
func (l *Loader) Evict(ctx context.Context, id string) error {
	l.mu.Lock()
	ext, ok := l.loaded[id]
	delete(l.loaded, id)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := ext.Module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close extension %s: %w", id, err)
	}
	return nil
}

// Close evicts every loaded extension.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	loaded := l.loaded
	l.loaded = make(map[string]*LoadedExtension)
	l.mu.Unlock()

	var errs []error
	for id, ext := range loaded {
		if err := ext.Module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close extension %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) violation(v *extension.SandboxViolation) {
	l.logger.Warn("sandbox violation", "extension", v.ExtensionID, "capability", v.Capability)
	if l.onViolation != nil {
		l.onViolation(v)
	}
}

func (l *Loader) fault(err error, where string) {
	l.logger.Error("extension fault", "where", where, "error", err)
	if l.onFault != nil {
		l.onFault(err, where)
	}
}
