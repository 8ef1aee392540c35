// Package activation implements the per-extension lifecycle state machine:
// inactive, activating, active and failed.
package activation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/sandbox"
)

// Loader produces loaded extensions. Implemented by *sandbox.Loader.
type Loader interface {
	Load(ctx context.Context, m *extension.Manifest, rootPath string) (*sandbox.LoadedExtension, error)
}

// ContributionIndex indexes declared contributions. Implemented by
// *contribution.Registry.
type ContributionIndex interface {
	Register(m *extension.Manifest)
	Unregister(extensionID string)
}

// CommandTable is the slice of the command manager the controller needs.
type CommandTable interface {
	Registrar(extensionID string) extension.CommandRegistrar
	UnregisterExtension(extensionID string) int
}

// ToolTable is the slice of the tool manager the controller needs.
type ToolTable interface {
	Registrar(extensionID string) extension.ToolRegistrar
	UnregisterExtension(extensionID string) int
}

// ViewTable is the slice of the view manager the controller needs.
type ViewTable interface {
	Registrar(extensionID string) extension.ViewRegistrar
	UnregisterExtension(extensionID string) int
}

// Handlers groups the managers whose registrars are handed to activate().
type Handlers struct {
	Commands CommandTable
	Tools    ToolTable
	Views    ViewTable
}

// Info is a read-only snapshot of one registered extension.
type Info struct {
	ActivatedAt time.Time       `json:"activatedAt,omitzero"`
	ID          string          `json:"id"`
	Path        string          `json:"path"`
	State       extension.State `json:"state"`
	Error       string          `json:"error,omitempty"`
}

// attempt is one activation attempt. err is set before done is closed.
type attempt struct {
	done chan struct{}
	err  error
}

type record struct {
	activatedAt time.Time
	manifest    *extension.Manifest
	module      sandbox.Module
	attempt     *attempt
	// settling is non-nil while a deactivation is still removing the
	// extension's handlers and contributions. It is closed once they are gone.
	settling chan struct{}
	lastErr  error
	path     string
	state    extension.State
	indexed  bool
}

// Controller owns the activation state of every registered extension.
type Controller struct {
	loader        Loader
	contributions ContributionIndex
	handlers      Handlers
	logger        *slog.Logger
	records       map[string]*record
	mu            sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a controller.
func NewController(loader Loader, contributions ContributionIndex, handlers Handlers, opts ...Option) *Controller {
	c := &Controller{
		loader:        loader,
		contributions: contributions,
		handlers:      handlers,
		logger:        slog.Default(),
		records:       make(map[string]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterExtension records m as inactive and indexes its contributions.
// It reports false, logging a warning, when the id is already registered.
func (c *Controller) RegisterExtension(m *extension.Manifest, path string) bool {
	c.mu.Lock()
	if _, exists := c.records[m.ID]; exists {
		c.mu.Unlock()
		c.logger.Warn("extension already registered", "extension", m.ID)
		return false
	}
	c.records[m.ID] = &record{
		manifest: m.Clone(),
		path:     path,
		state:    extension.StateInactive,
		indexed:  true,
	}
	c.mu.Unlock()

	c.contributions.Register(m)
	c.logger.Info("registered extension", "extension", m.ID, "path", path)
	return true
}

// ShouldActivate reports whether id declares event verbatim.
func (c *Controller) ShouldActivate(id, event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	return ok && r.manifest.HasActivationEvent(event)
}

// ExtensionsToActivate returns the inactive extensions that declare event,
// sorted by id.
func (c *Controller) ExtensionsToActivate(event string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for id, r := range c.records {
		if r.state == extension.StateInactive && r.manifest.HasActivationEvent(event) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Activate loads id and calls its activate export. Activating an active
// extension is a no-op. Concurrent callers of an activating extension wait
// for the in-flight attempt and share its outcome. A failed extension may
// be activated again. Activation of an extension that is still being
// deactivated starts once its handlers and contributions are removed.
func (c *Controller) Activate(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return &extension.ActivationError{ExtensionID: id}
	}
	for r.settling != nil {
		wait := r.settling
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	switch r.state {
	case extension.StateActive:
		c.mu.Unlock()
		return nil
	case extension.StateActivating:
		att := r.attempt
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &attempt{done: make(chan struct{})}
	r.state = extension.StateActivating
	r.attempt = att
	r.lastErr = nil
	reindex := !r.indexed
	r.indexed = true
	manifest, path := r.manifest, r.path
	c.mu.Unlock()

	if reindex {
		c.contributions.Register(manifest)
	}

	c.logger.Info("activating extension", "extension", id)
	start := time.Now()
	module, err := c.activate(ctx, manifest, path)
	if err != nil {
		err = &extension.ActivationError{ExtensionID: id, Err: err}
		c.unregisterHandlers(id)
	}

	c.mu.Lock()
	if err != nil {
		r.state = extension.StateFailed
		r.lastErr = err
	} else {
		r.state = extension.StateActive
		r.module = module
		r.activatedAt = time.Now()
	}
	r.attempt = nil
	att.err = err
	close(att.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("extension activation failed", "extension", id, "error", err)
		return err
	}
	c.logger.Info("activated extension", "extension", id, "duration", time.Since(start))
	return nil
}

// activate runs the load and activate steps, converting panics into errors.
func (c *Controller) activate(ctx context.Context, m *extension.Manifest, path string) (mod sandbox.Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during activation: %v", rec)
		}
	}()

	loaded, err := c.loader.Load(ctx, m, path)
	if err != nil {
		return nil, err
	}

	extCtx := &extension.Context{
		Commands:      c.handlers.Commands.Registrar(m.ID),
		Tools:         c.handlers.Tools.Registrar(m.ID),
		Views:         c.handlers.Views.Registrar(m.ID),
		Logger:        c.logger.With("extension", m.ID),
		ExtensionID:   m.ID,
		ExtensionPath: path,
	}
	if err := loaded.Module.Activate(extension.WithID(ctx, m.ID), extCtx); err != nil {
		return nil, err
	}
	return loaded.Module, nil
}

// ActivateByEvent activates every inactive extension declaring event and
// returns the failures keyed by extension id.
func (c *Controller) ActivateByEvent(ctx context.Context, event string) ([]string, map[string]error) {
	ids := c.ExtensionsToActivate(event)
	failures := make(map[string]error)
	for _, id := range ids {
		if err := c.Activate(ctx, id); err != nil {
			failures[id] = err
		}
	}
	return ids, failures
}

// Deactivate stops an active extension: its deactivate export is awaited
// best-effort, and its contributions and handlers are unregistered. It is a
// no-op unless the extension is active.
func (c *Controller) Deactivate(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok || r.state != extension.StateActive {
		c.mu.Unlock()
		return nil
	}
	module := r.module
	r.module = nil
	r.state = extension.StateInactive
	r.activatedAt = time.Time{}
	r.indexed = false
	settled := make(chan struct{})
	r.settling = settled
	c.mu.Unlock()

	defer c.settle(r, settled)

	if module != nil && module.HasDeactivate() {
		if err := c.callDeactivate(ctx, module); err != nil {
			c.logger.Warn("extension deactivate failed", "extension", id, "error", err)
		}
	}

	c.contributions.Unregister(id)
	c.unregisterHandlers(id)
	c.logger.Info("deactivated extension", "extension", id)
	return nil
}

// settle releases activations waiting on r's deactivation.
func (c *Controller) settle(r *record, settled chan struct{}) {
	c.mu.Lock()
	if r.settling == settled {
		r.settling = nil
	}
	c.mu.Unlock()
	close(settled)
}

func (c *Controller) callDeactivate(ctx context.Context, module sandbox.Module) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during deactivate: %v", rec)
		}
	}()
	return module.Deactivate(ctx)
}

func (c *Controller) unregisterHandlers(id string) {
	c.handlers.Commands.UnregisterExtension(id)
	c.handlers.Tools.UnregisterExtension(id)
	c.handlers.Views.UnregisterExtension(id)
}

// DeactivateAll deactivates every active extension. Each is guarded on its
// own so one failure does not stop the rest.
func (c *Controller) DeactivateAll(ctx context.Context) error {
	var errs []error
	for _, id := range c.ActiveExtensions() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					errs = append(errs, fmt.Errorf("deactivate %s: panic: %v", id, rec))
				}
			}()
			if err := c.Deactivate(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("deactivate %s: %w", id, err))
			}
		}()
	}
	return errors.Join(errs...)
}

// MarkAllInactive resets every registered extension to inactive without
// calling deactivate, dropping the handlers of active ones. Used when the
// controller restarts. Extensions with an activation in flight are left to
// that attempt.
func (c *Controller) MarkAllInactive() {
	c.mu.Lock()
	dropped := make(map[*record]chan struct{})
	for _, r := range c.records {
		if r.state == extension.StateActivating {
			continue
		}
		if r.module != nil && r.settling == nil {
			settled := make(chan struct{})
			r.settling = settled
			dropped[r] = settled
		}
		r.state = extension.StateInactive
		r.module = nil
		r.activatedAt = time.Time{}
		r.lastErr = nil
	}
	c.mu.Unlock()

	for r, settled := range dropped {
		c.unregisterHandlers(r.manifest.ID)
		c.settle(r, settled)
	}
}

// State returns the state of id. ok is false for unregistered ids.
func (c *Controller) State(id string) (extension.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return "", false
	}
	return r.state, true
}

// ActiveExtensions returns the ids of active extensions, sorted.
func (c *Controller) ActiveExtensions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for id, r := range c.records {
		if r.state == extension.StateActive {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Manifest returns the registered manifest for id.
func (c *Controller) Manifest(id string) (*extension.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return r.manifest.Clone(), true
}

// Extensions returns a snapshot of every registered extension, sorted by id.
func (c *Controller) Extensions() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]Info, 0, len(c.records))
	for id, r := range c.records {
		info := Info{ID: id, Path: r.path, State: r.state, ActivatedAt: r.activatedAt}
		if r.lastErr != nil {
			info.Error = r.lastErr.Error()
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}
