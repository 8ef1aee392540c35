package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service answers and records permission decisions. It keeps no state of
// its own beyond the Store, so two services on the same location agree.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	// mu makes AutoGrant's check-then-put atomic within the process.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a permission service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the backing store's location.
func (s *Service) Location() string {
	return s.store.Location()
}

// Check reports whether extensionID may use scope. Every scope, known or
// not, is answered: without a record the result is not granted.
func (s *Service) Check(ctx context.Context, extensionID string, scope Scope) (Result, error) {
	g, err := s.store.Get(ctx, extensionID, scope)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check permission: %w", err)
	}
	switch {
	case g == nil:
		return Result{Granted: false, Reason: ReasonNotGranted}, nil
	case !g.Granted:
		return Result{Granted: false, Reason: ReasonDenied}, nil
	default:
		return Result{Granted: true}, nil
	}
}

// Request returns the existing decision for (extensionID, scope). A nil
// grant means no decision exists and the caller must prompt.
func (s *Service) Request(ctx context.Context, extensionID string, scope Scope, justification string) (*Grant, error) {
	g, err := s.store.Get(ctx, extensionID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read permission: %w", err)
	}
	if g == nil {
		s.logger.Info("permission undecided",
			"extension", extensionID,
			"scope", scope,
			"justification", justification)
	}
	return g, nil
}

// RecordDecision persists an explicit user decision. ask-later records
// nothing.
func (s *Service) RecordDecision(ctx context.Context, extensionID string, scope Scope, choice Choice) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}
	if _, err := ParseChoice(string(choice)); err != nil {
		return err
	}
	if choice == ChoiceAskLater {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := Grant{
		ExtensionID:  extensionID,
		Scope:        scope,
		Granted:      choice == ChoiceAllow,
		UserDecision: true,
		Timestamp:    s.now().UTC(),
	}
	if err := s.store.Put(ctx, g); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	s.logger.Info("recorded permission decision", "extension", extensionID, "scope", scope, "decision", choice)
	return nil
}

// AutoGrant grants every scope that has no record yet and returns the
// scopes it granted. Existing decisions, user-made or not, are never
// overwritten. Malformed scopes are skipped.
func (s *Service) AutoGrant(ctx context.Context, extensionID string, scopes []Scope) ([]Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var granted []Scope
	for _, scope := range scopes {
		if !scope.Valid() {
			s.logger.Warn("skipping malformed permission scope", "extension", extensionID, "scope", scope)
			continue
		}
		existing, err := s.store.Get(ctx, extensionID, scope)
		if err != nil {
			return granted, fmt.Errorf("failed to read permission: %w", err)
		}
		if existing != nil {
			continue
		}
		g := Grant{
			ExtensionID: extensionID,
			Scope:       scope,
			Granted:     true,
			Timestamp:   s.now().UTC(),
		}
		if err := s.store.Put(ctx, g); err != nil {
			return granted, fmt.Errorf("failed to auto-grant permission: %w", err)
		}
		granted = append(granted, scope)
	}
	if len(granted) > 0 {
		s.logger.Info("auto-granted permissions", "extension", extensionID, "scopes", granted)
	}
	return granted, nil
}

// RevokeAll deletes every record of extensionID.
func (s *Service) RevokeAll(ctx context.Context, extensionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.DeleteExtension(ctx, extensionID)
	if err != nil {
		return fmt.Errorf("failed to revoke permissions: %w", err)
	}
	s.logger.Info("revoked permissions", "extension", extensionID, "count", n)
	return nil
}

// Granted returns the allowed scopes of extensionID.
func (s *Service) Granted(ctx context.Context, extensionID string) ([]Grant, error) {
	all, err := s.All(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	granted := make([]Grant, 0, len(all))
	for _, g := range all {
		if g.Granted {
			granted = append(granted, g)
		}
	}
	return granted, nil
}

// All returns every record of extensionID, allowed or denied. An empty id
// lists every extension.
func (s *Service) All(ctx context.Context, extensionID string) ([]Grant, error) {
	grants, err := s.store.List(ctx, extensionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return grants, nil
}
