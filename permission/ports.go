package permission

import "context"

// Store persists grants. Every mutation must be durable before it returns
// so that another Store opened on the same location observes it.
type Store interface {
	// Get returns the grant for (extensionID, scope), or nil when undecided.
	Get(ctx context.Context, extensionID string, scope Scope) (*Grant, error)
	// Put creates or replaces a grant.
	Put(ctx context.Context, g Grant) error
	// DeleteExtension removes every grant of extensionID and returns the count.
	DeleteExtension(ctx context.Context, extensionID string) (int, error)
	// List returns the grants of extensionID, or of every extension when empty.
	List(ctx context.Context, extensionID string) ([]Grant, error)
	// Location describes where grants are stored.
	Location() string
}

// Request describes one scope awaiting an interactive decision.
type Request struct {
	ExtensionID   string
	Scope         Scope
	Justification string
	Description   string
	Risk          RiskLevel
	IsBroad       bool
}

// Prompter asks a human to decide on a scope.
type Prompter interface {
	IsInteractive() bool
	PromptForScope(req Request) (Choice, error)
	FormatNonInteractiveError(extensionID string, missing []Scope) error
}
