// Package permission stores per-extension decisions for named capability
// scopes. A missing record means undecided, which is distinct from denied.
package permission

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/reglet-dev/reglet-exthost/extension"
)

// Scope names a privileged capability an extension may ask for. Scopes are
// open: the constants below are the ones the host knows risk metadata for,
// and any other well-formed name can still be checked and recorded.
type Scope string

const (
	ScopeFilesystemRead  Scope = "filesystem.read"
	ScopeFilesystemWrite Scope = "filesystem.write"
	ScopeNetwork         Scope = "network"
	ScopeSecretsRead     Scope = "secrets.read"
	ScopeSecretsWrite    Scope = "secrets.write"
	ScopeUIPrompt        Scope = "ui.prompt"
	ScopeTerminalCreate  Scope = "terminal.create"
	ScopeTerminalWrite   Scope = "terminal.write"
)

var allScopes = []Scope{
	ScopeFilesystemRead,
	ScopeFilesystemWrite,
	ScopeNetwork,
	ScopeSecretsRead,
	ScopeSecretsWrite,
	ScopeUIPrompt,
	ScopeTerminalCreate,
	ScopeTerminalWrite,
}

const maxScopeLength = 128

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// AllScopes returns every known scope.
func AllScopes() []Scope {
	return append([]Scope(nil), allScopes...)
}

// Known reports whether s is one of the built-in scopes.
func (s Scope) Known() bool {
	return slices.Contains(allScopes, s)
}

// Valid reports whether s is a well-formed scope name: dot-separated
// segments of letters, digits, '_' and '-'.
func (s Scope) Valid() bool {
	return len(s) <= maxScopeLength && scopePattern.MatchString(string(s))
}

// ParseScope validates the syntax of a scope name. Names outside the
// built-in set are accepted.
func ParseScope(name string) (Scope, error) {
	s := Scope(name)
	if !s.Valid() {
		return "", &extension.ValidationError{Field: "scope", Message: fmt.Sprintf("malformed permission scope %q", name)}
	}
	return s, nil
}

// Choice is the answer recorded for a permission prompt.
type Choice string

const (
	ChoiceAllow    Choice = "allow"
	ChoiceDeny     Choice = "deny"
	ChoiceAskLater Choice = "ask-later"
)

// ParseChoice validates a decision name.
func ParseChoice(name string) (Choice, error) {
	switch c := Choice(name); c {
	case ChoiceAllow, ChoiceDeny, ChoiceAskLater:
		return c, nil
	default:
		return "", &extension.ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q, want allow, deny or ask-later", name)}
	}
}

// Grant is a recorded decision for one (extension, scope) pair.
type Grant struct {
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	ExtensionID  string    `json:"extensionId" yaml:"extension_id"`
	Scope        Scope     `json:"scope" yaml:"scope"`
	Granted      bool      `json:"granted" yaml:"granted"`
	UserDecision bool      `json:"userDecision" yaml:"user_decision"`
}

// Reasons reported by Check when access is refused.
const (
	ReasonNotGranted = "Permission not granted"
	ReasonDenied     = "Permission explicitly denied"
)

// Result is the answer to a permission check. Denial is data, not an error.
type Result struct {
	Reason  string `json:"reason,omitempty"`
	Granted bool   `json:"granted"`
}
