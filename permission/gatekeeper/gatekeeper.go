// Package gatekeeper walks an extension's requested scopes, prompts for the
// undecided ones and records the answers through the permission service.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/reglet-exthost/permission"
)

// SecurityLevel controls the gatekeeper's prompting behavior.
type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "strict"
	SecurityStandard   SecurityLevel = "standard"
	SecurityPermissive SecurityLevel = "permissive"
)

// ParseSecurityLevel validates a level name. Empty means standard.
func ParseSecurityLevel(name string) (SecurityLevel, error) {
	switch l := SecurityLevel(name); l {
	case "":
		return SecurityStandard, nil
	case SecurityStrict, SecurityStandard, SecurityPermissive:
		return l, nil
	default:
		return "", fmt.Errorf("unknown security level %q, want strict, standard or permissive", name)
	}
}

// Outcome is the state of one scope after a review.
type Outcome struct {
	Scope   permission.Scope
	Choice  permission.Choice
	Granted bool
	// Prompted is false when the answer came from storage or policy.
	Prompted bool
}

// Gatekeeper prompts for undecided scopes according to a security level.
type Gatekeeper struct {
	service       *permission.Service
	prompter      permission.Prompter
	logger        *slog.Logger
	securityLevel SecurityLevel
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithPrompter sets the prompter.
func WithPrompter(p permission.Prompter) Option {
	return func(g *Gatekeeper) { g.prompter = p }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatekeeper creates a gatekeeper over service.
func NewGatekeeper(service *permission.Service, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		service:       service,
		logger:        slog.Default(),
		securityLevel: SecurityStandard,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	return g
}

// Review resolves every scope in scopes for extensionID. Scopes with a
// stored decision are reported as-is. Undecided scopes are settled by the
// security level or by prompting, and allow/deny answers are persisted.
func (g *Gatekeeper) Review(ctx context.Context, extensionID string, scopes []permission.Scope, justification string) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(scopes))
	var undecided []permission.Scope

	for _, scope := range scopes {
		existing, err := g.service.Request(ctx, extensionID, scope, justification)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			choice := permission.ChoiceDeny
			if existing.Granted {
				choice = permission.ChoiceAllow
			}
			outcomes = append(outcomes, Outcome{Scope: scope, Choice: choice, Granted: existing.Granted})
			continue
		}
		undecided = append(undecided, scope)
	}

	if len(undecided) == 0 {
		return outcomes, nil
	}

	if g.securityLevel != SecurityPermissive && !g.prompter.IsInteractive() && g.needsPrompt(undecided) {
		return nil, g.prompter.FormatNonInteractiveError(extensionID, undecided)
	}

	for _, scope := range undecided {
		out, err := g.decide(extensionID, scope, justification)
		if err != nil {
			return nil, err
		}
		if err := g.service.RecordDecision(ctx, extensionID, scope, out.Choice); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// needsPrompt reports whether any scope would reach the prompter.
func (g *Gatekeeper) needsPrompt(scopes []permission.Scope) bool {
	for _, s := range scopes {
		if !(g.securityLevel == SecurityStrict && permission.IsBroad(s)) {
			return true
		}
	}
	return false
}

// decide applies the security level and prompts if needed.
func (g *Gatekeeper) decide(extensionID string, scope permission.Scope, justification string) (Outcome, error) {
	report := permission.AnalyzeRisk([]permission.Scope{scope})
	req := permission.Request{
		ExtensionID:   extensionID,
		Scope:         scope,
		Justification: justification,
		Description:   permission.Describe(scope),
		Risk:          report.Level,
		IsBroad:       permission.IsBroad(scope),
	}

	if req.IsBroad {
		switch g.securityLevel {
		case SecurityStrict:
			g.logger.Error("broad permission denied by security policy",
				"level", SecurityStrict,
				"extension", extensionID,
				"scope", scope,
				"risk", report.Level)
			return Outcome{Scope: scope, Choice: permission.ChoiceDeny}, nil
		case SecurityPermissive:
			g.logger.Warn("auto-granting broad permission (permissive mode)",
				"extension", extensionID,
				"scope", scope)
			return Outcome{Scope: scope, Choice: permission.ChoiceAllow, Granted: true}, nil
		}
	}

	if g.securityLevel == SecurityPermissive {
		return Outcome{Scope: scope, Choice: permission.ChoiceAllow, Granted: true}, nil
	}

	choice, err := g.prompter.PromptForScope(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to prompt for %s: %w", scope, err)
	}
	return Outcome{Scope: scope, Choice: choice, Granted: choice == permission.ChoiceAllow, Prompted: true}, nil
}
