package gatekeeper

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/reglet-dev/reglet-exthost/permission"
)

// TerminalPrompter asks for permission decisions on the controlling terminal.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer
}

// NewTerminalPrompter creates a prompter on stdin/stderr. Stdout is left
// alone because it may carry the transport.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin, out: os.Stderr}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := p.in.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptForScope asks the user to decide on one scope.
func (p *TerminalPrompter) PromptForScope(req permission.Request) (permission.Choice, error) {
	if req.IsBroad {
		fmt.Fprintf(p.out, "\n")
		fmt.Fprintf(p.out, "\033[1;33mSecurity Warning: Broad Permission Requested\033[0m\n\n")
		fmt.Fprintf(p.out, "  %s (%s risk)\n", req.Description, req.Risk)
		fmt.Fprintf(p.out, "  Recommendation: Review if this broad access is necessary.\n")
		fmt.Fprintf(p.out, "\n")
	}

	desc := fmt.Sprintf("%s requests %s: %s", req.ExtensionID, req.Scope, req.Description)
	if req.Justification != "" {
		desc += "\nReason: " + req.Justification
	}

	var selection permission.Choice
	err := huh.NewSelect[permission.Choice]().
		Title("Extension Requesting Permission").
		Description(desc).
		Options(
			huh.NewOption("Allow (remember)", permission.ChoiceAllow),
			huh.NewOption("Deny (remember)", permission.ChoiceDeny),
			huh.NewOption("Ask me later", permission.ChoiceAskLater),
		).
		Value(&selection).
		Run()
	if err != nil {
		return "", err
	}
	return selection, nil
}

// FormatNonInteractiveError creates a helpful error message for non-interactive mode.
func (p *TerminalPrompter) FormatNonInteractiveError(extensionID string, missing []permission.Scope) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "Extension %s requires additional permissions (running in non-interactive mode)\n\n", extensionID)
	msg.WriteString("Required permissions:\n")
	for _, s := range missing {
		fmt.Fprintf(&msg, "  - %s: %s\n", s, permission.Describe(s))
	}
	msg.WriteString("\nTo grant these permissions:\n")
	msg.WriteString("  1. Run `exthost permissions review` interactively\n")
	fmt.Fprintf(&msg, "  2. Run `exthost permissions grant %s <scope>`\n", extensionID)
	msg.WriteString("  3. Use --security-level permissive\n")

	return fmt.Errorf("%s", msg.String())
}
