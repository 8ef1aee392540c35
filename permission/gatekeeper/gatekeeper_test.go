package gatekeeper_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/permission/gatekeeper"
	"github.com/reglet-dev/reglet-exthost/permission/grantstore"
)

type fakePrompter struct {
	answers     map[permission.Scope]permission.Choice
	interactive bool
	asked       []permission.Request
	err         error
}

func (f *fakePrompter) IsInteractive() bool { return f.interactive }

func (f *fakePrompter) PromptForScope(req permission.Request) (permission.Choice, error) {
	f.asked = append(f.asked, req)
	if f.err != nil {
		return "", f.err
	}
	return f.answers[req.Scope], nil
}

func (f *fakePrompter) FormatNonInteractiveError(extensionID string, missing []permission.Scope) error {
	return (&gatekeeper.TerminalPrompter{}).FormatNonInteractiveError(extensionID, missing)
}

func newService(t *testing.T) *permission.Service {
	t.Helper()
	store := grantstore.NewFileStore(grantstore.WithPath(filepath.Join(t.TempDir(), "permissions.yaml")))
	return permission.NewService(store, permission.WithLogger(slog.New(slog.DiscardHandler)))
}

func TestReview_PromptsOnlyUndecided(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService(t)
	require.NoError(t, svc.RecordDecision(ctx, "acme.sample", permission.ScopeNetwork, permission.ChoiceDeny))

	p := &fakePrompter{
		interactive: true,
		answers: map[permission.Scope]permission.Choice{
			permission.ScopeFilesystemRead: permission.ChoiceAllow,
			permission.ScopeUIPrompt:       permission.ChoiceAskLater,
		},
	}
	gk := gatekeeper.NewGatekeeper(svc, gatekeeper.WithPrompter(p), gatekeeper.WithLogger(slog.New(slog.DiscardHandler)))

	outcomes, err := gk.Review(ctx, "acme.sample", []permission.Scope{
		permission.ScopeNetwork,
		permission.ScopeFilesystemRead,
		permission.ScopeUIPrompt,
	}, "sync files")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, gatekeeper.Outcome{Scope: permission.ScopeNetwork, Choice: permission.ChoiceDeny}, outcomes[0])
	assert.True(t, outcomes[1].Granted)
	assert.True(t, outcomes[1].Prompted)
	assert.Equal(t, permission.ChoiceAskLater, outcomes[2].Choice)

	require.Len(t, p.asked, 2)
	assert.Equal(t, "sync files", p.asked[0].Justification)
	assert.Equal(t, permission.RiskMedium, p.asked[0].Risk)

	res, err := svc.Check(ctx, "acme.sample", permission.ScopeFilesystemRead)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// ask-later leaves the scope undecided.
	res, err = svc.Check(ctx, "acme.sample", permission.ScopeUIPrompt)
	require.NoError(t, err)
	assert.Equal(t, permission.ReasonNotGranted, res.Reason)
}

func TestReview_SecurityLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		level       gatekeeper.SecurityLevel
		wantGranted map[permission.Scope]bool
		wantAsked   int
	}{
		{
			name:  "strict denies broad without asking",
			level: gatekeeper.SecurityStrict,
			wantGranted: map[permission.Scope]bool{
				permission.ScopeTerminalCreate: false,
				permission.ScopeNetwork:        true,
			},
			wantAsked: 1,
		},
		{
			name:  "standard asks for everything",
			level: gatekeeper.SecurityStandard,
			wantGranted: map[permission.Scope]bool{
				permission.ScopeTerminalCreate: true,
				permission.ScopeNetwork:        true,
			},
			wantAsked: 2,
		},
		{
			name:  "permissive grants without asking",
			level: gatekeeper.SecurityPermissive,
			wantGranted: map[permission.Scope]bool{
				permission.ScopeTerminalCreate: true,
				permission.ScopeNetwork:        true,
			},
			wantAsked: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			svc := newService(t)
			p := &fakePrompter{
				interactive: true,
				answers: map[permission.Scope]permission.Choice{
					permission.ScopeTerminalCreate: permission.ChoiceAllow,
					permission.ScopeNetwork:        permission.ChoiceAllow,
				},
			}
			gk := gatekeeper.NewGatekeeper(svc,
				gatekeeper.WithPrompter(p),
				gatekeeper.WithSecurityLevel(tt.level),
				gatekeeper.WithLogger(slog.New(slog.DiscardHandler)))

			outcomes, err := gk.Review(ctx, "acme.sample",
				[]permission.Scope{permission.ScopeTerminalCreate, permission.ScopeNetwork}, "")
			require.NoError(t, err)
			assert.Len(t, p.asked, tt.wantAsked)
			for _, o := range outcomes {
				assert.Equal(t, tt.wantGranted[o.Scope], o.Granted, o.Scope)
				res, err := svc.Check(ctx, "acme.sample", o.Scope)
				require.NoError(t, err)
				assert.Equal(t, tt.wantGranted[o.Scope], res.Granted, o.Scope)
			}
		})
	}
}

func TestReview_NonInteractive(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	gk := gatekeeper.NewGatekeeper(svc, gatekeeper.WithPrompter(&fakePrompter{}))

	_, err := gk.Review(context.Background(), "acme.sample", []permission.Scope{permission.ScopeSecretsRead}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-interactive")
	assert.Contains(t, err.Error(), "secrets.read")

	all, err := svc.All(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReview_PromptError(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	gk := gatekeeper.NewGatekeeper(svc, gatekeeper.WithPrompter(&fakePrompter{interactive: true, err: errors.New("user aborted")}))

	_, err := gk.Review(context.Background(), "acme.sample", []permission.Scope{permission.ScopeNetwork}, "")
	require.ErrorContains(t, err, "user aborted")
}

func TestParseSecurityLevel(t *testing.T) {
	t.Parallel()

	l, err := gatekeeper.ParseSecurityLevel("")
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.SecurityStandard, l)

	l, err = gatekeeper.ParseSecurityLevel("strict")
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.SecurityStrict, l)

	_, err = gatekeeper.ParseSecurityLevel("paranoid")
	require.Error(t, err)
}
