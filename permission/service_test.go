package permission_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-exthost/extension"
	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/permission/grantstore"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newService(t *testing.T) (*permission.Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	svc := permission.NewService(
		grantstore.NewFileStore(grantstore.WithPath(path)),
		permission.WithLogger(slog.New(slog.DiscardHandler)),
		permission.WithClock(func() time.Time { return fixedNow }),
	)
	return svc, path
}

func TestService_UndecidedIsNotGranted(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	scopes := permission.AllScopes()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("no record means not granted", prop.ForAll(
		func(ext string, i int) bool {
			res, err := svc.Check(ctx, ext, scopes[i])
			return err == nil && !res.Granted && res.Reason == permission.ReasonNotGranted
		},
		gen.Identifier(),
		gen.IntRange(0, len(scopes)-1),
	))

	properties.TestingRun(t)
}

func TestService_Decisions(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordDecision(ctx, "acme.sample", permission.ScopeNetwork, permission.ChoiceAllow))
	res, err := svc.Check(ctx, "acme.sample", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.Equal(t, permission.Result{Granted: true}, res)

	require.NoError(t, svc.RecordDecision(ctx, "acme.sample", permission.ScopeNetwork, permission.ChoiceDeny))
	res, err = svc.Check(ctx, "acme.sample", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, permission.ReasonDenied, res.Reason)

	g, err := svc.Request(ctx, "acme.sample", permission.ScopeNetwork, "sync")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.UserDecision)
	assert.Equal(t, fixedNow, g.Timestamp.UTC())
}

func TestService_AskLaterRecordsNothing(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordDecision(ctx, "acme.sample", permission.ScopeUIPrompt, permission.ChoiceAskLater))

	g, err := svc.Request(ctx, "acme.sample", permission.ScopeUIPrompt, "")
	require.NoError(t, err)
	assert.Nil(t, g)

	all, err := svc.All(ctx, "acme.sample")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestService_DenyThenAutoGrantStaysDenied(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordDecision(ctx, "acme.sample", permission.ScopeSecretsRead, permission.ChoiceDeny))

	granted, err := svc.AutoGrant(ctx, "acme.sample", []permission.Scope{
		permission.ScopeSecretsRead,
		permission.ScopeNetwork,
		"bogus scope!",
	})
	require.NoError(t, err)
	assert.Equal(t, []permission.Scope{permission.ScopeNetwork}, granted)

	res, err := svc.Check(ctx, "acme.sample", permission.ScopeSecretsRead)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, permission.ReasonDenied, res.Reason)

	g, err := svc.Request(ctx, "acme.sample", permission.ScopeNetwork, "")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.Granted)
	assert.False(t, g.UserDecision)

	// A second pass grants nothing new.
	granted, err = svc.AutoGrant(ctx, "acme.sample", []permission.Scope{permission.ScopeNetwork})
	require.NoError(t, err)
	assert.Empty(t, granted)
}

func TestService_RevokeAllIsolation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordDecision(ctx, "acme.a", permission.ScopeNetwork, permission.ChoiceAllow))
	require.NoError(t, svc.RecordDecision(ctx, "acme.a", permission.ScopeUIPrompt, permission.ChoiceDeny))
	require.NoError(t, svc.RecordDecision(ctx, "acme.b", permission.ScopeNetwork, permission.ChoiceAllow))

	require.NoError(t, svc.RevokeAll(ctx, "acme.a"))

	res, err := svc.Check(ctx, "acme.a", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.Equal(t, permission.ReasonNotGranted, res.Reason)

	res, err = svc.Check(ctx, "acme.b", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	all, err := svc.All(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "acme.b", all[0].ExtensionID)
}

func TestService_GrantedFiltersDenials(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordDecision(ctx, "acme.a", permission.ScopeNetwork, permission.ChoiceAllow))
	require.NoError(t, svc.RecordDecision(ctx, "acme.a", permission.ScopeTerminalCreate, permission.ChoiceDeny))

	granted, err := svc.Granted(ctx, "acme.a")
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, permission.ScopeNetwork, granted[0].Scope)

	all, err := svc.All(ctx, "acme.a")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_SharedLocation(t *testing.T) {
	t.Parallel()

	svc, path := newService(t)
	ctx := context.Background()
	other := permission.NewService(grantstore.NewFileStore(grantstore.WithPath(path)))

	require.NoError(t, svc.RecordDecision(ctx, "acme.a", permission.ScopeNetwork, permission.ChoiceAllow))

	res, err := other.Check(ctx, "acme.a", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, path, other.Location())
}

func TestService_ScopesOutsideBuiltinSet(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	const clipboard permission.Scope = "clipboard.read"

	res, err := svc.Check(ctx, "pub.ext", clipboard)
	require.NoError(t, err)
	assert.Equal(t, permission.Result{Granted: false, Reason: permission.ReasonNotGranted}, res)

	g, err := svc.Request(ctx, "pub.ext", clipboard, "copy results")
	require.NoError(t, err)
	assert.Nil(t, g)

	require.NoError(t, svc.RecordDecision(ctx, "pub.ext", clipboard, permission.ChoiceAllow))
	res, err = svc.Check(ctx, "pub.ext", clipboard)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	granted, err := svc.AutoGrant(ctx, "pub.other", []permission.Scope{clipboard})
	require.NoError(t, err)
	assert.Equal(t, []permission.Scope{clipboard}, granted)
}

func TestService_RejectsMalformedInput(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	err := svc.RecordDecision(ctx, "acme.a", "root shell", permission.ChoiceAllow)
	require.ErrorIs(t, err, extension.ErrValidation)

	err = svc.RecordDecision(ctx, "acme.a", permission.ScopeNetwork, "maybe")
	require.ErrorIs(t, err, extension.ErrValidation)

	var verr *extension.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "decision", verr.Field)
}

func TestAnalyzeRisk(t *testing.T) {
	t.Parallel()

	report := permission.AnalyzeRisk([]permission.Scope{permission.ScopeUIPrompt, permission.ScopeFilesystemWrite, "unknown"})
	assert.Equal(t, permission.RiskHigh, report.Level)
	assert.Len(t, report.RiskFactors, 2)
	assert.Equal(t, "high", report.Level.String())

	assert.Equal(t, permission.RiskNone, permission.AnalyzeRisk(nil).Level)
	assert.True(t, permission.IsBroad(permission.ScopeTerminalWrite))
	assert.False(t, permission.IsBroad(permission.ScopeNetwork))
	assert.Equal(t, "Outbound network access", permission.Describe(permission.ScopeNetwork))
	assert.Equal(t, "custom", permission.Describe("custom"))
}

func TestParseScope(t *testing.T) {
	t.Parallel()

	for _, s := range permission.AllScopes() {
		got, err := permission.ParseScope(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.True(t, got.Known())
	}

	got, err := permission.ParseScope("network.raw")
	require.NoError(t, err)
	assert.False(t, got.Known())

	for _, name := range []string{"", "root shell", "network.", ".network", "a..b", strings.Repeat("x", 129)} {
		_, err := permission.ParseScope(name)
		assert.ErrorIs(t, err, extension.ErrValidation, name)
	}
}
