package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-exthost/permission"
	"github.com/reglet-dev/reglet-exthost/permission/sqlstore"
)

func TestStore_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	g, err := store.Get(ctx, "acme.sample", permission.ScopeNetwork)
	require.NoError(t, err)
	assert.Nil(t, g)

	require.NoError(t, store.Put(ctx, permission.Grant{ExtensionID: "acme.sample", Scope: permission.ScopeNetwork, Granted: true, Timestamp: ts}))
	require.NoError(t, store.Put(ctx, permission.Grant{ExtensionID: "acme.sample", Scope: permission.ScopeNetwork, Granted: false, UserDecision: true, Timestamp: ts}))
	require.NoError(t, store.Put(ctx, permission.Grant{ExtensionID: "acme.other", Scope: permission.ScopeUIPrompt, Granted: true, Timestamp: ts}))

	g, err = store.Get(ctx, "acme.sample", permission.ScopeNetwork)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
	assert.True(t, g.UserDecision)
	assert.Equal(t, ts, g.Timestamp)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme.other", all[0].ExtensionID)

	n, err := store.DeleteExtension(ctx, "acme.sample")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mine, err := store.List(ctx, "acme.sample")
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.Equal(t, ":memory:", store.Location())
}

func TestStore_SharedFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "permissions.db")

	a, err := sqlstore.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := sqlstore.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	svcA := permission.NewService(a)
	svcB := permission.NewService(b)

	require.NoError(t, svcA.RecordDecision(ctx, "acme.sample", permission.ScopeFilesystemRead, permission.ChoiceDeny))

	res, err := svcB.Check(ctx, "acme.sample", permission.ScopeFilesystemRead)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, permission.ReasonDenied, res.Reason)
}

func TestStore_MigrationFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS permission_grants")).
		WillReturnError(errors.New("disk I/O error"))

	_, err = sqlstore.New(context.Background(), db, "mock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to migrate permission database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryFailures(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := sqlstore.New(context.Background(), db, "mock")
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT extension_id, scope")).
		WithArgs("acme.sample", "network").
		WillReturnError(errors.New("database is locked"))
	_, err = store.Get(ctx, "acme.sample", permission.ScopeNetwork)
	require.ErrorContains(t, err, "failed to query grant")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO permission_grants")).
		WithArgs("acme.sample", "network", true, true, sqlmock.AnyArg()).
		WillReturnError(errors.New("readonly database"))
	err = store.Put(ctx, permission.Grant{ExtensionID: "acme.sample", Scope: permission.ScopeNetwork, Granted: true, UserDecision: true})
	require.ErrorContains(t, err, "failed to store grant")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM permission_grants")).
		WithArgs("acme.sample").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.DeleteExtension(ctx, "acme.sample")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT extension_id, scope")).
		WillReturnRows(sqlmock.NewRows([]string{"extension_id", "scope", "granted", "user_decision", "timestamp"}).
			AddRow("acme.sample", "network", true, false, "not-a-time"))
	_, err = store.List(ctx, "")
	require.ErrorContains(t, err, "invalid grant timestamp")

	assert.NoError(t, mock.ExpectationsWereMet())
}
