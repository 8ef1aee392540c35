// Package sqlstore persists permission grants in a SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reglet-dev/reglet-exthost/permission"
)

const schema = `
CREATE TABLE IF NOT EXISTS permission_grants (
	extension_id  TEXT NOT NULL,
	scope         TEXT NOT NULL,
	granted       INTEGER NOT NULL,
	user_decision INTEGER NOT NULL,
	timestamp     TEXT NOT NULL,
	PRIMARY KEY (extension_id, scope)
);`

const (
	selectOne = `SELECT extension_id, scope, granted, user_decision, timestamp FROM permission_grants WHERE extension_id = ? AND scope = ?`
	selectAll = `SELECT extension_id, scope, granted, user_decision, timestamp FROM permission_grants ORDER BY extension_id, scope`
	selectExt = `SELECT extension_id, scope, granted, user_decision, timestamp FROM permission_grants WHERE extension_id = ? ORDER BY scope`
	upsert    = `INSERT INTO permission_grants (extension_id, scope, granted, user_decision, timestamp) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (extension_id, scope) DO UPDATE SET granted = excluded.granted, user_decision = excluded.user_decision, timestamp = excluded.timestamp`
	deleteExt = `DELETE FROM permission_grants WHERE extension_id = ?`
)

// Store keeps grants in a permission_grants table.
type Store struct {
	db       *sql.DB
	location string
}

var _ permission.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open permission database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db, path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates the schema.
func New(ctx context.Context, db *sql.DB, location string) (*Store, error) {
	s := &Store{db: db, location: location}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate permission database: %w", err)
	}
	return s, nil
}

// Location returns the database location.
func (s *Store) Location() string {
	return s.location
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the grant for (extensionID, scope), or nil when undecided.
func (s *Store) Get(ctx context.Context, extensionID string, scope permission.Scope) (*permission.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, selectOne, extensionID, string(scope)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query grant: %w", err)
	}
	return g, nil
}

// Put creates or replaces a grant.
func (s *Store) Put(ctx context.Context, g permission.Grant) error {
	_, err := s.db.ExecContext(ctx, upsert,
		g.ExtensionID, string(g.Scope), g.Granted, g.UserDecision, g.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// DeleteExtension removes every grant of extensionID.
func (s *Store) DeleteExtension(ctx context.Context, extensionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, deleteExt, extensionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted grants: %w", err)
	}
	return int(n), nil
}

// List returns the grants of extensionID, or all grants when it is empty.
func (s *Store) List(ctx context.Context, extensionID string) ([]permission.Grant, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if extensionID == "" {
		rows, err = s.db.QueryContext(ctx, selectAll)
	} else {
		rows, err = s.db.QueryContext(ctx, selectExt, extensionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := []permission.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(row scanner) (*permission.Grant, error) {
	var (
		g     permission.Grant
		scope string
		ts    string
	)
	if err := row.Scan(&g.ExtensionID, &scope, &g.Granted, &g.UserDecision, &ts); err != nil {
		return nil, err
	}
	g.Scope = permission.Scope(scope)
	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid grant timestamp %q: %w", ts, err)
		}
		g.Timestamp = parsed
	}
	return &g, nil
}
