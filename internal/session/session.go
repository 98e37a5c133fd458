// Package session persists browser-login sessions to
// $BODHI_HOME/session.db: a single tower_sessions-shaped table holding the
// access/refresh token pair the token service's refresh coordinator reads
// and rewrites. It is deliberately its own SQLite file, separate from
// app.db, matching the two-database persisted-state layout.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);`

// Store implements token.SessionStore over a dedicated SQLite file. Unlike
// app.db's multi-table schema (goose-migrated), this is a single ad hoc
// table created inline at Open, matching how a tower_sessions-style session
// backend ensures its own table exists rather than carrying a full
// migration chain for one table.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the session database at dsn.
func New(dsn string) (*Store, error) {
	fullDSN := "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create stores a new session under the caller-supplied id for userID with
// its initial token pair.
func (s *Store) Create(ctx context.Context, id, userID, accessToken, refreshToken string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, access_token, refresh_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, accessToken, refreshToken, now, now,
	)
	return err
}

// GetAccessToken implements token.SessionStore.
func (s *Store) GetAccessToken(ctx context.Context, sessionID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT access_token FROM sessions WHERE id = ?`, sessionID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, bgerrors.DBError(err)
	}
	return token, true, nil
}

// GetRefreshToken implements token.SessionStore.
func (s *Store) GetRefreshToken(ctx context.Context, sessionID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT refresh_token FROM sessions WHERE id = ?`, sessionID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, bgerrors.DBError(err)
	}
	return token, true, nil
}

// SetTokens implements token.SessionStore: rewrites the stored pair after a
// refresh-coordinator-driven token rotation.
func (s *Store) SetTokens(ctx context.Context, sessionID, accessToken, refreshToken string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET access_token = ?, refresh_token = ?, updated_at = ? WHERE id = ?`,
		accessToken, refreshToken, now, sessionID,
	)
	if err != nil {
		return bgerrors.DBError(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return bgerrors.EntityNotFound("session", sessionID)
	}
	return nil
}

// UserID returns the user id a session belongs to, read from the stored
// row rather than by decoding the access token.
func (s *Store) UserID(ctx context.Context, sessionID string) (string, bool, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, bgerrors.DBError(err)
	}
	return userID, true, nil
}

// Delete removes a session, used by logout.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}
