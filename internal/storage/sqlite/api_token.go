package sqlite

import (
	"context"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// CreateToken inserts a new first-party API token record. Only the
// SHA-256 hash and lookup prefix are persisted; the plaintext value
// never reaches this layer.
func (s *Store) CreateToken(ctx context.Context, t *gateway.ApiToken) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_tokens
		 (id, user_id, name, token_prefix, token_hash, scopes, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.TokenPrefix, t.TokenHash, int(t.Scopes), string(t.Status),
		timeToStr(t.CreatedAt), timeToStr(t.UpdatedAt),
	)
	return err
}

// GetTokenByPrefix retrieves a token by its lookup prefix, the first
// gateway.APITokenPrefixLen characters of the plaintext token. The prefix
// is not secret; the hash comparison that follows in the token service is
// what actually authenticates the caller.
func (s *Store) GetTokenByPrefix(ctx context.Context, prefix string) (*gateway.ApiToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, name, token_prefix, token_hash, scopes, status, created_at, updated_at
		 FROM api_tokens WHERE token_prefix = ?`, prefix,
	)
	t, err := scanToken(row)
	if err != nil {
		return nil, notFoundErr("api_token", prefix, err)
	}
	return t, nil
}

// ListTokens returns tokens owned by a user.
func (s *Store) ListTokens(ctx context.Context, userID string, offset, limit int) ([]*gateway.ApiToken, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, name, token_prefix, token_hash, scopes, status, created_at, updated_at
		 FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ApiToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateToken updates a token's name and status (active/inactive).
// Scope and hash are immutable after issuance.
func (s *Store) UpdateToken(ctx context.Context, t *gateway.ApiToken) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_tokens SET name=?, status=?, updated_at=? WHERE id=?`,
		t.Name, string(t.Status), timeToStr(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api_token", t.ID)
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api_token", id)
}

func scanToken(row scanner) (*gateway.ApiToken, error) {
	var t gateway.ApiToken
	var scopes int
	var status string
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenPrefix, &t.TokenHash,
		&scopes, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Scopes = gateway.TokenScope(scopes)
	t.Status = gateway.TokenStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
