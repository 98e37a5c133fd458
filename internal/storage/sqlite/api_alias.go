package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// CreateAPIAlias inserts a new remote (API-backed) alias.
func (s *Store) CreateAPIAlias(ctx context.Context, a *gateway.Alias) error {
	models, err := marshalJSON(a.Models)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_model_aliases
		 (id, name, api_format, base_url, api_key_ref, models, prefix, forward_all_with_prefix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.APIFormat, a.BaseURL, nullStrPtr(a.APIKeyRef), models,
		nullStrPtr(a.Prefix), boolToInt(a.ForwardAllWithPrefix),
	)
	return err
}

// GetAPIAlias retrieves an API alias by ID.
func (s *Store) GetAPIAlias(ctx context.Context, id string) (*gateway.Alias, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, api_format, base_url, api_key_ref, models, prefix, forward_all_with_prefix
		 FROM api_model_aliases WHERE id = ?`, id,
	)
	a, err := scanAPIAlias(row)
	if err != nil {
		return nil, notFoundErr("api_alias", id, err)
	}
	return a, nil
}

// ListAPIAliases returns all configured API aliases.
func (s *Store) ListAPIAliases(ctx context.Context) ([]*gateway.Alias, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, api_format, base_url, api_key_ref, models, prefix, forward_all_with_prefix
		 FROM api_model_aliases ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Alias
	for rows.Next() {
		a, err := scanAPIAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAPIAlias updates an existing API alias's config.
func (s *Store) UpdateAPIAlias(ctx context.Context, a *gateway.Alias) error {
	models, err := marshalJSON(a.Models)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_model_aliases SET name=?, api_format=?, base_url=?, api_key_ref=?,
		 models=?, prefix=?, forward_all_with_prefix=? WHERE id=?`,
		a.Name, a.APIFormat, a.BaseURL, nullStrPtr(a.APIKeyRef), models,
		nullStrPtr(a.Prefix), boolToInt(a.ForwardAllWithPrefix), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api_alias", a.ID)
}

// DeleteAPIAlias removes an API alias.
func (s *Store) DeleteAPIAlias(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_model_aliases WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api_alias", id)
}

func scanAPIAlias(row scanner) (*gateway.Alias, error) {
	var a gateway.Alias
	a.Kind = gateway.AliasKindAPI
	var apiKeyRef, modelsJSON, prefix sql.NullString
	var forwardAll int

	err := row.Scan(&a.ID, &a.Name, &a.APIFormat, &a.BaseURL, &apiKeyRef, &modelsJSON, &prefix, &forwardAll)
	if err != nil {
		return nil, err
	}

	a.APIKeyRef = strPtr(apiKeyRef)
	a.Prefix = strPtr(prefix)
	a.ForwardAllWithPrefix = forwardAll != 0

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	a.Models = models
	return &a, nil
}
