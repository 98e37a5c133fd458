package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// CreateAccessRequest inserts a new access request record.
func (s *Store) CreateAccessRequest(ctx context.Context, r *gateway.AccessRequestRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO access_requests
		 (id, app_client_id, user_id, status, requested_json, approved_json,
		  access_request_scope, resource_scope, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AppClientID, nullStrPtr(r.UserID), string(r.Status),
		nullRawJSON(r.RequestedJSON), nullRawJSON(r.ApprovedJSON),
		nullStrPtr(r.AccessRequestScope), nullStrPtr(r.ResourceScope),
		timeToStr(r.CreatedAt), timeToStr(r.UpdatedAt), timeToStr(r.ExpiresAt),
	)
	return err
}

// GetAccessRequest retrieves an access request by ID.
func (s *Store) GetAccessRequest(ctx context.Context, id string) (*gateway.AccessRequestRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, app_client_id, user_id, status, requested_json, approved_json,
		 access_request_scope, resource_scope, created_at, updated_at, expires_at
		 FROM access_requests WHERE id = ?`, id,
	)
	r, err := scanAccessRequest(row)
	if err != nil {
		return nil, notFoundErr("access_request", id, err)
	}
	return r, nil
}

// GetAccessRequestByScope retrieves an access request by its
// access_request_scope value (the "scope_access_request:*" token carried
// in an exchanged JWT's scope claim).
func (s *Store) GetAccessRequestByScope(ctx context.Context, scope string) (*gateway.AccessRequestRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, app_client_id, user_id, status, requested_json, approved_json,
		 access_request_scope, resource_scope, created_at, updated_at, expires_at
		 FROM access_requests WHERE access_request_scope = ?`, scope,
	)
	r, err := scanAccessRequest(row)
	if err != nil {
		return nil, notFoundErr("access_request", scope, err)
	}
	return r, nil
}

// ListAccessRequests returns access requests for an app client.
func (s *Store) ListAccessRequests(ctx context.Context, appClientID string, offset, limit int) ([]*gateway.AccessRequestRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, app_client_id, user_id, status, requested_json, approved_json,
		 access_request_scope, resource_scope, created_at, updated_at, expires_at
		 FROM access_requests WHERE app_client_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		appClientID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.AccessRequestRecord
	for rows.Next() {
		r, err := scanAccessRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAccessRequest updates the mutable fields of an access request:
// status, the approved payload, and the resolved scopes. Approval is the
// only transition that sets user_id and approved_json together.
func (s *Store) UpdateAccessRequest(ctx context.Context, r *gateway.AccessRequestRecord) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE access_requests SET user_id=?, status=?, approved_json=?,
		 access_request_scope=?, resource_scope=?, updated_at=? WHERE id=?`,
		nullStrPtr(r.UserID), string(r.Status), nullRawJSON(r.ApprovedJSON),
		nullStrPtr(r.AccessRequestScope), nullStrPtr(r.ResourceScope),
		timeToStr(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "access_request", r.ID)
}

// DeleteAccessRequest removes an access request.
func (s *Store) DeleteAccessRequest(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM access_requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "access_request", id)
}

func scanAccessRequest(row scanner) (*gateway.AccessRequestRecord, error) {
	var r gateway.AccessRequestRecord
	var userID sql.NullString
	var status string
	var requestedJSON, approvedJSON sql.NullString
	var reqScope, resScope sql.NullString
	var createdAt, updatedAt, expiresAt string

	err := row.Scan(
		&r.ID, &r.AppClientID, &userID, &status, &requestedJSON, &approvedJSON,
		&reqScope, &resScope, &createdAt, &updatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	r.UserID = strPtr(userID)
	r.Status = gateway.AccessRequestStatus(status)
	r.RequestedJSON = rawJSON(requestedJSON)
	r.ApprovedJSON = rawJSON(approvedJSON)
	r.AccessRequestScope = strPtr(reqScope)
	r.ResourceScope = strPtr(resScope)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ExpiresAt = parseTime(expiresAt)
	return &r, nil
}
