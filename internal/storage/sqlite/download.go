package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// CreateDownload queues a new model-download request.
func (s *Store) CreateDownload(ctx context.Context, d *gateway.DownloadRequest) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO downloads (id, repo, filename, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Repo, d.Filename, string(d.Status), nullStr(d.Error),
		timeToStr(d.CreatedAt), timeToStr(d.UpdatedAt),
	)
	return err
}

// GetDownload retrieves a download request by ID.
func (s *Store) GetDownload(ctx context.Context, id string) (*gateway.DownloadRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, repo, filename, status, error, created_at, updated_at
		 FROM downloads WHERE id = ?`, id,
	)
	d, err := scanDownload(row)
	if err != nil {
		return nil, notFoundErr("download", id, err)
	}
	return d, nil
}

// ListDownloads returns downloads filtered by status; pass "" to list all.
func (s *Store) ListDownloads(ctx context.Context, status gateway.DownloadStatus, offset, limit int) ([]*gateway.DownloadRequest, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, repo, filename, status, error, created_at, updated_at
			 FROM downloads ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, repo, filename, status, error, created_at, updated_at
			 FROM downloads WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			string(status), limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.DownloadRequest
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDownload updates a download's status and error message.
func (s *Store) UpdateDownload(ctx context.Context, d *gateway.DownloadRequest) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE downloads SET status=?, error=?, updated_at=? WHERE id=?`,
		string(d.Status), nullStr(d.Error), timeToStr(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "download", d.ID)
}

func scanDownload(row scanner) (*gateway.DownloadRequest, error) {
	var d gateway.DownloadRequest
	var status string
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&d.ID, &d.Repo, &d.Filename, &status, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = gateway.DownloadStatus(status)
	d.Error = errMsg.String
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}
