// Package storage defines persistence interfaces for the gateway's
// first-party entities: access requests, API tokens, queued downloads,
// and user-defined API-backed aliases.
package storage

import (
	"context"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// AccessRequestStore manages access-request persistence.
type AccessRequestStore interface {
	CreateAccessRequest(ctx context.Context, r *gateway.AccessRequestRecord) error
	GetAccessRequest(ctx context.Context, id string) (*gateway.AccessRequestRecord, error)
	GetAccessRequestByScope(ctx context.Context, scope string) (*gateway.AccessRequestRecord, error)
	ListAccessRequests(ctx context.Context, appClientID string, offset, limit int) ([]*gateway.AccessRequestRecord, error)
	UpdateAccessRequest(ctx context.Context, r *gateway.AccessRequestRecord) error
	DeleteAccessRequest(ctx context.Context, id string) error
}

// APITokenStore manages first-party API token persistence.
type APITokenStore interface {
	CreateToken(ctx context.Context, t *gateway.ApiToken) error
	GetTokenByPrefix(ctx context.Context, prefix string) (*gateway.ApiToken, error)
	ListTokens(ctx context.Context, userID string, offset, limit int) ([]*gateway.ApiToken, error)
	UpdateToken(ctx context.Context, t *gateway.ApiToken) error
	DeleteToken(ctx context.Context, id string) error
}

// DownloadStore manages queued model-download persistence.
type DownloadStore interface {
	CreateDownload(ctx context.Context, d *gateway.DownloadRequest) error
	GetDownload(ctx context.Context, id string) (*gateway.DownloadRequest, error)
	ListDownloads(ctx context.Context, status gateway.DownloadStatus, offset, limit int) ([]*gateway.DownloadRequest, error)
	UpdateDownload(ctx context.Context, d *gateway.DownloadRequest) error
}

// APIModelAliasStore manages persistence of remote (API-backed) aliases.
type APIModelAliasStore interface {
	CreateAPIAlias(ctx context.Context, a *gateway.Alias) error
	GetAPIAlias(ctx context.Context, id string) (*gateway.Alias, error)
	ListAPIAliases(ctx context.Context) ([]*gateway.Alias, error)
	UpdateAPIAlias(ctx context.Context, a *gateway.Alias) error
	DeleteAPIAlias(ctx context.Context, id string) error
}

// Store combines all storage interfaces backing the gateway's SQLite
// database ($BODHI_HOME/app.db).
type Store interface {
	AccessRequestStore
	APITokenStore
	DownloadStore
	APIModelAliasStore
	Close() error
}
