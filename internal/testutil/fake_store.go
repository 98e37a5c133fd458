// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu             sync.RWMutex
	accessRequests map[string]*gateway.AccessRequestRecord
	apiTokens      map[string]*gateway.ApiToken
	downloads      map[string]*gateway.DownloadRequest
	apiAliases     map[string]*gateway.Alias
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accessRequests: make(map[string]*gateway.AccessRequestRecord),
		apiTokens:      make(map[string]*gateway.ApiToken),
		downloads:      make(map[string]*gateway.DownloadRequest),
		apiAliases:     make(map[string]*gateway.Alias),
	}
}

// --- AccessRequestStore ---

func (s *FakeStore) CreateAccessRequest(_ context.Context, r *gateway.AccessRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessRequests[r.ID] = r
	return nil
}

// AddAccessRequest is a test helper that seeds a record directly.
func (s *FakeStore) AddAccessRequest(r *gateway.AccessRequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessRequests[r.ID] = r
}

func (s *FakeStore) GetAccessRequest(_ context.Context, id string) (*gateway.AccessRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.accessRequests[id]
	if !ok {
		return nil, bgerrors.EntityNotFound("access_request", id)
	}
	return r, nil
}

func (s *FakeStore) GetAccessRequestByScope(_ context.Context, scope string) (*gateway.AccessRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.accessRequests {
		if r.AccessRequestScope != nil && *r.AccessRequestScope == scope {
			return r, nil
		}
	}
	return nil, bgerrors.EntityNotFound("access_request", scope)
}

func (s *FakeStore) ListAccessRequests(_ context.Context, appClientID string, offset, limit int) ([]*gateway.AccessRequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.AccessRequestRecord
	for _, r := range s.accessRequests {
		if appClientID == "" || r.AppClientID == appClientID {
			out = append(out, r)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateAccessRequest(_ context.Context, r *gateway.AccessRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accessRequests[r.ID]; !ok {
		return bgerrors.EntityNotFound("access_request", r.ID)
	}
	s.accessRequests[r.ID] = r
	return nil
}

func (s *FakeStore) DeleteAccessRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessRequests, id)
	return nil
}

// --- APITokenStore ---

func (s *FakeStore) CreateToken(_ context.Context, t *gateway.ApiToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiTokens[t.ID] = t
	return nil
}

func (s *FakeStore) GetTokenByPrefix(_ context.Context, prefix string) (*gateway.ApiToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.apiTokens {
		if t.TokenPrefix == prefix {
			return t, nil
		}
	}
	return nil, bgerrors.EntityNotFound("api_token", prefix)
}

func (s *FakeStore) ListTokens(_ context.Context, userID string, offset, limit int) ([]*gateway.ApiToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ApiToken
	for _, t := range s.apiTokens {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateToken(_ context.Context, t *gateway.ApiToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiTokens[t.ID]; !ok {
		return bgerrors.EntityNotFound("api_token", t.ID)
	}
	s.apiTokens[t.ID] = t
	return nil
}

func (s *FakeStore) DeleteToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apiTokens, id)
	return nil
}

// --- DownloadStore ---

func (s *FakeStore) CreateDownload(_ context.Context, d *gateway.DownloadRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[d.ID] = d
	return nil
}

func (s *FakeStore) GetDownload(_ context.Context, id string) (*gateway.DownloadRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downloads[id]
	if !ok {
		return nil, bgerrors.EntityNotFound("download", id)
	}
	return d, nil
}

func (s *FakeStore) ListDownloads(_ context.Context, status gateway.DownloadStatus, offset, limit int) ([]*gateway.DownloadRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.DownloadRequest
	for _, d := range s.downloads {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) UpdateDownload(_ context.Context, d *gateway.DownloadRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.downloads[d.ID]; !ok {
		return bgerrors.EntityNotFound("download", d.ID)
	}
	s.downloads[d.ID] = d
	return nil
}

// --- APIModelAliasStore ---

func (s *FakeStore) CreateAPIAlias(_ context.Context, a *gateway.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiAliases[a.ID] = a
	return nil
}

func (s *FakeStore) GetAPIAlias(_ context.Context, id string) (*gateway.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apiAliases[id]
	if !ok {
		return nil, bgerrors.EntityNotFound("api_alias", id)
	}
	return a, nil
}

func (s *FakeStore) ListAPIAliases(_ context.Context) ([]*gateway.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Alias, 0, len(s.apiAliases))
	for _, a := range s.apiAliases {
		out = append(out, a)
	}
	return out, nil
}

func (s *FakeStore) UpdateAPIAlias(_ context.Context, a *gateway.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiAliases[a.ID]; !ok {
		return bgerrors.EntityNotFound("api_alias", a.ID)
	}
	s.apiAliases[a.ID] = a
	return nil
}

func (s *FakeStore) DeleteAPIAlias(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apiAliases, id)
	return nil
}

func (s *FakeStore) Close() error { return nil }

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
