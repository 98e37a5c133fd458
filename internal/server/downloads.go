package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// handleListDownloads lists queued model downloads, optionally filtered by
// status. An empty/missing status query param lists every status.
func (s *server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	status := gateway.DownloadStatus(r.URL.Query().Get("status"))
	offset, limit := parseOffsetLimit(r)

	downloads, err := s.deps.Store.ListDownloads(r.Context(), status, offset, limit)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": downloads})
}

type createDownloadRequest struct {
	Repo     string `json:"repo"`
	Filename string `json:"filename"`
}

// handleCreateDownload queues a new model-file download. The actual fetch
// is performed out-of-band by the download worker; this handler only
// records the request.
func (s *server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Repo == "" || req.Filename == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("repo and filename are required"))
		return
	}

	now := time.Now().UTC()
	download := &gateway.DownloadRequest{
		ID:        uuid.NewString(),
		Repo:      req.Repo,
		Filename:  req.Filename,
		Status:    gateway.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateDownload(r.Context(), download); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, download)
}

// handleGetDownload returns one queued download by id.
func (s *server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	download, err := s.deps.Store.GetDownload(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, download)
}

// handlePullByAlias queues a download for the repo/filename a known alias
// name resolves to, so a caller can request "pull this model" without
// having to already know its HuggingFace repo and filename. Only User and
// Model aliases carry a repo/filename; an API alias (remote, no local
// file) or an unresolved name is rejected.
func (s *server) handlePullByAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "alias")
	if s.deps.Aliases == nil {
		writeErrorEnvelope(w, bgerrors.EntityNotFound("alias", name))
		return
	}
	a, ok := s.deps.Aliases.Resolve(r.Context(), name)
	if !ok || a.Kind == gateway.AliasKindAPI {
		writeErrorEnvelope(w, bgerrors.EntityNotFound("alias", name))
		return
	}

	now := time.Now().UTC()
	download := &gateway.DownloadRequest{
		ID:        uuid.NewString(),
		Repo:      a.Repo,
		Filename:  a.Filename,
		Status:    gateway.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateDownload(r.Context(), download); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, download)
}
