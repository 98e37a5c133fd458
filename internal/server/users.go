package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// bearerFor extracts the caller's own raw bearer token, which these
// IdP-delegated admin calls forward on the caller's behalf: a manager can
// only list/assign/remove users to the extent their own Keycloak privileges
// allow, the gateway adds no privilege of its own here.
func bearerFor(r *http.Request) (string, error) {
	auth := gateway.AuthFromContext(r.Context())
	if auth == nil || auth.Token == "" {
		return "", bgerrors.TokenNotFound()
	}
	return auth.Token, nil
}

// handleListUsers lists IdP-registered users, paginated.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	bearer, err := bearerFor(r)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	page, pageSize := parsePage(r)

	users, err := s.deps.IdP.ListUsers(r.Context(), bearer, page, pageSize)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

// handleAssignRole assigns a resource role to a user via the IdP.
func (s *server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	bearer, err := bearerFor(r)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	id := chi.URLParam(r, "id")

	var req assignRoleRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Role == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("role is required"))
		return
	}

	if err := s.deps.IdP.AssignRole(r.Context(), bearer, id, req.Role); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRemoveUser revokes a user's access to this resource server via the IdP.
func (s *server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	bearer, err := bearerFor(r)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.deps.IdP.RemoveUser(r.Context(), bearer, id); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parsePage(r *http.Request) (page, pageSize int) {
	page, pageSize = 0, 30
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	return page, pageSize
}
