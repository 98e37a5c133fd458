package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// resourceRoleFromAuth derives the ResourceRole a caller may issue tokens
// up to, from the scope carried by their AuthContext. An ExternalApp
// (token-scoped) caller cannot mint tokens of its own; only a session
// (user-scoped) caller can.
func resourceRoleFromAuth(auth *gateway.AuthContext) (gateway.ResourceRole, bool) {
	if auth == nil || auth.Scope.Kind != gateway.ResourceScopeKindUser {
		return 0, false
	}
	return gateway.ResourceRole(auth.Scope.User), true
}

type createTokenRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

type tokenResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TokenPrefix string    `json:"token_prefix"`
	Scopes      string    `json:"scopes"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Token       string    `json:"token,omitempty"` // only set on creation
}

func toTokenResponse(t *gateway.ApiToken) tokenResponse {
	return tokenResponse{
		ID:          t.ID,
		Name:        t.Name,
		TokenPrefix: t.TokenPrefix,
		Scopes:      t.Scopes.String(),
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// handleCreateToken mints a new first-party API token. The plaintext value
// is returned once, in this response only; only its hash is persisted.
func (s *server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	scope := gateway.TokenScopeUser
	if req.Scope != "" {
		parsed, ok := gateway.ParseTokenScope(req.Scope)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse("unknown scope"))
			return
		}
		scope = parsed
	}

	auth := gateway.AuthFromContext(r.Context())
	role, ok := resourceRoleFromAuth(auth)
	if !ok || !role.CanIssue(scope) {
		writeJSON(w, http.StatusForbidden, errorResponse("insufficient permissions to issue this scope"))
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeUpstreamError(w, r.Context(), bgerrors.Unreachable("generating token: "+err.Error()))
		return
	}
	plaintext := gateway.APITokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	token := &gateway.ApiToken{
		ID:          uuid.NewString(),
		UserID:      auth.UserID,
		Name:        req.Name,
		TokenPrefix: plaintext[:gateway.APITokenPrefixLen],
		TokenHash:   gateway.HashKey(plaintext),
		Scopes:      scope,
		Status:      gateway.TokenActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.deps.Store.CreateToken(r.Context(), token); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	resp := toTokenResponse(token)
	resp.Token = plaintext
	writeJSON(w, http.StatusCreated, resp)
}

// handleListTokens lists the caller's own tokens.
func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	offset, limit := parseOffsetLimit(r)

	tokens, err := s.deps.Store.ListTokens(r.Context(), auth.UserID, offset, limit)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	out := make([]tokenResponse, len(tokens))
	for i, t := range tokens {
		out[i] = toTokenResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

type updateTokenRequest struct {
	Name   *string `json:"name"`
	Status *string `json:"status"`
}

// handleUpdateToken renames or activates/deactivates a token the caller
// owns. APITokenStore has no GetByID, so ownership is established by
// scanning the caller's own token list for a matching id.
func (s *server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	auth := gateway.AuthFromContext(r.Context())

	existing, err := s.findOwnedToken(r.Context(), auth.UserID, id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	var req updateTokenRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Status != nil {
		status := gateway.TokenStatus(*req.Status)
		if status != gateway.TokenActive && status != gateway.TokenInactive {
			writeJSON(w, http.StatusBadRequest, errorResponse("unknown status"))
			return
		}
		existing.Status = status
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateToken(r.Context(), existing); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(existing))
}

func (s *server) findOwnedToken(ctx context.Context, userID, id string) (*gateway.ApiToken, error) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		tokens, err := s.deps.Store.ListTokens(ctx, userID, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			if t.ID == id {
				return t, nil
			}
		}
		if len(tokens) < pageSize {
			return nil, bgerrors.EntityNotFound("token", id)
		}
	}
}

func parseOffsetLimit(r *http.Request) (offset, limit int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return offset, limit
}
