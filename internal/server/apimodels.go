package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

type apiModelRequest struct {
	Name                 string   `json:"name"`
	APIFormat            string   `json:"api_format"`
	BaseURL              string   `json:"base_url"`
	APIKey               string   `json:"api_key"`
	Models               []string `json:"models"`
	Prefix               *string  `json:"prefix"`
	ForwardAllWithPrefix bool     `json:"forward_all_with_prefix"`
}

// handleListAPIModels lists every remote API-backed alias.
func (s *server) handleListAPIModels(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.deps.Store.ListAPIAliases(r.Context())
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": aliases})
}

// apiKeySecretRef derives the secretstore key an API alias's credential is
// stored under, namespaced by alias id so two aliases never collide.
func apiKeySecretRef(id string) string {
	return "api_model_key:" + id
}

// handleCreateAPIModel stores a new remote API-backed alias. The API key,
// if given, is written to the encrypted secret store rather than the SQLite
// row; only a reference to it is persisted alongside the alias.
func (s *server) handleCreateAPIModel(w http.ResponseWriter, r *http.Request) {
	var req apiModelRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and base_url are required"))
		return
	}

	alias := &gateway.Alias{
		Kind:                 gateway.AliasKindAPI,
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		APIFormat:            req.APIFormat,
		BaseURL:              req.BaseURL,
		Models:               req.Models,
		Prefix:               req.Prefix,
		ForwardAllWithPrefix: req.ForwardAllWithPrefix,
	}

	if req.APIKey != "" {
		if s.deps.Secrets == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse("secret store unavailable"))
			return
		}
		ref := apiKeySecretRef(alias.ID)
		if err := s.deps.Secrets.Set(ref, req.APIKey); err != nil {
			writeUpstreamError(w, r.Context(), err)
			return
		}
		alias.APIKeyRef = &ref
	}

	if err := s.deps.Store.CreateAPIAlias(r.Context(), alias); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if s.deps.Aliases != nil {
		s.deps.Aliases.Invalidate(alias.Name)
	}
	writeJSON(w, http.StatusCreated, alias)
}

// handleGetAPIModel fetches a single API-backed alias by id.
func (s *server) handleGetAPIModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alias, err := s.deps.Store.GetAPIAlias(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, alias)
}

// handleUpdateAPIModel updates a stored API-backed alias. A non-empty
// api_key in the request replaces any previously stored credential; a
// renamed alias invalidates both the old and new cache entries.
func (s *server) handleUpdateAPIModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetAPIAlias(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	var req apiModelRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	oldName := existing.Name
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.APIFormat != "" {
		existing.APIFormat = req.APIFormat
	}
	if req.BaseURL != "" {
		existing.BaseURL = req.BaseURL
	}
	if req.Models != nil {
		existing.Models = req.Models
	}
	if req.Prefix != nil {
		existing.Prefix = req.Prefix
	}
	existing.ForwardAllWithPrefix = req.ForwardAllWithPrefix

	if req.APIKey != "" {
		if s.deps.Secrets == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse("secret store unavailable"))
			return
		}
		ref := apiKeySecretRef(existing.ID)
		if err := s.deps.Secrets.Set(ref, req.APIKey); err != nil {
			writeUpstreamError(w, r.Context(), err)
			return
		}
		existing.APIKeyRef = &ref
	}

	if err := s.deps.Store.UpdateAPIAlias(r.Context(), existing); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if s.deps.Aliases != nil {
		if oldName != existing.Name {
			s.deps.Aliases.Invalidate(oldName)
		}
		s.deps.Aliases.Invalidate(existing.Name)
	}
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteAPIModel removes a stored API-backed alias.
func (s *server) handleDeleteAPIModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetAPIAlias(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if err := s.deps.Store.DeleteAPIAlias(r.Context(), id); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if s.deps.Aliases != nil {
		s.deps.Aliases.Invalidate(existing.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}

type testAPIModelRequest struct {
	APIFormat string `json:"api_format"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
}

// handleTestAPIModel issues a short completion against caller-supplied
// credentials, without reading or writing any stored alias: this lets an
// admin validate a base_url/api_key pair before committing to it.
func (s *server) handleTestAPIModel(w http.ResponseWriter, r *http.Request) {
	var req testAPIModelRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if s.deps.AIAPI == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("remote API testing unavailable"))
		return
	}

	var apiKey *string
	if req.APIKey != "" {
		apiKey = &req.APIKey
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Say hello in one word."
	}

	reply, err := s.deps.AIAPI.TestPrompt(r.Context(), apiKey, req.BaseURL, req.Model, prompt)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// handleFetchModels lists the models a stored alias's upstream API exposes,
// without persisting anything.
func (s *server) handleFetchModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	models, err := s.fetchRemoteModels(r, id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleSyncModels fetches the upstream model list and persists it onto
// the stored alias.
func (s *server) handleSyncModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alias, err := s.deps.Store.GetAPIAlias(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	models, err := s.fetchRemoteModels(r, id)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	alias.Models = models
	if err := s.deps.Store.UpdateAPIAlias(r.Context(), alias); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if s.deps.Aliases != nil {
		s.deps.Aliases.Invalidate(alias.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) fetchRemoteModels(r *http.Request, id string) ([]string, error) {
	if s.deps.AIAPI == nil {
		return nil, bgerrors.Unreachable("remote API access unavailable")
	}
	alias, err := s.deps.Store.GetAPIAlias(r.Context(), id)
	if err != nil {
		return nil, err
	}
	var apiKey *string
	if alias.APIKeyRef != nil && s.deps.Secrets != nil {
		key, err := s.deps.Secrets.Get(*alias.APIKeyRef)
		if err != nil {
			return nil, err
		}
		apiKey = &key
	}
	return s.deps.AIAPI.FetchModels(r.Context(), apiKey, alias.BaseURL)
}
