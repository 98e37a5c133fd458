package server

import (
	"encoding/json"
	"net/http"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/inference"
	"github.com/bodhi-local/bodhigate/internal/provider/ollama"
)

// collectModelNames gathers the user-alias and local-model names that
// handleListModels also lists, for Ollama's flat /api/tags and /api/show
// views. API-alias model names are not included.
func (s *server) collectModelNames(r *http.Request) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	if s.deps.UserAliases != nil {
		for _, a := range s.deps.UserAliases.List() {
			add(a.Name)
		}
	}
	if s.deps.LocalModels != nil {
		models, err := s.deps.LocalModels.ListLocalModels(r.Context())
		if err == nil {
			for _, a := range models {
				add(a.Name)
			}
		}
	}
	return names
}

// handleOllamaTags serves Ollama's /api/tags model list.
func (s *server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	names := s.collectModelNames(r)
	writeJSON(w, http.StatusOK, ollama.BuildTags(names, time.Now()))
}

type ollamaShowRequest struct {
	Model string `json:"model"`
	Name  string `json:"name"`
}

// handleOllamaShow serves Ollama's /api/show model detail view.
func (s *server) handleOllamaShow(w http.ResponseWriter, r *http.Request) {
	var req ollamaShowRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	name := req.Model
	if name == "" {
		name = req.Name
	}

	alias, ok := s.deps.Router.Resolve(r.Context(), name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("model not found"))
		return
	}
	writeJSON(w, http.StatusOK, ollama.BuildShow(alias))
}

// handleOllamaChat translates an Ollama /api/chat request into the
// gateway's OpenAI-compatible shape, dispatches it, and translates the
// response back. Streaming Ollama chat is not supported: the local child
// and remote aliases are both asked for a single, non-streamed completion.
func (s *server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	var req ollama.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	openaiReq := ollama.ToOpenAI(&req)
	openaiReq.Stream = false
	raw, err := json.Marshal(openaiReq)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	resp, err := s.deps.Router.Dispatch(r.Context(), inference.EndpointChatCompletions, req.Model, raw)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyUpstreamResponse(w, resp)
		return
	}

	var openaiResp gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, ollama.FromOpenAI(&openaiResp, time.Now()))
}
