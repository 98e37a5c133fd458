package server

import (
	"context"
	"net/http"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// localModelLister discovers auto-scanned Model aliases from the local
// HuggingFace cache; implemented by hub.CacheLocator.
type localModelLister interface {
	ListLocalModels(ctx context.Context) ([]*gateway.Alias, error)
}

// userAliasLister lists hand-authored user aliases; implemented by
// useralias.Store.
type userAliasLister interface {
	List() []*gateway.Alias
}

// handleListModels aggregates user aliases, locally cached models, and
// remote API aliases into a single OpenAI-compatible model list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]struct{})
	var entries []modelEntry
	now := time.Now().Unix()

	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		entries = append(entries, modelEntry{ID: name, Object: "model", Created: now, OwnedBy: "system"})
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
	if s.deps.Store != nil {
		apis, err := s.deps.Store.ListAPIAliases(r.Context())
		if err == nil {
			for _, a := range apis {
				if a.ForwardAllWithPrefix {
					continue
				}
				for _, m := range a.Models {
					add(m)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: entries})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
