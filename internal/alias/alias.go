// Package alias resolves a model name to one of the three gateway.Alias
// variants: a user-defined alias (local GGUF with custom args), an
// auto-discovered model alias (scanned from the HuggingFace cache), or a
// remote API alias. Resolution order mirrors the original find_alias
// lookup: user aliases first, then local models, then remote aliases.
package alias

import (
	"context"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/storage"
)

// cacheTTL is short enough to pick up newly written alias files quickly,
// long enough to eliminate per-request YAML/JSON parsing.
const cacheTTL = 10 * time.Second

// UserAliasStore looks up user-defined aliases, typically backed by
// $BODHI_HOME/aliases/*.yaml files loaded at startup and on file-watch.
type UserAliasStore interface {
	GetUserAlias(name string) (*gateway.Alias, bool)
}

// ModelScanner discovers model aliases from the local HuggingFace cache
// ($HF_HOME/hub/models--{owner}--{repo}/...).
type ModelScanner interface {
	FindLocalModel(ctx context.Context, name string) (*gateway.Alias, error)
}

// Resolver resolves a model name to an Alias, caching the result.
type Resolver struct {
	users  UserAliasStore
	models ModelScanner
	apis   storage.APIModelAliasStore
	cache  *otter.Cache[string, gateway.Alias]
	logger *slog.Logger
}

// NewResolver builds a Resolver over the three alias sources.
func NewResolver(users UserAliasStore, models ModelScanner, apis storage.APIModelAliasStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	cache := otter.Must(&otter.Options[string, gateway.Alias]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, gateway.Alias](cacheTTL),
	})
	return &Resolver{users: users, models: models, apis: apis, cache: cache, logger: logger}
}

// Resolve looks up name across user, model, and API aliases in that
// order, returning the first match. A remote-model lookup failure is
// swallowed into a (nil, false) result, matching the original find_alias
// behavior, but is logged at Debug rather than silently discarded.
func (r *Resolver) Resolve(ctx context.Context, name string) (*gateway.Alias, bool) {
	if cached, ok := r.cache.GetIfPresent(name); ok {
		a := cached
		return &a, true
	}

	if r.users != nil {
		if a, ok := r.users.GetUserAlias(name); ok {
			r.cache.Set(name, *a)
			return a, true
		}
	}

	if r.models != nil {
		a, err := r.models.FindLocalModel(ctx, name)
		if err != nil {
			r.logger.LogAttrs(ctx, slog.LevelDebug, "local model scan failed",
				slog.String("model", name), slog.String("error", err.Error()))
		} else if a != nil {
			r.cache.Set(name, *a)
			return a, true
		}
	}

	if r.apis != nil {
		aliases, err := r.apis.ListAPIAliases(ctx)
		if err != nil {
			r.logger.LogAttrs(ctx, slog.LevelDebug, "api alias lookup failed",
				slog.String("model", name), slog.String("error", err.Error()))
			return nil, false
		}
		for _, a := range aliases {
			if a.ForwardAllWithPrefix && a.Prefix != nil && hasPrefix(name, *a.Prefix) {
				r.cache.Set(name, *a)
				return a, true
			}
			for _, m := range a.Models {
				if m == name {
					r.cache.Set(name, *a)
					return a, true
				}
			}
		}
	}

	return nil, false
}

// Invalidate drops any cached resolution for name, forcing the next
// Resolve to re-check all three sources.
func (r *Resolver) Invalidate(name string) {
	r.cache.Invalidate(name)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
