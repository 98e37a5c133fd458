// Package server implements the HTTP transport layer for the gateway: the
// OpenAI- and Ollama-compatible request surface, the browser login flow,
// and the first-party admin API for tokens, API-backed model aliases,
// queued downloads, and IdP-delegated user management.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/app"
	"github.com/bodhi-local/bodhigate/internal/idp"
	"github.com/bodhi-local/bodhigate/internal/provider/aiapi"
	"github.com/bodhi-local/bodhigate/internal/ratelimit"
	"github.com/bodhi-local/bodhigate/internal/secretstore"
	"github.com/bodhi-local/bodhigate/internal/session"
	"github.com/bodhi-local/bodhigate/internal/storage"
	"github.com/bodhi-local/bodhigate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// SettingsReader is the subset of settingsstore.Store the server reads
// feature flags (APP_STATUS, APP_AUTHZ) and display info from.
type SettingsReader interface {
	GetOr(key, fallback string) string
}

// TokenAuthenticator resolves a caller's AuthContext from a bearer token or
// a browser session id, implemented by token.Service.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, header string) (*gateway.AuthContext, error)
	Session(ctx context.Context, sessionID string) (*gateway.AuthContext, error)
}

// AliasInvalidator drops a cached alias resolution after an admin write, so
// the next request resolves the updated record instead of a stale hit. It
// also resolves a name to its Alias, used by the pull-by-alias download
// route to recover the repo/filename a bare alias name refers to.
type AliasInvalidator interface {
	Invalidate(name string)
	Resolve(ctx context.Context, name string) (*gateway.Alias, bool)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	TokenSvc TokenAuthenticator // nil = no auth (tests only)
	Settings SettingsReader     // nil = authz always on, never in setup
	IdP      *idp.Client        // nil = login/callback/admin-user routes disabled
	Sessions *session.Store     // nil = login/callback/logout disabled
	Secrets  *secretstore.Store // nil = api-model api_key values cannot be stored or read

	Router      *app.Router      // nil = /v1 and /api inference routes disabled
	Aliases     AliasInvalidator // nil = admin writes skip cache invalidation
	UserAliases userAliasLister
	LocalModels localModelLister
	Store       storage.Store   // nil = no admin CRUD (for tests)
	AIAPI       *aiapi.Service  // nil = api-model test/fetch-models/sync-models disabled

	Cache       Cache               // nil = no caching
	RateLimiter *ratelimit.Registry // nil = no rate limiting
	DefaultRPM  int64               // base RPM, scaled per caller by scope
	DefaultTPM  int64               // base TPM, scaled per caller by scope

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	// PublicBaseURL is this gateway's own externally reachable origin, used
	// to build the OAuth2 redirect_uri the IdP redirects back to.
	PublicBaseURL string
	Version       string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/ping", s.handlePing)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/bodhi/v1/info", s.handleInfo)

	if deps.IdP != nil && deps.Sessions != nil {
		r.Post("/bodhi/v1/auth/login", s.handleLogin)
		r.Get("/bodhi/v1/auth/login", s.handleLogin)
		r.Post("/bodhi/v1/auth/callback", s.handleCallback)
		r.Get("/bodhi/v1/auth/callback", s.handleCallback)
		r.Post("/bodhi/v1/auth/logout", s.handleLogout)
		r.Get("/bodhi/v1/auth/logout", s.handleLogout)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		if deps.Router != nil {
			r.Post("/v1/chat/completions", s.handleChatCompletion)
			r.Post("/v1/embeddings", s.handleEmbeddings)
			r.Get("/v1/models", s.handleListModels)

			r.Get("/api/tags", s.handleOllamaTags)
			r.Post("/api/show", s.handleOllamaShow)
			r.Post("/api/chat", s.handleOllamaChat)
		}

		if deps.Store != nil {
			r.Route("/bodhi/v1/tokens", func(r chi.Router) {
				r.Use(s.requireScope(gateway.TokenScopeUser))
				r.Post("/", s.handleCreateToken)
				r.Get("/", s.handleListTokens)
				r.Put("/{id}", s.handleUpdateToken)
			})

			r.Route("/bodhi/v1/api-models", func(r chi.Router) {
				r.Use(s.requireScope(gateway.TokenScopePowerUser))
				r.Get("/", s.handleListAPIModels)
				r.Post("/", s.handleCreateAPIModel)
				r.Post("/test", s.handleTestAPIModel)

				r.Group(func(r chi.Router) {
					r.Use(s.accessRequestValidator(s.deps.Store))
					r.Get("/{id}", s.handleGetAPIModel)
					r.Put("/{id}", s.handleUpdateAPIModel)
					r.Delete("/{id}", s.handleDeleteAPIModel)
					r.Post("/{id}/fetch-models", s.handleFetchModels)
					r.Post("/{id}/sync-models", s.handleSyncModels)
				})
			})

			r.Route("/bodhi/v1/modelfiles/pull", func(r chi.Router) {
				r.Use(s.requireScope(gateway.TokenScopePowerUser))
				r.Get("/", s.handleListDownloads)
				r.Post("/", s.handleCreateDownload)
				r.Get("/{id}", s.handleGetDownload)
				r.Post("/{alias}", s.handlePullByAlias)
			})
		}

		if deps.IdP != nil {
			r.Route("/bodhi/v1/users", func(r chi.Router) {
				r.Use(s.requireScope(gateway.TokenScopeManager))
				r.Get("/", s.handleListUsers)
				r.Put("/{id}/role", s.handleAssignRole)
				r.Delete("/{id}", s.handleRemoveUser)
			})
		}
	})

	return r
}

type server struct {
	deps Deps
}

func (s *server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	authz := "true"
	if s.deps.Settings != nil {
		status = s.deps.Settings.GetOr("APP_STATUS", "ready")
		authz = s.deps.Settings.GetOr("APP_AUTHZ", "true")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.deps.Version,
		"status":  status,
		"authz":   authz == "true",
	})
}
