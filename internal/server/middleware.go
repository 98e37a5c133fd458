package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/ratelimit"
)

// sessionCookieName names the cookie carrying a browser session id, set by
// the login callback handler and cleared on logout.
const sessionCookieName = "bodhiapp_session"

// Header names injected for downstream handlers, stripped from upstream
// responses by the proxy so a client can never see them echoed back.
const (
	hdrBodhiToken    = "X-Bodhiapp-Token"
	hdrBodhiRole     = "X-Bodhiapp-Role"
	hdrBodhiUsername = "X-Bodhiapp-Username"
	hdrBodhiUserID   = "X-Bodhiapp-Userid"
)

// Pre-allocated header key strings in canonical MIME form.
const (
	hdrRateLimitRequests    = "X-Ratelimit-Limit-Requests"
	hdrRemainingRequests    = "X-Ratelimit-Remaining-Requests"
	hdrRateLimitTokens      = "X-Ratelimit-Limit-Tokens"
	hdrRemainingTokens      = "X-Ratelimit-Remaining-Tokens"
	hdrRetryAfter           = "Retry-After"
	maxRequestIDLen         = 128
)

// Pre-allocated header value slices for security headers.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	nosniffVal = []string{"nosniff"}
	denyVal    = []string{"DENY"}
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{status: http.StatusOK} },
}

// securityHeaders sets defense-in-depth response headers on every request.
func (s *server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h["X-Content-Type-Options"] = nosniffVal
		h["X-Frame-Options"] = denyVal
		next.ServeHTTP(w, r)
	})
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
// Client-provided IDs are validated: max 128 chars, [a-zA-Z0-9._-] only.
// Invalid or missing IDs are replaced with a fresh UUID v7.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && isValidRequestID(vals[0]) {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isValidToken checks that s is non-empty, at most maxLen chars, and contains
// only [a-zA-Z0-9._-]. Used by isValidRequestID.
func isValidToken(s string, maxLen int) bool {
	if len(s) == 0 || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// isValidRequestID checks that s is a valid request ID (max 128 chars, [a-zA-Z0-9._-]).
func isValidRequestID(s string) bool { return isValidToken(s, maxRequestIDLen) }

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate resolves the caller's AuthContext in the order the primary
// auth middleware specifies: an active session wins over a bearer token,
// and a missing credential under a disabled authz flag falls through as
// anonymous rather than failing the request.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Settings != nil {
			if s.deps.Settings.GetOr("APP_STATUS", "ready") == "setup" {
				http.Redirect(w, r, "/ui/setup", http.StatusSeeOther)
				return
			}
			if s.deps.Settings.GetOr("APP_AUTHZ", "true") == "false" {
				ctx := gateway.ContextWithAuth(r.Context(), &gateway.AuthContext{Kind: gateway.AuthContextAnonymous})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
			auth, err := s.deps.TokenSvc.Session(r.Context(), cookie.Value)
			if err == nil {
				injectAuthHeaders(r, auth)
				ctx := gateway.ContextWithAuth(r.Context(), auth)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if apiErr, ok := bgerrors.As(err); !ok || apiErr.Kind != bgerrors.KindTokenNotFound {
				writeErrorEnvelope(w, err)
				return
			}
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			err := bgerrors.TokenNotFound()
			writeErrorEnvelope(w, err)
			return
		}
		if !strings.HasPrefix(header, bearerAuthPrefix) {
			writeJSON(w, http.StatusBadRequest, errorResponse("authorization header is malformed"))
			return
		}

		auth, err := s.deps.TokenSvc.Authenticate(r.Context(), header)
		if err != nil {
			writeErrorEnvelope(w, err)
			return
		}
		injectAuthHeaders(r, auth)
		ctx := gateway.ContextWithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerAuthPrefix is the required Authorization header scheme.
const bearerAuthPrefix = "Bearer "

// injectAuthHeaders sets the X-Bodhiapp-* headers downstream handlers may
// read, mutating the inbound request rather than the response: these never
// reach the client, they exist only for in-process handlers to consult
// without re-deriving identity from the AuthContext on every read.
func injectAuthHeaders(r *http.Request, auth *gateway.AuthContext) {
	r.Header.Set(hdrBodhiUserID, auth.UserID)
	if auth.Token != "" {
		r.Header.Set(hdrBodhiToken, auth.Token)
	}
	if auth.Role != "" {
		r.Header.Set(hdrBodhiRole, auth.Role)
	}
	if auth.Username != "" {
		r.Header.Set(hdrBodhiUsername, auth.Username)
	}
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// rateLimitKey returns the identity a caller is rate-limited by: the app
// client for an external-app bearer token, else the user id. An anonymous
// caller (auth disabled, or a route that tolerates no credentials) is never
// rate-limited individually.
func rateLimitKey(auth *gateway.AuthContext) (string, bool) {
	if auth == nil || auth.Kind == gateway.AuthContextAnonymous {
		return "", false
	}
	if auth.AppClientID != "" {
		return auth.AppClientID, true
	}
	if auth.UserID != "" {
		return auth.UserID, true
	}
	return "", false
}

// scopeMultiplier scales the configured default RPM/TPM by the caller's
// resolved privilege level: a bodhiapp_ API token or session user minted at
// TokenScopeUser/UserScope gets the base rate, and each rung up the
// TokenScope/UserScope lattice (power_user, manager, admin) doubles it. This
// reuses the same ordered scope comparisons gateway.AuthContext.Can uses for
// route authorization, rather than a separate quota concept.
func scopeMultiplier(auth *gateway.AuthContext) int64 {
	if auth == nil {
		return 1
	}
	var level gateway.TokenScope
	switch auth.Scope.Kind {
	case gateway.ResourceScopeKindToken:
		level = auth.Scope.Token
	case gateway.ResourceScopeKindUser:
		level = gateway.TokenScope(auth.Scope.User)
	default:
		return 1
	}
	return int64(1) << uint(level)
}

// rateLimit enforces a per-caller requests-per-minute limit, scaled by the
// caller's resolved ResourceScope. The TPM limit is configured on the
// limiter but no tokens are consumed against it here. There is no separate budget/quota concept in this
// gateway: the same privilege lattice that gates routes also sets headroom.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := gateway.AuthFromContext(r.Context())
		key, limited := rateLimitKey(auth)
		if !limited || s.deps.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		mult := scopeMultiplier(auth)
		limits := ratelimit.Limits{RPM: s.deps.DefaultRPM * mult, TPM: s.deps.DefaultTPM * mult}
		if limits.RPM == 0 && limits.TPM == 0 {
			next.ServeHTTP(w, r)
			return
		}

		limiter := s.deps.RateLimiter.GetOrCreate(key, limits)
		result := limiter.AllowRPM()
		setRPMHeaders(w, result)

		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("rpm").Inc()
			}
			writeRateLimitError(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setRPMHeaders sets RPM rate limit headers on the response.
func setRPMHeaders(w http.ResponseWriter, r ratelimit.Result) {
	if r.Limit == 0 {
		return
	}
	h := w.Header()
	h[hdrRateLimitRequests] = []string{strconv.FormatInt(r.Limit, 10)}
	h[hdrRemainingRequests] = []string{strconv.FormatInt(r.Remaining, 10)}
}

// setTPMHeaders sets TPM rate limit headers on the response.
func setTPMHeaders(w http.ResponseWriter, r ratelimit.Result) {
	if r.Limit == 0 {
		return
	}
	h := w.Header()
	h[hdrRateLimitTokens] = []string{strconv.FormatInt(r.Limit, 10)}
	h[hdrRemainingTokens] = []string{strconv.FormatInt(r.Remaining, 10)}
}

// tracingMiddleware creates a span for each HTTP request.
func tracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.url", r.URL.Path),
					attribute.String("http.request_id", gateway.RequestIDFromContext(r.Context())),
				),
			)
			defer span.End()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}

// requireScope returns middleware that checks the caller's resolved scope
// against required, per gateway.AuthContext.Can's token/user lattice.
func (s *server) requireScope(required gateway.TokenScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := gateway.AuthFromContext(r.Context())
			if auth == nil || auth.Kind == gateway.AuthContextAnonymous {
				writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
				return
			}
			if !auth.Can(required) {
				writeJSON(w, http.StatusForbidden, errorResponse("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a 429 response with Retry-After header.
func writeRateLimitError(w http.ResponseWriter, r ratelimit.Result) {
	if r.RetryAfterSeconds > 0 {
		w.Header()[hdrRetryAfter] = []string{strconv.Itoa(int(r.RetryAfterSeconds) + 1)}
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
}
