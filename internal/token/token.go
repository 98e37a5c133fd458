// Package token implements bearer-token validation: the database-token
// fast path for first-party API tokens, RFC 8693 exchange for externally
// issued IdP tokens, and the session-refresh coordinator that keeps a
// browser session's access token current under concurrent requests.
//
// JWT signature verification is intentionally not performed here. Claims
// are decoded for routing/expiry purposes only; trust is established by
// the IdP's own token-exchange and refresh responses, exactly as the
// system this package reimplements does.
package token

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/concurrency"
	"github.com/bodhi-local/bodhigate/internal/idp"
	"github.com/bodhi-local/bodhigate/internal/storage"
	"github.com/bodhi-local/bodhigate/internal/tokencache"
)

const bearerPrefix = "Bearer "

// SecretStore is the subset of secretstore.Store the token service needs:
// this gateway's own OAuth client credentials.
type SecretStore interface {
	AppRegInfo() (*gateway.AppRegInfo, error)
}

// SessionStore abstracts the browser-session backend (tower_sessions in
// the original, any session middleware here) enough for the refresh
// coordinator to re-read and rewrite the stored token pair.
type SessionStore interface {
	GetAccessToken(ctx context.Context, sessionID string) (string, bool, error)
	GetRefreshToken(ctx context.Context, sessionID string) (string, bool, error)
	SetTokens(ctx context.Context, sessionID, accessToken, refreshToken string) error
}

// Metrics is the optional counter sink exercising spec.md §8's testable
// properties: exchange/cache-hit/refresh counts observable from outside
// the package without it importing a specific metrics backend.
type Metrics interface {
	IncTokenExchange()
	IncTokenExchangeCacheHit()
	IncSessionRefresh()
}

// Service validates bearer tokens and keeps session tokens fresh.
type Service struct {
	idp            *idp.Client
	secrets        SecretStore
	cache          *tokencache.Cache
	apiTokens      storage.APITokenStore
	accessRequests storage.AccessRequestStore
	sessions       SessionStore
	concurrency    *concurrency.Service
	authIssuer     string
	logger         *slog.Logger
	metrics        Metrics
}

// Config supplies Service's collaborators and the expected IdP issuer.
type Config struct {
	IdP            *idp.Client
	Secrets        SecretStore
	Cache          *tokencache.Cache
	APITokens      storage.APITokenStore
	AccessRequests storage.AccessRequestStore
	Sessions       SessionStore
	Concurrency    *concurrency.Service
	AuthIssuer     string
	Logger         *slog.Logger
	Metrics        Metrics
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		idp:            cfg.IdP,
		secrets:        cfg.Secrets,
		cache:          cfg.Cache,
		apiTokens:      cfg.APITokens,
		accessRequests: cfg.AccessRequests,
		sessions:       cfg.Sessions,
		concurrency:    cfg.Concurrency,
		authIssuer:     cfg.AuthIssuer,
		logger:         logger,
		metrics:        cfg.Metrics,
	}
}

// expClaims is the minimal claim set needed to check expiry.
type expClaims struct {
	Exp int64 `json:"exp"`
}

// scopeClaims is the claim set needed for issuer/audience/scope checks
// during external-token exchange.
type scopeClaims struct {
	Exp               int64           `json:"exp"`
	Iss               string          `json:"iss"`
	Aud               json.RawMessage `json:"aud"`
	Scope             string          `json:"scope"`
	Azp               string          `json:"azp"`
	Sub               string          `json:"sub"`
	PreferredUsername string          `json:"preferred_username"`
}

// exchangedClaims additionally carries the access_request_id claim an
// exchanged token embeds, cross-checked against the access-request record
// the original scope's "scope_access_request:*" token identified.
type exchangedClaims struct {
	scopeClaims
	AccessRequestID string `json:"access_request_id"`
}

// additionalExchangeScopes are appended to the caller's scope set before
// every token exchange, regardless of which access-request scope triggered
// it, so the exchanged token always carries basic identity claims.
var additionalExchangeScopes = []string{"openid", "email", "profile", "roles"}

// sessionClaims is the claim set needed to resolve a session token's role.
type sessionClaims struct {
	Exp               int64                     `json:"exp"`
	Sub               string                    `json:"sub"`
	PreferredUsername string                    `json:"preferred_username"`
	ResourceAccess    map[string]resourceAccess `json:"resource_access"`
}

type resourceAccess struct {
	Roles []string `json:"roles"`
}

// DecodeClaims decodes the unverified payload segment of a JWT into out.
// Exported for callers outside this package (the login callback handler)
// that need to read identity claims without a second JWT decoder.
func DecodeClaims(rawToken string, out any) error {
	return decodeClaims(rawToken, out)
}

// decodeClaims decodes the unverified payload segment of a JWT into out.
func decodeClaims(rawToken string, out any) error {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return bgerrors.InvalidToken("not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return bgerrors.InvalidToken("malformed claims segment")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return bgerrors.InvalidToken("unparsable claims")
	}
	return nil
}

// audienceContains reports whether aud (a single string or a string array,
// per JWT's flexible encoding) contains want.
func audienceContains(aud json.RawMessage, want string) bool {
	if len(aud) == 0 {
		return false
	}
	var single string
	if json.Unmarshal(aud, &single) == nil {
		return single == want
	}
	var multi []string
	if json.Unmarshal(aud, &multi) == nil {
		for _, a := range multi {
			if a == want {
				return true
			}
		}
	}
	return false
}

// ValidateBearer validates an "Authorization: Bearer ..." header value,
// returning the usable access token (the bearer token itself for a
// database token, the exchanged token for an external one), the resolved
// ResourceScope, and, for an external token exchanged against an approved
// access request, the requesting app's client_id (nil for a database token
// or a plain user-scoped external token).
func (s *Service) ValidateBearer(ctx context.Context, header string) (string, gateway.ResourceScope, *string, error) {
	rest, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", gateway.ResourceScope{}, nil, bgerrors.InvalidToken("authorization header is malformed")
	}
	bearerToken := strings.TrimSpace(rest)
	if bearerToken == "" {
		return "", gateway.ResourceScope{}, nil, bgerrors.InvalidToken("token not found in authorization header")
	}

	if strings.HasPrefix(bearerToken, gateway.APITokenPrefix) {
		token, scope, err := s.validateDatabaseToken(ctx, bearerToken)
		return token, scope, nil, err
	}
	return s.validateExternalToken(ctx, bearerToken)
}

func (s *Service) validateDatabaseToken(ctx context.Context, bearerToken string) (string, gateway.ResourceScope, error) {
	if len(bearerToken) < gateway.APITokenPrefixLen {
		return "", gateway.ResourceScope{}, bgerrors.InvalidToken("token too short")
	}
	prefix := bearerToken[:gateway.APITokenPrefixLen]

	apiToken, err := s.apiTokens.GetTokenByPrefix(ctx, prefix)
	if err != nil {
		return "", gateway.ResourceScope{}, bgerrors.InvalidToken("token not found")
	}
	if apiToken.Status != gateway.TokenActive {
		return "", gateway.ResourceScope{}, bgerrors.TokenInactive()
	}

	providedHash := gateway.HashKey(bearerToken)
	if subtle.ConstantTimeCompare([]byte(providedHash), []byte(apiToken.TokenHash)) != 1 {
		return "", gateway.ResourceScope{}, bgerrors.InvalidToken("invalid token")
	}

	return bearerToken, gateway.TokenResourceScope(apiToken.Scopes), nil
}

func (s *Service) validateExternalToken(ctx context.Context, bearerToken string) (string, gateway.ResourceScope, *string, error) {
	var exp expClaims
	if err := decodeClaims(bearerToken, &exp); err != nil {
		return "", gateway.ResourceScope{}, nil, err
	}
	if exp.Exp < time.Now().Unix() {
		return "", gateway.ResourceScope{}, nil, bgerrors.Expired()
	}

	if entry, ok := s.cache.Get(ctx, bearerToken); ok {
		var cached scopeClaims
		if decodeClaims(entry.AccessToken, &cached) == nil && cached.Exp >= time.Now().Unix() {
			userScope, ok := parseUserScope(cached.Scope)
			if ok {
				if s.metrics != nil {
					s.metrics.IncTokenExchangeCacheHit()
				}
				return entry.AccessToken, gateway.UserResourceScope(userScope), azpPtr(cached.Azp), nil
			}
		}
	}

	accessToken, scope, azp, exchangedExp, err := s.exchangeExternalToken(ctx, bearerToken)
	if err != nil {
		return "", gateway.ResourceScope{}, nil, err
	}
	// Cache TTL is bounded by the exchanged token's own exp claim: caching
	// past that point would serve an entry that re-validates as expired
	// anyway, and never beyond the usual 5-minute window.
	expiresAt := time.Now().Add(5 * time.Minute)
	if tokenExp := time.Unix(exchangedExp, 0); tokenExp.Before(expiresAt) {
		expiresAt = tokenExp
	}
	s.cache.Set(ctx, bearerToken, tokencache.Entry{AccessToken: accessToken, ExpiresAt: expiresAt})
	return accessToken, scope, azp, nil
}

func azpPtr(azp string) *string {
	if azp == "" {
		return nil
	}
	return &azp
}

// exchangeExternalToken exchanges an externally issued token for one scoped
// to this gateway. When the incoming scope names an access request (a
// "scope_access_request:*" token), the request must exist, be approved, and
// be bound to the token's own azp (requesting app) and sub (requesting
// user) before the exchange is attempted; the exchanged token's own
// access_request_id claim is then cross-checked against that same record.
func (s *Service) exchangeExternalToken(ctx context.Context, externalToken string) (string, gateway.ResourceScope, *string, int64, error) {
	appRegInfo, err := s.secrets.AppRegInfo()
	if err != nil {
		return "", gateway.ResourceScope{}, nil, 0, err
	}

	var claims scopeClaims
	if err := decodeClaims(externalToken, &claims); err != nil {
		return "", gateway.ResourceScope{}, nil, 0, err
	}

	if claims.Iss != s.authIssuer {
		return "", gateway.ResourceScope{}, nil, 0, bgerrors.InvalidIssuer(claims.Iss)
	}
	if len(claims.Aud) == 0 {
		return "", gateway.ResourceScope{}, nil, 0, bgerrors.InvalidToken("missing audience field")
	}
	if !audienceContains(claims.Aud, appRegInfo.ClientID) {
		return "", gateway.ResourceScope{}, nil, 0, bgerrors.InvalidAudience(string(claims.Aud))
	}

	scopeFields := strings.Fields(claims.Scope)
	accessReqScope, hasAccessReq := findAccessRequestScope(scopeFields)

	var record *gateway.AccessRequestRecord
	if hasAccessReq {
		if s.accessRequests == nil {
			return "", gateway.ResourceScope{}, nil, 0, bgerrors.EntityNotFound("access_request", accessReqScope)
		}
		record, err = s.accessRequests.GetAccessRequestByScope(ctx, accessReqScope)
		if err != nil {
			return "", gateway.ResourceScope{}, nil, 0, err
		}
		if record.Status != gateway.AccessRequestApproved {
			return "", gateway.ResourceScope{}, nil, 0, bgerrors.AccessRequestNotApproved(record.ID, string(record.Status))
		}
		if record.AppClientID != claims.Azp {
			return "", gateway.ResourceScope{}, nil, 0, bgerrors.AppClientMismatch(record.AppClientID, claims.Azp)
		}
		if record.UserID == nil || *record.UserID != claims.Sub {
			found := ""
			if record.UserID != nil {
				found = *record.UserID
			}
			return "", gateway.ResourceScope{}, nil, 0, bgerrors.UserMismatch(claims.Sub, found)
		}
	} else if !hasUserScope(claims.Scope) {
		return "", gateway.ResourceScope{}, nil, 0, bgerrors.ScopeEmpty()
	}

	exchangeScope := strings.Join(append(append([]string{}, scopeFields...), additionalExchangeScopes...), " ")
	result, err := s.idp.ExchangeToken(ctx, externalToken, appRegInfo.ClientID, exchangeScope)
	if err != nil {
		return "", gateway.ResourceScope{}, nil, 0, err
	}
	if s.metrics != nil {
		s.metrics.IncTokenExchange()
	}

	var exchanged exchangedClaims
	if err := decodeClaims(result.AccessToken, &exchanged); err != nil {
		return "", gateway.ResourceScope{}, nil, 0, err
	}

	if record != nil {
		if exchanged.AccessRequestID != record.ID {
			return "", gateway.ResourceScope{}, nil, 0, bgerrors.AccessRequestIDMismatch()
		}
		return result.AccessToken, gateway.UserResourceScope(gateway.UserScopeUser), azpPtr(claims.Azp), exchanged.Exp, nil
	}

	userScope, ok := parseUserScope(exchanged.Scope)
	if !ok {
		return "", gateway.ResourceScope{}, nil, 0, bgerrors.ScopeEmpty()
	}
	return result.AccessToken, gateway.UserResourceScope(userScope), azpPtr(claims.Azp), exchanged.Exp, nil
}

// findAccessRequestScope returns the first "scope_access_request:*" token
// present in fields, if any.
func findAccessRequestScope(fields []string) (string, bool) {
	for _, f := range fields {
		if strings.HasPrefix(f, "scope_access_request:") {
			return f, true
		}
	}
	return "", false
}

func hasUserScope(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if strings.HasPrefix(s, "scope_user_") {
			return true
		}
	}
	return false
}

var userScopeNames = map[string]gateway.UserScope{
	"scope_user_user":       gateway.UserScopeUser,
	"scope_user_power_user": gateway.UserScopePowerUser,
	"scope_user_manager":    gateway.UserScopeManager,
	"scope_user_admin":      gateway.UserScopeAdmin,
}

func parseUserScope(scope string) (gateway.UserScope, bool) {
	best, found := gateway.UserScopeUser, false
	for _, s := range strings.Fields(scope) {
		if v, ok := userScopeNames[s]; ok && (!found || v > best) {
			best, found = v, true
		}
	}
	return best, found
}

// GetValidSessionToken returns a still-valid access token for sessionID,
// refreshing it via the IdP if expired. Concurrent callers for the same
// session collapse to a single refresh call: the lock's critical section
// re-reads the session before deciding whether a refresh is still needed,
// so a late joiner that finds the token already rotated returns
// immediately without calling the IdP again.
func (s *Service) GetValidSessionToken(ctx context.Context, sessionID, accessToken string) (string, *gateway.ResourceRole, error) {
	var claims sessionClaims
	if err := decodeClaims(accessToken, &claims); err != nil {
		return "", nil, err
	}

	if time.Now().Unix() < claims.Exp {
		role, err := s.resolveRole(claims)
		if err != nil {
			return "", nil, err
		}
		return accessToken, role, nil
	}

	lockKey := fmt.Sprintf("refresh_token:%s", sessionID)
	var (
		refreshedToken string
		refreshedRole  *gateway.ResourceRole
	)
	err := s.concurrency.WithLock(ctx, lockKey, func(ctx context.Context) error {
		current, ok, err := s.sessions.GetAccessToken(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "access token missing from session after acquiring refresh lock",
				slog.String("session_id", sessionID), slog.String("user_id", claims.Sub))
			return bgerrors.RefreshTokenNotFound()
		}

		var currentClaims sessionClaims
		if err := decodeClaims(current, &currentClaims); err != nil {
			return err
		}
		if time.Now().Unix() < currentClaims.Exp {
			s.logger.LogAttrs(ctx, slog.LevelInfo, "token already refreshed by concurrent request",
				slog.String("user_id", claims.Sub))
			role, err := s.resolveRole(currentClaims)
			if err != nil {
				return err
			}
			refreshedToken, refreshedRole = current, role
			return nil
		}

		refreshToken, ok, err := s.sessions.GetRefreshToken(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return bgerrors.RefreshTokenNotFound()
		}

		result, err := s.idp.Refresh(ctx, refreshToken)
		if s.metrics != nil {
			s.metrics.IncSessionRefresh()
		}
		if err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "token refresh failed",
				slog.String("user_id", claims.Sub), slog.String("error", err.Error()))
			return err
		}

		var newClaims sessionClaims
		if err := decodeClaims(result.AccessToken, &newClaims); err != nil {
			return err
		}

		if err := s.sessions.SetTokens(ctx, sessionID, result.AccessToken, result.RefreshToken); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "failed to persist refreshed session tokens",
				slog.String("user_id", claims.Sub), slog.String("error", err.Error()))
			return err
		}

		role, err := s.resolveRole(newClaims)
		if err != nil {
			return err
		}
		refreshedToken, refreshedRole = result.AccessToken, role
		s.logger.LogAttrs(ctx, slog.LevelInfo, "session token refreshed", slog.String("user_id", claims.Sub))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return refreshedToken, refreshedRole, nil
}

var resourceRoleNames = map[string]gateway.ResourceRole{
	"resource_user":       gateway.ResourceRoleUser,
	"resource_power_user": gateway.ResourceRolePowerUser,
	"resource_manager":    gateway.ResourceRoleManager,
	"resource_admin":      gateway.ResourceRoleAdmin,
}

var resourceRoleWire = map[gateway.ResourceRole]string{
	gateway.ResourceRoleUser:      "resource_user",
	gateway.ResourceRolePowerUser: "resource_power_user",
	gateway.ResourceRoleManager:   "resource_manager",
	gateway.ResourceRoleAdmin:     "resource_admin",
}

func (s *Service) resolveRole(claims sessionClaims) (*gateway.ResourceRole, error) {
	appRegInfo, err := s.secrets.AppRegInfo()
	if err != nil {
		return nil, err
	}
	access, ok := claims.ResourceAccess[appRegInfo.ClientID]
	if !ok {
		return nil, nil
	}
	best, found := gateway.ResourceRoleUser, false
	for _, r := range access.Roles {
		if v, ok := resourceRoleNames[r]; ok && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return nil, nil
	}
	return &best, nil
}

// Session resolves an active browser session to an AuthContext, refreshing
// the stored access token via the IdP if it has expired. A session with no
// stored access token (never logged in, or already logged out) reports
// TokenNotFound so the caller falls through to bearer-token resolution.
func (s *Service) Session(ctx context.Context, sessionID string) (*gateway.AuthContext, error) {
	accessToken, ok, err := s.sessions.GetAccessToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bgerrors.TokenNotFound()
	}

	current, role, err := s.GetValidSessionToken(ctx, sessionID, accessToken)
	if err != nil {
		return nil, err
	}

	var claims sessionClaims
	_ = decodeClaims(current, &claims)

	auth := &gateway.AuthContext{
		Kind:     gateway.AuthContextSession,
		UserID:   claims.Sub,
		Username: claims.PreferredUsername,
		Token:    current,
		Scope:    gateway.UserResourceScope(gateway.UserScopeUser),
	}
	if role != nil {
		auth.Role = resourceRoleWire[*role]
		auth.Scope = gateway.UserResourceScope(gateway.UserScope(*role))
	}
	return auth, nil
}

// Authenticate validates the Authorization header and assembles the
// caller's AuthContext: ExternalApp for a validated bearer token (database
// or exchanged external), Anonymous never reaches here -- the middleware
// handles the missing-header case before calling this.
func (s *Service) Authenticate(ctx context.Context, header string) (*gateway.AuthContext, error) {
	validated, scope, appClientID, err := s.ValidateBearer(ctx, header)
	if err != nil {
		return nil, err
	}

	auth := &gateway.AuthContext{
		Kind:  gateway.AuthContextExternalApp,
		Token: validated,
		Scope: scope,
	}
	if appClientID != nil {
		auth.AppClientID = *appClientID
	}

	if strings.HasPrefix(validated, gateway.APITokenPrefix) {
		// Database tokens aren't JWTs; the owning user comes from the
		// token record itself, keyed by the same lookup prefix
		// ValidateBearer already verified against.
		prefix := validated[:gateway.APITokenPrefixLen]
		if apiToken, err := s.apiTokens.GetTokenByPrefix(ctx, prefix); err == nil {
			auth.UserID = apiToken.UserID
		}
		return auth, nil
	}

	var claims exchangedClaims
	_ = decodeClaims(validated, &claims)
	auth.UserID = claims.Sub
	auth.Username = claims.PreferredUsername
	if claims.AccessRequestID != "" {
		id := claims.AccessRequestID
		auth.AccessRequestID = &id
	}
	return auth, nil
}
