package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/concurrency"
	"github.com/bodhi-local/bodhigate/internal/idp"
	"github.com/bodhi-local/bodhigate/internal/tokencache"
)

const testIssuer = "https://idp.example.com/realms/bodhi"

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

type fakeSecrets struct {
	info *gateway.AppRegInfo
}

func (f *fakeSecrets) AppRegInfo() (*gateway.AppRegInfo, error) {
	if f.info == nil {
		return nil, bgerrors.AppRegInfoMissing()
	}
	return f.info, nil
}

type fakeAPITokens struct {
	byPrefix map[string]*gateway.ApiToken
}

func (f *fakeAPITokens) GetTokenByPrefix(_ context.Context, prefix string) (*gateway.ApiToken, error) {
	tok, ok := f.byPrefix[prefix]
	if !ok {
		return nil, bgerrors.EntityNotFound("api_token", prefix)
	}
	return tok, nil
}

func (f *fakeAPITokens) CreateToken(_ context.Context, _ *gateway.ApiToken) error {
	return nil
}

func (f *fakeAPITokens) ListTokens(_ context.Context, _ string, _, _ int) ([]*gateway.ApiToken, error) {
	return nil, nil
}

func (f *fakeAPITokens) UpdateToken(_ context.Context, _ *gateway.ApiToken) error {
	return nil
}

func (f *fakeAPITokens) DeleteToken(_ context.Context, _ string) error {
	return nil
}

type fakeAccessRequests struct {
	byScope map[string]*gateway.AccessRequestRecord
}

func (f *fakeAccessRequests) GetAccessRequestByScope(_ context.Context, scope string) (*gateway.AccessRequestRecord, error) {
	r, ok := f.byScope[scope]
	if !ok {
		return nil, bgerrors.EntityNotFound("access_request", scope)
	}
	return r, nil
}

func (f *fakeAccessRequests) CreateAccessRequest(_ context.Context, _ *gateway.AccessRequestRecord) error {
	return nil
}

func (f *fakeAccessRequests) GetAccessRequest(_ context.Context, _ string) (*gateway.AccessRequestRecord, error) {
	return nil, bgerrors.EntityNotFound("access_request", "")
}

func (f *fakeAccessRequests) ListAccessRequests(_ context.Context, _ string, _, _ int) ([]*gateway.AccessRequestRecord, error) {
	return nil, nil
}

func (f *fakeAccessRequests) UpdateAccessRequest(_ context.Context, _ *gateway.AccessRequestRecord) error {
	return nil
}

func (f *fakeAccessRequests) DeleteAccessRequest(_ context.Context, _ string) error {
	return nil
}

type sessionRecord struct {
	accessToken  string
	refreshToken string
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]sessionRecord)}
}

func (f *fakeSessions) GetAccessToken(_ context.Context, sessionID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[sessionID]
	return rec.accessToken, ok, nil
}

func (f *fakeSessions) GetRefreshToken(_ context.Context, sessionID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[sessionID]
	return rec.refreshToken, ok && rec.refreshToken != "", nil
}

func (f *fakeSessions) SetTokens(_ context.Context, sessionID, accessToken, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = sessionRecord{accessToken: accessToken, refreshToken: refreshToken}
	return nil
}

func newTestService(t *testing.T, idpHandler http.HandlerFunc, secrets *fakeSecrets, apiTokens *fakeAPITokens, sessions *fakeSessions) *Service {
	t.Helper()
	return newTestServiceWithAccessRequests(t, idpHandler, secrets, apiTokens, sessions, nil)
}

func newTestServiceWithAccessRequests(t *testing.T, idpHandler http.HandlerFunc, secrets *fakeSecrets, apiTokens *fakeAPITokens, sessions *fakeSessions, accessRequests *fakeAccessRequests) *Service {
	t.Helper()
	var client *idp.Client
	if idpHandler != nil {
		srv := httptest.NewServer(idpHandler)
		t.Cleanup(srv.Close)
		client = idp.New(idp.Config{AuthURL: srv.URL, Realm: "bodhi", ClientID: "bodhi-client", ClientSecret: "shh"}, nil)
	}
	cache, err := tokencache.New(100)
	if err != nil {
		t.Fatalf("tokencache.New: %v", err)
	}
	if secrets == nil {
		secrets = &fakeSecrets{info: &gateway.AppRegInfo{ClientID: "bodhi-client", ClientSecret: "shh"}}
	}
	if apiTokens == nil {
		apiTokens = &fakeAPITokens{byPrefix: map[string]*gateway.ApiToken{}}
	}
	if sessions == nil {
		sessions = newFakeSessions()
	}
	if accessRequests == nil {
		accessRequests = &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{}}
	}
	return New(Config{
		IdP:            client,
		Secrets:        secrets,
		Cache:          cache,
		APITokens:      apiTokens,
		AccessRequests: accessRequests,
		Sessions:       sessions,
		Concurrency:    concurrency.New(),
		AuthIssuer:     testIssuer,
	})
}

func TestValidateBearer_DatabaseToken_HappyPath(t *testing.T) {
	t.Parallel()
	rawToken := gateway.APITokenPrefix + "abcd1234therest"
	prefix := rawToken[:gateway.APITokenPrefixLen]
	apiTokens := &fakeAPITokens{byPrefix: map[string]*gateway.ApiToken{
		prefix: {
			ID:        "tok-1",
			Scopes:    gateway.TokenScopePowerUser,
			Status:    gateway.TokenActive,
			TokenHash: gateway.HashKey(rawToken),
		},
	}}
	svc := newTestService(t, nil, nil, apiTokens, nil)

	accessToken, scope, appClientID, err := svc.ValidateBearer(context.Background(), "Bearer "+rawToken)
	if err != nil {
		t.Fatalf("ValidateBearer: %v", err)
	}
	if accessToken != rawToken {
		t.Errorf("accessToken = %q, want %q", accessToken, rawToken)
	}
	if scope.Kind != gateway.ResourceScopeKindToken || scope.Token != gateway.TokenScopePowerUser {
		t.Errorf("scope = %+v", scope)
	}
	if appClientID != nil {
		t.Errorf("appClientID = %v, want nil for a database token", *appClientID)
	}
}

func TestValidateBearer_DatabaseToken_HashMismatch(t *testing.T) {
	t.Parallel()
	rawToken := gateway.APITokenPrefix + "abcd1234therest"
	prefix := rawToken[:gateway.APITokenPrefixLen]
	apiTokens := &fakeAPITokens{byPrefix: map[string]*gateway.ApiToken{
		prefix: {Scopes: gateway.TokenScopeUser, Status: gateway.TokenActive, TokenHash: gateway.HashKey("different-token")},
	}}
	svc := newTestService(t, nil, nil, apiTokens, nil)

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+rawToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindInvalidToken {
		t.Fatalf("expected InvalidToken, got %v", err)
	}
}

func TestValidateBearer_DatabaseToken_Inactive(t *testing.T) {
	t.Parallel()
	rawToken := gateway.APITokenPrefix + "abcd1234therest"
	prefix := rawToken[:gateway.APITokenPrefixLen]
	apiTokens := &fakeAPITokens{byPrefix: map[string]*gateway.ApiToken{
		prefix: {Scopes: gateway.TokenScopeUser, Status: gateway.TokenInactive, TokenHash: gateway.HashKey(rawToken)},
	}}
	svc := newTestService(t, nil, nil, apiTokens, nil)

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+rawToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindTokenInactive {
		t.Fatalf("expected TokenInactive, got %v", err)
	}
}

func exchangeHandler(t *testing.T, calls *int32, responseScope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		atomic.AddInt32(calls, 1)
		exchanged := makeJWT(t, map[string]any{
			"exp":   time.Now().Add(time.Hour).Unix(),
			"iss":   testIssuer,
			"aud":   "bodhi-client",
			"scope": responseScope,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": exchanged, "token_type": "Bearer"})
	}
}

func TestValidateBearer_ExternalToken_ValidIssuerAudience(t *testing.T) {
	t.Parallel()
	var calls int32
	svc := newTestService(t, exchangeHandler(t, &calls, "scope_user_power_user"), nil, nil, nil)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_user_user",
	})

	_, scope, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	if err != nil {
		t.Fatalf("ValidateBearer: %v", err)
	}
	if scope.Kind != gateway.ResourceScopeKindUser || scope.User != gateway.UserScopePowerUser {
		t.Errorf("scope = %+v", scope)
	}
	if calls != 1 {
		t.Errorf("exchange calls = %d, want 1", calls)
	}
}

func TestValidateBearer_ExternalToken_InvalidIssuer(t *testing.T) {
	t.Parallel()
	var calls int32
	svc := newTestService(t, exchangeHandler(t, &calls, "scope_user_user"), nil, nil, nil)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   "https://not-the-idp.example.com",
		"aud":   "bodhi-client",
		"scope": "scope_user_user",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindInvalidIssuer {
		t.Fatalf("expected InvalidIssuer, got %v", err)
	}
	if calls != 0 {
		t.Errorf("exchange should not have been called, got %d calls", calls)
	}
}

func TestValidateBearer_ExternalToken_InvalidAudience(t *testing.T) {
	t.Parallel()
	var calls int32
	svc := newTestService(t, exchangeHandler(t, &calls, "scope_user_user"), nil, nil, nil)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "someone-else",
		"scope": "scope_user_user",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindInvalidAudience {
		t.Fatalf("expected InvalidAudience, got %v", err)
	}
}

func TestValidateBearer_ExternalToken_CachesExchange(t *testing.T) {
	t.Parallel()
	var calls int32
	svc := newTestService(t, exchangeHandler(t, &calls, "scope_user_manager"), nil, nil, nil)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_user_user",
	})

	for i := 0; i < 2; i++ {
		if _, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken); err != nil {
			t.Fatalf("ValidateBearer call %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("exchange calls = %d, want 1 (second request should hit cache)", calls)
	}
}

// TestValidateBearer_ExternalToken_JTIForgeryDefense mirrors the original
// security test: a forged token reusing a legitimate token's jti but with
// a different subject must not be able to read the legitimate token's
// cached exchange, because the cache is keyed by the token's own content
// hash rather than by any claim inside it.
func TestValidateBearer_ExternalToken_JTIForgeryDefense(t *testing.T) {
	t.Parallel()
	var calls int32
	svc := newTestService(t, exchangeHandler(t, &calls, "scope_user_user"), nil, nil, nil)

	legit := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_user_user",
		"jti":   "shared-jti",
		"sub":   "legit-user",
	})
	forged := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_user_user",
		"jti":   "shared-jti",
		"sub":   "attacker",
	})

	if _, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+legit); err != nil {
		t.Fatalf("legit ValidateBearer: %v", err)
	}
	if _, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+forged); err != nil {
		t.Fatalf("forged ValidateBearer: %v", err)
	}
	if calls != 2 {
		t.Errorf("exchange calls = %d, want 2 (forged token must not reuse legit token's cache entry)", calls)
	}
}

// accessRequestExchangeHandler returns the access_request_id claim on the
// exchanged token alongside a user scope, mirroring what the IdP embeds for
// a token exchanged against an approved access request.
func accessRequestExchangeHandler(t *testing.T, calls *int32, accessRequestID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		atomic.AddInt32(calls, 1)
		exchanged := makeJWT(t, map[string]any{
			"exp":               time.Now().Add(time.Hour).Unix(),
			"iss":               testIssuer,
			"aud":               "bodhi-client",
			"scope":             "scope_access_request:req-1",
			"access_request_id": accessRequestID,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": exchanged, "token_type": "Bearer"})
	}
}

func TestValidateBearer_ExternalToken_AccessRequest_HappyPath(t *testing.T) {
	t.Parallel()
	var calls int32
	accessRequests := &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{
		"scope_access_request:req-1": {
			ID:          "req-1",
			AppClientID: "requesting-app",
			UserID:      strPtr("user-1"),
			Status:      gateway.AccessRequestApproved,
		},
	}}
	svc := newTestServiceWithAccessRequests(t, accessRequestExchangeHandler(t, &calls, "req-1"), nil, nil, nil, accessRequests)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_access_request:req-1",
		"azp":   "requesting-app",
		"sub":   "user-1",
	})

	_, scope, appClientID, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	if err != nil {
		t.Fatalf("ValidateBearer: %v", err)
	}
	if scope.Kind != gateway.ResourceScopeKindUser {
		t.Errorf("scope = %+v, want a user scope", scope)
	}
	if appClientID == nil || *appClientID != "requesting-app" {
		t.Errorf("appClientID = %v, want %q", appClientID, "requesting-app")
	}
	if calls != 1 {
		t.Errorf("exchange calls = %d, want 1", calls)
	}
}

func TestValidateBearer_ExternalToken_AccessRequest_NotApproved(t *testing.T) {
	t.Parallel()
	accessRequests := &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{
		"scope_access_request:req-1": {
			ID:          "req-1",
			AppClientID: "requesting-app",
			UserID:      strPtr("user-1"),
			Status:      gateway.AccessRequestPending,
		},
	}}
	svc := newTestServiceWithAccessRequests(t, nil, nil, nil, nil, accessRequests)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_access_request:req-1",
		"azp":   "requesting-app",
		"sub":   "user-1",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindAccessRequestNotApproved {
		t.Fatalf("expected AccessRequestNotApproved, got %v", err)
	}
}

func TestValidateBearer_ExternalToken_AccessRequest_AppClientMismatch(t *testing.T) {
	t.Parallel()
	accessRequests := &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{
		"scope_access_request:req-1": {
			ID:          "req-1",
			AppClientID: "a-different-app",
			UserID:      strPtr("user-1"),
			Status:      gateway.AccessRequestApproved,
		},
	}}
	svc := newTestServiceWithAccessRequests(t, nil, nil, nil, nil, accessRequests)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_access_request:req-1",
		"azp":   "requesting-app",
		"sub":   "user-1",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindAppClientMismatch {
		t.Fatalf("expected AppClientMismatch, got %v", err)
	}
}

func TestValidateBearer_ExternalToken_AccessRequest_UserMismatch(t *testing.T) {
	t.Parallel()
	accessRequests := &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{
		"scope_access_request:req-1": {
			ID:          "req-1",
			AppClientID: "requesting-app",
			UserID:      strPtr("someone-else"),
			Status:      gateway.AccessRequestApproved,
		},
	}}
	svc := newTestServiceWithAccessRequests(t, nil, nil, nil, nil, accessRequests)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_access_request:req-1",
		"azp":   "requesting-app",
		"sub":   "user-1",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindUserMismatch {
		t.Fatalf("expected UserMismatch, got %v", err)
	}
}

func TestValidateBearer_ExternalToken_AccessRequest_IDMismatch(t *testing.T) {
	t.Parallel()
	var calls int32
	accessRequests := &fakeAccessRequests{byScope: map[string]*gateway.AccessRequestRecord{
		"scope_access_request:req-1": {
			ID:          "req-1",
			AppClientID: "requesting-app",
			UserID:      strPtr("user-1"),
			Status:      gateway.AccessRequestApproved,
		},
	}}
	// The IdP's exchanged token claims a different access_request_id than
	// the one the validated record actually has.
	svc := newTestServiceWithAccessRequests(t, accessRequestExchangeHandler(t, &calls, "req-other"), nil, nil, nil, accessRequests)

	externalToken := makeJWT(t, map[string]any{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iss":   testIssuer,
		"aud":   "bodhi-client",
		"scope": "scope_access_request:req-1",
		"azp":   "requesting-app",
		"sub":   "user-1",
	})

	_, _, _, err := svc.ValidateBearer(context.Background(), "Bearer "+externalToken)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindAccessRequestIDMismatch {
		t.Fatalf("expected AccessRequestIDMismatch, got %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestGetValidSessionToken_StillValid(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, nil, nil, nil)

	accessToken := makeJWT(t, map[string]any{
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": "user-1",
		"resource_access": map[string]any{
			"bodhi-client": map[string]any{"roles": []string{"resource_power_user"}},
		},
	})

	newToken, role, err := svc.GetValidSessionToken(context.Background(), "sess-1", accessToken)
	if err != nil {
		t.Fatalf("GetValidSessionToken: %v", err)
	}
	if newToken != accessToken {
		t.Errorf("expected unchanged token when still valid")
	}
	if role == nil || *role != gateway.ResourceRolePowerUser {
		t.Errorf("role = %v, want ResourceRolePowerUser", role)
	}
}

func refreshHandler(t *testing.T, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		newAccess := makeJWT(t, map[string]any{
			"exp": time.Now().Add(time.Hour).Unix(),
			"sub": "user-1",
			"resource_access": map[string]any{
				"bodhi-client": map[string]any{"roles": []string{"resource_user"}},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  newAccess,
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
		})
	}
}

func TestGetValidSessionToken_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()
	var calls int32
	sessions := newFakeSessions()
	expiredAccess := makeJWT(t, map[string]any{"exp": time.Now().Add(-time.Minute).Unix(), "sub": "user-1"})
	sessions.sessions["sess-1"] = sessionRecord{accessToken: expiredAccess, refreshToken: "old-refresh"}

	svc := newTestService(t, refreshHandler(t, &calls), nil, nil, sessions)

	newToken, role, err := svc.GetValidSessionToken(context.Background(), "sess-1", expiredAccess)
	if err != nil {
		t.Fatalf("GetValidSessionToken: %v", err)
	}
	if newToken == expiredAccess {
		t.Error("expected a refreshed access token")
	}
	if role == nil || *role != gateway.ResourceRoleUser {
		t.Errorf("role = %v, want ResourceRoleUser", role)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestGetValidSessionToken_RefreshCoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()
	var calls int32
	sessions := newFakeSessions()
	expiredAccess := makeJWT(t, map[string]any{"exp": time.Now().Add(-time.Minute).Unix(), "sub": "user-1"})
	sessions.sessions["sess-1"] = sessionRecord{accessToken: expiredAccess, refreshToken: "old-refresh"}

	blockUntil := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-blockUntil
		newAccess := makeJWT(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix(), "sub": "user-1"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": newAccess, "refresh_token": "new-refresh"})
	}
	svc := newTestService(t, handler, nil, nil, sessions)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, _, err := svc.GetValidSessionToken(context.Background(), "sess-1", expiredAccess)
			if err != nil {
				t.Errorf("GetValidSessionToken: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(blockUntil)
	wg.Wait()

	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1 (second caller should coalesce on the named lock)", calls)
	}
	if results[0] == "" || results[0] != results[1] {
		t.Errorf("expected both callers to observe the same refreshed token, got %q and %q", results[0], results[1])
	}
}

func TestGetValidSessionToken_NoRefreshToken(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions()
	expiredAccess := makeJWT(t, map[string]any{"exp": time.Now().Add(-time.Minute).Unix(), "sub": "user-1"})
	sessions.sessions["sess-1"] = sessionRecord{accessToken: expiredAccess, refreshToken: ""}

	svc := newTestService(t, nil, nil, nil, sessions)
	_, _, err := svc.GetValidSessionToken(context.Background(), "sess-1", expiredAccess)
	e, ok := bgerrors.As(err)
	if !ok || e.Kind != bgerrors.KindRefreshTokenNotFound {
		t.Fatalf("expected RefreshTokenNotFound, got %v", err)
	}
}
