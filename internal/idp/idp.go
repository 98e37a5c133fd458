// Package idp is an HTTP client for the Keycloak-compatible identity
// provider the gateway delegates authentication and authorization to: the
// OIDC token endpoint (auth-code exchange, refresh, RFC 8693 token-exchange,
// client-credentials) and the realm's "bodhi" resource-admin endpoints
// (dynamic client registration, role assignment, user listing, access
// requests).
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bodhi-local/bodhigate/internal/bgerrors"
)

// tokenExchangeGrantType is the RFC 8693 grant type name used by Keycloak's
// token-exchange feature.
const tokenExchangeGrantType = "urn:ietf:params:oauth:grant-type:token-exchange"

// Config describes the realm and client credentials the Client authenticates
// requests to the IdP's token and resource-admin endpoints with.
type Config struct {
	AuthURL      string
	Realm        string
	ClientID     string
	ClientSecret string
}

func (c Config) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(c.AuthURL, "/"), c.Realm)
}

func (c Config) authorizeURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/auth", strings.TrimRight(c.AuthURL, "/"), c.Realm)
}

func (c Config) resourceURL(segments ...string) string {
	base := fmt.Sprintf("%s/realms/%s/bodhi/resources", strings.TrimRight(c.AuthURL, "/"), c.Realm)
	if len(segments) == 0 {
		return base
	}
	return base + "/" + strings.Join(segments, "/")
}

// TokenResult is a normalized response from the token endpoint, covering
// auth-code exchange, refresh, token-exchange, and client-credentials.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Scope        string
}

// Client talks to the configured IdP realm over a tuned http.Client,
// mirroring the DNS-cached transport the gateway's remote provider clients
// use for outbound LLM API calls.
type Client struct {
	cfg  Config
	http *http.Client
	oa   *oauth2.Config
}

// New builds a Client. If resolver is non-nil, outbound connections reuse
// its cached DNS lookups instead of re-resolving on every dial.
func New(cfg Config, resolver *dnscache.Resolver) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: t, Timeout: 30 * time.Second},
		oa: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.tokenURL(), AuthURL: cfg.authorizeURL()},
			Scopes:       []string{"openid", "email"},
		},
	}
}

// AuthCodeURL builds the IdP's authorization endpoint URL for starting a
// PKCE login flow: state is the caller-generated CSRF token, redirectURL
// must exactly match the one ExchangeCode is later called with.
func (c *Client) AuthCodeURL(state, redirectURL string, opts ...oauth2.AuthCodeOption) string {
	allOpts := append([]oauth2.AuthCodeOption{oauth2.SetAuthURLParam("redirect_uri", redirectURL)}, opts...)
	return c.oa.AuthCodeURL(state, allOpts...)
}

// ExchangeCode exchanges an OAuth2 authorization code for tokens. verifier
// is the PKCE code_verifier generated for this flow's AuthCodeURL call; pass
// "" only when the flow was started without PKCE.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL, verifier string) (*TokenResult, error) {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("redirect_uri", redirectURL)}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.oa.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, bgerrors.TokenExchangeError(err)
	}
	return fromOAuthToken(tok), nil
}

// refreshBackoffSchedule is the fixed retry schedule for session refresh:
// an immediate first attempt followed by three retries at increasing
// delays, for 4 attempts total. Retries apply only to network errors and
// HTTP 5xx; 4xx responses are never retried.
var refreshBackoffSchedule = []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Refresh exchanges a refresh token for a new access/refresh token pair,
// retrying on network errors and 5xx responses per refreshBackoffSchedule.
// 4xx responses (e.g. a revoked refresh token) fail immediately.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}

	var lastErr error
	for _, delay := range refreshBackoffSchedule {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := c.postForm(ctx, c.cfg.tokenURL(), form)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetriableIdPError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// isRetriableIdPError reports whether err represents a network failure or
// an HTTP 5xx from the IdP, the only cases the refresh schedule retries.
// A 4xx AuthServiceAPIError (invalid/expired refresh token) is terminal.
func isRetriableIdPError(err error) bool {
	apiErr, ok := bgerrors.As(err)
	if !ok {
		return false
	}
	switch apiErr.Kind {
	case bgerrors.KindAuthServiceAPIError:
		status, convErr := strconv.Atoi(apiErr.Args["status"])
		return convErr == nil && status >= 500
	case bgerrors.KindTokenExchange:
		// postForm reports a failed HTTP round trip (transport/network) this way.
		return true
	default:
		return false
	}
}

// ExchangeToken performs an RFC 8693 token exchange, swapping an externally
// issued subject token for one scoped to audience with the given space-joined
// scope string.
func (c *Client) ExchangeToken(ctx context.Context, subjectToken, audience, scope string) (*TokenResult, error) {
	form := url.Values{
		"grant_type":           {tokenExchangeGrantType},
		"client_id":            {c.cfg.ClientID},
		"client_secret":        {c.cfg.ClientSecret},
		"subject_token":        {subjectToken},
		"subject_token_type":   {"urn:ietf:params:oauth:token-type:access_token"},
		"requested_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
		"audience":             {audience},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return c.postForm(ctx, c.cfg.tokenURL(), form)
}

// ClientCredentialsToken obtains a service-account token via the
// client-credentials grant, used for resource-admin calls that aren't made
// on behalf of any particular user.
func (c *Client) ClientCredentialsToken(ctx context.Context) (*TokenResult, error) {
	cc := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.cfg.tokenURL(),
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, classifyTokenErr(err)
	}
	return fromOAuthToken(tok), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("idp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bgerrors.TokenExchangeError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, bgerrors.AuthServiceAPIError(resp.StatusCode, string(body))
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, bgerrors.SerializationError(err)
	}
	return &TokenResult{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    raw.TokenType,
		ExpiresIn:    raw.ExpiresIn,
		Scope:        raw.Scope,
	}, nil
}

func fromOAuthToken(tok *oauth2.Token) *TokenResult {
	r := &TokenResult{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}
	if tok.RefreshToken != "" {
		r.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		r.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		r.Scope = scope
	}
	return r
}

// classifyTokenErr converts an oauth2 RetrieveError into an
// AuthServiceAPIError carrying the upstream status/body, falling back to
// TokenExchangeError for transport-level failures.
func classifyTokenErr(err error) error {
	var rErr *oauth2.RetrieveError
	if ok := asRetrieveError(err, &rErr); ok {
		return bgerrors.AuthServiceAPIError(rErr.Response.StatusCode, string(rErr.Body))
	}
	return bgerrors.TokenExchangeError(err)
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if rErr, ok := err.(*oauth2.RetrieveError); ok {
			*target = rErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// doJSON issues an authenticated JSON request against the resource-admin
// API and decodes the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, endpoint, bearer string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return bgerrors.SerializationError(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("idp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bgerrors.Wrap(bgerrors.KindAuthServiceAPIError, "auth_service_unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return bgerrors.AuthServiceAPIError(resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return bgerrors.SerializationError(err)
		}
	}
	return nil
}

// AppRegInfo is the client_id/client_secret pair issued by dynamic client
// registration.
type AppRegInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RegisterResourceClient dynamically registers a new OAuth client scoped to
// this gateway's resource, using bearer for authorization.
func (c *Client) RegisterResourceClient(ctx context.Context, bearer string, redirectURIs []string) (*AppRegInfo, error) {
	var out AppRegInfo
	payload := map[string]any{"redirect_uris": redirectURIs}
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.resourceURL(), bearer, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MakeResourceAdmin grants userID admin rights over this gateway's resource.
func (c *Client) MakeResourceAdmin(ctx context.Context, bearer, userID string) error {
	return c.doJSON(ctx, http.MethodPost, c.cfg.resourceURL("make-resource-admin"), bearer,
		map[string]string{"user_id": userID}, nil)
}

// AssignRole assigns role to userID on this gateway's resource.
func (c *Client) AssignRole(ctx context.Context, bearer, userID, role string) error {
	return c.doJSON(ctx, http.MethodPost, c.cfg.resourceURL("assign-role"), bearer,
		map[string]string{"user_id": userID, "role": role}, nil)
}

// RemoveUser revokes userID's access to this gateway's resource.
func (c *Client) RemoveUser(ctx context.Context, bearer, userID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.cfg.resourceURL("users", userID), bearer, nil, nil)
}

// User is a single entry in a paginated user listing.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UserPage is one page of a paginated user listing.
type UserPage struct {
	Users      []User `json:"users"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
}

// ListUsers returns a page of users with access to this gateway's resource.
func (c *Client) ListUsers(ctx context.Context, bearer string, page, pageSize int) (*UserPage, error) {
	endpoint := c.cfg.resourceURL("users") + "?" + url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}.Encode()
	var out UserPage
	if err := c.doJSON(ctx, http.MethodGet, endpoint, bearer, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestAccess submits an access request on behalf of an external app,
// returning the IdP-assigned access-request id.
func (c *Client) RequestAccess(ctx context.Context, bearer, appClientID string, requested json.RawMessage) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	payload := map[string]any{"app_client_id": appClientID, "requested": requested}
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.resourceURL("apps", "request-access"), bearer, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
