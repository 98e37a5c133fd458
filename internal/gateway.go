// Package gateway defines domain types and interfaces for the bodhigate
// local LLM serving gateway. This package has no project imports -- it is
// the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- OpenAI-compatible wire types ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- AppRegInfo ---

// AppRegInfo holds this resource server's own OAuth client credentials,
// created once at setup and thereafter immutable. Its absence is a hard
// error on any auth path.
type AppRegInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
}

// --- Access requests ---

// AccessRequestStatus is the lifecycle state of an AccessRequestRecord.
type AccessRequestStatus string

const (
	AccessRequestPending  AccessRequestStatus = "pending"
	AccessRequestApproved AccessRequestStatus = "approved"
	AccessRequestDenied   AccessRequestStatus = "denied"
)

// AccessRequestRecord is an out-of-band consent record binding an app
// client, a user, and a set of approved entities.
//
// Invariant: Status == AccessRequestApproved implies ApprovedJSON != nil
// and UserID != nil.
type AccessRequestRecord struct {
	ID                 string              `json:"id"`
	AppClientID        string              `json:"app_client_id"`
	UserID             *string             `json:"user_id,omitempty"`
	Status             AccessRequestStatus `json:"status"`
	RequestedJSON      json.RawMessage     `json:"requested_json"`
	ApprovedJSON       json.RawMessage     `json:"approved_json,omitempty"`
	AccessRequestScope *string             `json:"access_request_scope,omitempty"`
	ResourceScope      *string             `json:"resource_scope,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ExpiresAt          time.Time           `json:"expires_at"`
}

// --- API tokens ---

// APITokenPrefix is the literal prefix for all first-party long-lived tokens.
const APITokenPrefix = "bodhiapp_"

// APITokenPrefixLen is the length of the full lookup prefix: the literal
// prefix plus 8 URL-safe base64 characters.
const APITokenPrefixLen = len(APITokenPrefix) + 8

// TokenStatus is the activation state of an ApiToken.
type TokenStatus string

const (
	TokenActive   TokenStatus = "active"
	TokenInactive TokenStatus = "inactive"
)

// TokenScope is an ordered privilege lattice for first-party API tokens,
// ascending: user < power_user < manager < admin.
type TokenScope int

const (
	TokenScopeUser TokenScope = iota
	TokenScopePowerUser
	TokenScopeManager
	TokenScopeAdmin
)

var tokenScopeNames = map[TokenScope]string{
	TokenScopeUser:      "scope_token_user",
	TokenScopePowerUser: "scope_token_power_user",
	TokenScopeManager:   "scope_token_manager",
	TokenScopeAdmin:     "scope_token_admin",
}

var tokenScopeValues = map[string]TokenScope{
	"scope_token_user":       TokenScopeUser,
	"scope_token_power_user": TokenScopePowerUser,
	"scope_token_manager":    TokenScopeManager,
	"scope_token_admin":      TokenScopeAdmin,
}

// String returns the wire representation of the scope, e.g. "scope_token_user".
func (s TokenScope) String() string {
	if name, ok := tokenScopeNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseTokenScope parses a wire scope string into a TokenScope.
func ParseTokenScope(s string) (TokenScope, bool) {
	v, ok := tokenScopeValues[s]
	return v, ok
}

// ApiToken is a first-party long-lived bearer token identified by its
// "bodhiapp_" prefix. The plaintext value is never persisted, only its
// SHA-256 hash.
type ApiToken struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Name        string      `json:"name"`
	TokenPrefix string      `json:"token_prefix"`
	TokenHash   string      `json:"-"`
	Scopes      TokenScope  `json:"scopes"`
	Status      TokenStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// --- Resource roles / scopes ---

// ResourceRole is the role a session-authenticated user holds against
// this resource server's OAuth client, ascending privilege.
type ResourceRole int

const (
	ResourceRoleUser ResourceRole = iota
	ResourceRolePowerUser
	ResourceRoleManager
	ResourceRoleAdmin
)

// CanIssue reports whether a caller holding role r may mint an API token
// with the given scope. Only admin infrastructure mints manager/admin
// scoped tokens directly; an interactive caller's ceiling is power_user.
func (r ResourceRole) CanIssue(scope TokenScope) bool {
	ceiling := r
	if ceiling > ResourceRolePowerUser {
		ceiling = ResourceRolePowerUser
	}
	return scope <= TokenScope(ceiling)
}

// UserScope is the effective scope carried by an IdP-issued user token.
type UserScope int

const (
	UserScopeUser UserScope = iota
	UserScopePowerUser
	UserScopeManager
	UserScopeAdmin
)

// ResourceScopeKind tags the variant carried by a ResourceScope.
type ResourceScopeKind int

const (
	ResourceScopeKindUser ResourceScopeKind = iota
	ResourceScopeKindToken
)

// ResourceScope is the effective authorization scope produced by token
// validation: either a user scope (IdP-issued token) or a token scope
// (first-party API token).
type ResourceScope struct {
	Kind  ResourceScopeKind
	User  UserScope
	Token TokenScope
}

// UserResourceScope builds a ResourceScope carrying a UserScope.
func UserResourceScope(s UserScope) ResourceScope {
	return ResourceScope{Kind: ResourceScopeKindUser, User: s}
}

// TokenResourceScope builds a ResourceScope carrying a TokenScope.
func TokenResourceScope(s TokenScope) ResourceScope {
	return ResourceScope{Kind: ResourceScopeKindToken, Token: s}
}

// --- AuthContext ---

// AuthContextKind tags the variant carried by an AuthContext.
type AuthContextKind int

const (
	AuthContextAnonymous AuthContextKind = iota
	AuthContextSession
	AuthContextExternalApp
)

// AuthContext is the per-request authorization context produced by the
// auth middleware and consumed by handlers and permission checks.
type AuthContext struct {
	Kind            AuthContextKind
	UserID          string
	Username        string
	Token           string
	Role            string
	AppClientID     string
	AccessRequestID *string
	Scope           ResourceScope
}

// Can reports whether the context's resolved scope meets or exceeds the
// required token scope. Anonymous contexts never satisfy any requirement.
func (a *AuthContext) Can(required TokenScope) bool {
	if a == nil || a.Kind == AuthContextAnonymous {
		return false
	}
	switch a.Scope.Kind {
	case ResourceScopeKindToken:
		return a.Scope.Token >= required
	case ResourceScopeKindUser:
		return UserScope(required) <= a.Scope.User
	default:
		return false
	}
}

// --- Aliases ---

// AliasKind tags the variant carried by an Alias.
type AliasKind int

const (
	AliasKindUser AliasKind = iota
	AliasKindModel
	AliasKindAPI
)

// RequestParams holds default generation parameters applied to a chat
// request before forwarding, when set on a User alias.
type RequestParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Update fills unset fields of req from p, without overriding anything
// the caller already specified explicitly.
func (p RequestParams) Update(req *ChatRequest) {
	if req.Temperature == nil {
		req.Temperature = p.Temperature
	}
	if req.TopP == nil {
		req.TopP = p.TopP
	}
	if req.MaxTokens == nil {
		req.MaxTokens = p.MaxTokens
	}
	if len(req.Stop) == 0 && len(p.Stop) > 0 {
		if b, err := json.Marshal(p.Stop); err == nil {
			req.Stop = b
		}
	}
}

// Alias is a named handle under which a request addresses a model. It has
// three flavors, distinguished by Kind: User (user-defined, points at a
// local GGUF file with custom args), Model (auto-discovered from the HF
// cache), or API (a remote provider-backed model).
type Alias struct {
	Kind AliasKind

	// Shared by User and Model.
	Name     string
	Repo     string
	Filename string
	Snapshot string

	// User only.
	ContextParams []string
	RequestParams RequestParams

	// API only.
	ID                   string
	APIFormat            string
	BaseURL              string
	APIKeyRef            *string
	Models               []string
	Prefix               *string
	ForwardAllWithPrefix bool
}

// --- Downloads ---

// DownloadStatus is the state of a DownloadRequest.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadCompleted DownloadStatus = "completed"
	DownloadError     DownloadStatus = "error"
)

// DownloadRequest tracks a queued HuggingFace model file download.
type DownloadRequest struct {
	ID        string         `json:"id"`
	Repo      string         `json:"repo"`
	Filename  string         `json:"filename"`
	Status    DownloadStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Auth is set later by the authenticate middleware, mutating the same
// pointer rather than allocating a second context value.
type requestMeta struct {
	RequestID string
	Auth      *AuthContext
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthFromContext extracts the authenticated AuthContext from ctx, or nil
// if none was set.
func AuthFromContext(ctx context.Context) *AuthContext {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}

// ContextWithAuth stores auth in the existing requestMeta if present,
// avoiding a second context.WithValue allocation, and returns the same
// context. Falls back to creating fresh metadata when none exists yet
// (e.g. in tests that skip the request-id middleware).
func ContextWithAuth(ctx context.Context, auth *AuthContext) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = auth
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: auth})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a raw token value.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
