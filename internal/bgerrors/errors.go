// Package bgerrors defines the typed error-kind taxonomy shared across the
// gateway: every error that can reach an HTTP handler carries a Kind, a
// machine-readable code, a localization key, and structured args, so the
// server middleware can render a consistent JSON envelope without knowing
// the concrete error type.
package bgerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for HTTP-status mapping and alerting.
type Kind int

const (
	KindUnknown Kind = iota

	// Authentication.
	KindTokenNotFound
	KindInvalidToken
	KindExpired
	KindTokenInactive
	KindInvalidIssuer
	KindInvalidAudience
	KindScopeEmpty
	KindRefreshTokenNotFound

	// Authorization.
	KindInsufficientPermission
	KindEntityNotApproved
	KindAccessRequestNotApproved
	KindAppClientMismatch
	KindUserMismatch
	KindAccessRequestIDMismatch

	// Configuration.
	KindAppRegInfoMissing

	// Upstream.
	KindAuthServiceAPIError
	KindHTTPMiddleware
	KindTokenExchange

	// Domain.
	KindEntityNotFound
	KindFileAlreadyExists
	KindRemoteModelNotFound
	KindValidation

	// Inference.
	KindExecNotExists
	KindUnreachable

	// I/O.
	KindDB
	KindSerialization
)

// httpStatus maps a Kind to the HTTP status the server middleware should
// respond with, per the propagation policy: 401 authentication, 403
// authorization, 400 validation, 404 not-found, 409 file-already-exists,
// 503 unreachable, 500 everything else.
var httpStatus = map[Kind]int{
	KindTokenNotFound:        http.StatusUnauthorized,
	KindInvalidToken:         http.StatusUnauthorized,
	KindExpired:              http.StatusUnauthorized,
	KindTokenInactive:        http.StatusUnauthorized,
	KindInvalidIssuer:        http.StatusUnauthorized,
	KindInvalidAudience:      http.StatusUnauthorized,
	KindScopeEmpty:           http.StatusUnauthorized,
	KindRefreshTokenNotFound: http.StatusUnauthorized,

	KindInsufficientPermission:  http.StatusForbidden,
	KindEntityNotApproved:       http.StatusForbidden,
	KindAccessRequestNotApproved: http.StatusForbidden,
	KindAppClientMismatch:       http.StatusForbidden,
	KindUserMismatch:            http.StatusForbidden,
	KindAccessRequestIDMismatch: http.StatusForbidden,

	KindAppRegInfoMissing: http.StatusInternalServerError,

	KindAuthServiceAPIError: http.StatusInternalServerError,
	KindHTTPMiddleware:      http.StatusInternalServerError,
	KindTokenExchange:       http.StatusInternalServerError,

	KindEntityNotFound:     http.StatusNotFound,
	KindFileAlreadyExists:  http.StatusConflict,
	KindRemoteModelNotFound: http.StatusNotFound,
	KindValidation:          http.StatusBadRequest,

	KindExecNotExists: http.StatusInternalServerError,
	KindUnreachable:   http.StatusServiceUnavailable,

	KindDB:            http.StatusInternalServerError,
	KindSerialization: http.StatusInternalServerError,
}

// envelopeType maps a Kind to the OpenAI-style error envelope "type" field.
var envelopeType = map[Kind]string{
	KindTokenNotFound:        "invalid_request_error",
	KindInvalidToken:         "invalid_request_error",
	KindExpired:              "invalid_request_error",
	KindTokenInactive:        "invalid_request_error",
	KindInvalidIssuer:        "invalid_request_error",
	KindInvalidAudience:      "invalid_request_error",
	KindScopeEmpty:           "invalid_request_error",
	KindRefreshTokenNotFound: "invalid_request_error",

	KindInsufficientPermission:   "permission_error",
	KindEntityNotApproved:        "permission_error",
	KindAccessRequestNotApproved: "permission_error",
	KindAppClientMismatch:        "permission_error",
	KindUserMismatch:             "permission_error",
	KindAccessRequestIDMismatch:  "permission_error",

	KindEntityNotFound:      "not_found_error",
	KindFileAlreadyExists:   "invalid_request_error",
	KindRemoteModelNotFound: "not_found_error",
	KindValidation:          "invalid_request_error",
}

// HTTPStatus returns the HTTP status for kind, defaulting to 500.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// EnvelopeType returns the OpenAI-style "type" field for kind, defaulting
// to "internal_server_error".
func (k Kind) EnvelopeType() string {
	if s, ok := envelopeType[k]; ok {
		return s
	}
	return "internal_server_error"
}

// Error is the common error type returned from every domain operation that
// can be surfaced to an HTTP response. LocKey is a localization message key
// (e.g. "error.token_expired"); Args carry the structured arguments a
// localized template would interpolate, such as {id}, {status}, {reason}.
type Error struct {
	Kind    Kind
	Code    string
	LocKey  string
	Args    map[string]string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a default message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, LocKey: code, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, code, format string, a ...any) *Error {
	return &Error{Kind: kind, Code: code, LocKey: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap wraps an underlying error as the given kind, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, LocKey: code, Message: cause.Error(), Cause: cause}
}

// WithArgs attaches structured localization args and returns e for chaining.
func (e *Error) WithArgs(args map[string]string) *Error {
	e.Args = args
	return e
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// --- Constructors for each error kind above ---

func TokenNotFound() *Error {
	return New(KindTokenNotFound, "token_not_found", "you didn't provide an API key")
}

func InvalidToken(reason string) *Error {
	return Newf(KindInvalidToken, "invalid_token", "invalid token: %s", reason).WithArgs(map[string]string{"reason": reason})
}

func Expired() *Error {
	return New(KindExpired, "token_expired", "token expired")
}

func TokenInactive() *Error {
	return New(KindTokenInactive, "token_inactive", "token is inactive")
}

func InvalidIssuer(iss string) *Error {
	return Newf(KindInvalidIssuer, "invalid_issuer", "invalid issuer: %s", iss).WithArgs(map[string]string{"iss": iss})
}

func InvalidAudience(aud string) *Error {
	return Newf(KindInvalidAudience, "invalid_audience", "invalid audience: %s", aud).WithArgs(map[string]string{"aud": aud})
}

func ScopeEmpty() *Error {
	return New(KindScopeEmpty, "scope_empty", "token carries no usable scope")
}

func RefreshTokenNotFound() *Error {
	return New(KindRefreshTokenNotFound, "refresh_token_not_found", "session has no refresh token")
}

func InsufficientPermission() *Error {
	return New(KindInsufficientPermission, "insufficient_permission", "insufficient permission")
}

func EntityNotApproved(entityID string) *Error {
	return Newf(KindEntityNotApproved, "entity_not_approved", "entity %s is not approved", entityID).
		WithArgs(map[string]string{"entity_id": entityID})
}

func AccessRequestNotApproved(id, status string) *Error {
	return Newf(KindAccessRequestNotApproved, "access_request_not_approved", "access request %s has status %s", id, status).
		WithArgs(map[string]string{"id": id, "status": status})
}

func AppClientMismatch(expected, found string) *Error {
	return Newf(KindAppClientMismatch, "app_client_mismatch", "expected app client %s, found %s", expected, found).
		WithArgs(map[string]string{"expected": expected, "found": found})
}

func UserMismatch(expected, found string) *Error {
	return Newf(KindUserMismatch, "user_mismatch", "expected user %s, found %s", expected, found).
		WithArgs(map[string]string{"expected": expected, "found": found})
}

func AccessRequestIDMismatch() *Error {
	return New(KindAccessRequestIDMismatch, "access_request_id_mismatch", "access request id mismatch")
}

func AppRegInfoMissing() *Error {
	return New(KindAppRegInfoMissing, "app_reg_info_missing", "application registration info is missing")
}

func AuthServiceAPIError(status int, body string) *Error {
	return Newf(KindAuthServiceAPIError, "auth_service_api_error", "auth service returned %d: %s", status, body).
		WithArgs(map[string]string{"status": fmt.Sprintf("%d", status), "body": body})
}

func TokenExchangeError(cause error) *Error {
	return Wrap(KindTokenExchange, "token_exchange_error", cause)
}

func EntityNotFound(kind, id string) *Error {
	return Newf(KindEntityNotFound, "entity_not_found", "%s %s not found", kind, id).
		WithArgs(map[string]string{"kind": kind, "id": id})
}

func FileAlreadyExists(path string) *Error {
	return Newf(KindFileAlreadyExists, "file_already_exists", "file already exists: %s", path).
		WithArgs(map[string]string{"path": path})
}

func RemoteModelNotFound(model string) *Error {
	return Newf(KindRemoteModelNotFound, "remote_model_not_found", "remote model not found: %s", model).
		WithArgs(map[string]string{"model": model})
}

func ValidationErrors(msg string) *Error {
	return New(KindValidation, "validation_error", msg)
}

func PromptTooLong(max, actual int) *Error {
	return Newf(KindValidation, "prompt_too_long", "prompt too long: max %d, got %d", max, actual).
		WithArgs(map[string]string{"max": fmt.Sprintf("%d", max), "actual": fmt.Sprintf("%d", actual)})
}

func ExecNotExists(path string) *Error {
	return Newf(KindExecNotExists, "exec_not_exists", "executable does not exist: %s", path).
		WithArgs(map[string]string{"path": path})
}

func Unreachable(reason string) *Error {
	return Newf(KindUnreachable, "unreachable", "unreachable: %s", reason).WithArgs(map[string]string{"reason": reason})
}

func DBError(cause error) *Error {
	return Wrap(KindDB, "db_error", cause)
}

func SerializationError(cause error) *Error {
	return Wrap(KindSerialization, "serialization_error", cause)
}
