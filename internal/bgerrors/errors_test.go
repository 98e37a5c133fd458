package bgerrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		want int
	}{
		{name: "token not found", kind: KindTokenNotFound, want: http.StatusUnauthorized},
		{name: "expired", kind: KindExpired, want: http.StatusUnauthorized},
		{name: "insufficient permission", kind: KindInsufficientPermission, want: http.StatusForbidden},
		{name: "access request not approved", kind: KindAccessRequestNotApproved, want: http.StatusForbidden},
		{name: "validation", kind: KindValidation, want: http.StatusBadRequest},
		{name: "entity not found", kind: KindEntityNotFound, want: http.StatusNotFound},
		{name: "remote model not found", kind: KindRemoteModelNotFound, want: http.StatusNotFound},
		{name: "db error", kind: KindDB, want: http.StatusInternalServerError},
		{name: "unreachable", kind: KindUnreachable, want: http.StatusServiceUnavailable},
		{name: "unknown kind defaults to 500", kind: KindUnknown, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEnvelopeType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindTokenNotFound, "invalid_request_error"},
		{KindInsufficientPermission, "permission_error"},
		{KindEntityNotFound, "not_found_error"},
		{KindDB, "internal_server_error"},
	}

	for _, tt := range tests {
		if got := tt.kind.EnvelopeType(); got != tt.want {
			t.Errorf("EnvelopeType(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	t.Run("TokenNotFound message", func(t *testing.T) {
		t.Parallel()
		err := TokenNotFound()
		if err.Kind != KindTokenNotFound {
			t.Errorf("Kind = %v, want KindTokenNotFound", err.Kind)
		}
		if err.Error() != "you didn't provide an API key" {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("AccessRequestNotApproved carries args", func(t *testing.T) {
		t.Parallel()
		err := AccessRequestNotApproved("req-1", "pending")
		if err.Args["id"] != "req-1" || err.Args["status"] != "pending" {
			t.Errorf("Args = %v", err.Args)
		}
	})

	t.Run("AppClientMismatch carries expected/found", func(t *testing.T) {
		t.Parallel()
		err := AppClientMismatch("client-a", "client-b")
		if err.Args["expected"] != "client-a" || err.Args["found"] != "client-b" {
			t.Errorf("Args = %v", err.Args)
		}
	})
}

func TestWrapAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	wrapped := TokenExchangeError(cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find wrapped cause")
	}
	if wrapped.Kind != KindTokenExchange {
		t.Errorf("Kind = %v, want KindTokenExchange", wrapped.Kind)
	}
}

func TestAs(t *testing.T) {
	t.Parallel()

	t.Run("matches bgerrors.Error", func(t *testing.T) {
		t.Parallel()
		var err error = EntityNotFound("alias", "my-model")
		got, ok := As(err)
		if !ok {
			t.Fatal("expected As to match")
		}
		if got.Kind != KindEntityNotFound {
			t.Errorf("Kind = %v, want KindEntityNotFound", got.Kind)
		}
	})

	t.Run("does not match plain error", func(t *testing.T) {
		t.Parallel()
		if _, ok := As(errors.New("plain")); ok {
			t.Error("expected As to not match a plain error")
		}
	})

	t.Run("matches through wrapping with errors.Join", func(t *testing.T) {
		t.Parallel()
		base := ExecNotExists("/usr/bin/llama-server")
		wrapped := errors.Join(base)
		got, ok := As(wrapped)
		if !ok {
			t.Fatal("expected As to unwrap through errors.Join")
		}
		if got.Kind != KindExecNotExists {
			t.Errorf("Kind = %v, want KindExecNotExists", got.Kind)
		}
	})
}
