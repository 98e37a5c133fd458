package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "prefix only", raw: APITokenPrefix},
		{name: "typical token", raw: "bodhiapp_abc123xyz"},
		{name: "long token", raw: "bodhiapp_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashKey len = %d, want 64", len(got))
			}
		})
	}

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		if HashKey("token") != HashKey("token") {
			t.Error("HashKey is not deterministic")
		}
	})

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashKey("token1") == HashKey("token2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestTokenScope_StringAndParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scope TokenScope
		wire  string
	}{
		{TokenScopeUser, "scope_token_user"},
		{TokenScopePowerUser, "scope_token_power_user"},
		{TokenScopeManager, "scope_token_manager"},
		{TokenScopeAdmin, "scope_token_admin"},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			t.Parallel()
			if got := tt.scope.String(); got != tt.wire {
				t.Errorf("String() = %q, want %q", got, tt.wire)
			}
			got, ok := ParseTokenScope(tt.wire)
			if !ok {
				t.Fatalf("ParseTokenScope(%q) not ok", tt.wire)
			}
			if got != tt.scope {
				t.Errorf("ParseTokenScope(%q) = %v, want %v", tt.wire, got, tt.scope)
			}
		})
	}

	t.Run("unknown scope string", func(t *testing.T) {
		t.Parallel()
		if _, ok := ParseTokenScope("scope_token_bogus"); ok {
			t.Error("expected ok=false for unknown scope")
		}
	})

	t.Run("ordering", func(t *testing.T) {
		t.Parallel()
		if !(TokenScopeUser < TokenScopePowerUser && TokenScopePowerUser < TokenScopeManager && TokenScopeManager < TokenScopeAdmin) {
			t.Error("TokenScope lattice ordering violated")
		}
	})
}

func TestResourceRole_CanIssue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		role  ResourceRole
		scope TokenScope
		want  bool
	}{
		{name: "admin can issue user scope", role: ResourceRoleAdmin, scope: TokenScopeUser, want: true},
		{name: "admin capped at power_user ceiling", role: ResourceRoleAdmin, scope: TokenScopeManager, want: false},
		{name: "power_user can issue power_user scope", role: ResourceRolePowerUser, scope: TokenScopePowerUser, want: true},
		{name: "user cannot issue power_user scope", role: ResourceRoleUser, scope: TokenScopePowerUser, want: false},
		{name: "user can issue user scope", role: ResourceRoleUser, scope: TokenScopeUser, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.role.CanIssue(tt.scope); got != tt.want {
				t.Errorf("CanIssue(%v) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestAuthContext_Can(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		auth *AuthContext
		req  TokenScope
		want bool
	}{
		{name: "nil context", auth: nil, req: TokenScopeUser, want: false},
		{name: "anonymous", auth: &AuthContext{Kind: AuthContextAnonymous}, req: TokenScopeUser, want: false},
		{
			name: "token scope exact match",
			auth: &AuthContext{Kind: AuthContextExternalApp, Scope: TokenResourceScope(TokenScopeManager)},
			req:  TokenScopeManager,
			want: true,
		},
		{
			name: "token scope insufficient",
			auth: &AuthContext{Kind: AuthContextExternalApp, Scope: TokenResourceScope(TokenScopeUser)},
			req:  TokenScopeAdmin,
			want: false,
		},
		{
			name: "user scope superset",
			auth: &AuthContext{Kind: AuthContextSession, Scope: UserResourceScope(UserScopeAdmin)},
			req:  TokenScopeManager,
			want: true,
		},
		{
			name: "user scope insufficient",
			auth: &AuthContext{Kind: AuthContextSession, Scope: UserResourceScope(UserScopeUser)},
			req:  TokenScopePowerUser,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.auth.Can(tt.req); got != tt.want {
				t.Errorf("Can(%v) = %v, want %v", tt.req, got, tt.want)
			}
		})
	}
}

func TestRequestParams_Update(t *testing.T) {
	t.Parallel()

	temp := 0.5
	maxTok := 128

	t.Run("fills unset fields", func(t *testing.T) {
		t.Parallel()
		req := &ChatRequest{}
		p := RequestParams{Temperature: &temp, MaxTokens: &maxTok}
		p.Update(req)
		if req.Temperature == nil || *req.Temperature != temp {
			t.Errorf("Temperature not applied")
		}
		if req.MaxTokens == nil || *req.MaxTokens != maxTok {
			t.Errorf("MaxTokens not applied")
		}
	})

	t.Run("does not override explicit request fields", func(t *testing.T) {
		t.Parallel()
		explicit := 0.9
		req := &ChatRequest{Temperature: &explicit}
		p := RequestParams{Temperature: &temp}
		p.Update(req)
		if *req.Temperature != explicit {
			t.Errorf("Temperature overridden: got %v, want %v", *req.Temperature, explicit)
		}
	})
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			got := RequestIDFromContext(ctx)
			if got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		got := RequestIDFromContext(context.Background())
		if got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithAuth_AuthFromContext(t *testing.T) {
	t.Parallel()

	t.Run("set on bare context", func(t *testing.T) {
		t.Parallel()
		auth := &AuthContext{Kind: AuthContextSession, UserID: "user-1", Role: "admin"}
		ctx := ContextWithAuth(context.Background(), auth)
		got := AuthFromContext(ctx)
		if got != auth {
			t.Errorf("AuthFromContext = %v, want %v", got, auth)
		}
	})

	t.Run("mutates existing meta", func(t *testing.T) {
		t.Parallel()
		// Simulate middleware: requestID set first, auth added later.
		ctx := ContextWithRequestID(context.Background(), "req-xyz")
		auth := &AuthContext{Kind: AuthContextExternalApp, AppClientID: "client-1"}
		ctx2 := ContextWithAuth(ctx, auth)
		// Same context pointer (no new WithValue).
		if ctx2 != ctx {
			t.Error("ContextWithAuth should return same ctx when meta already present")
		}
		if got := AuthFromContext(ctx2); got != auth {
			t.Errorf("AuthFromContext = %v, want %v", got, auth)
		}
		// Request ID must still be intact.
		if got := RequestIDFromContext(ctx2); got != "req-xyz" {
			t.Errorf("RequestIDFromContext after ContextWithAuth = %q, want req-xyz", got)
		}
	})

	t.Run("nil auth", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithAuth(context.Background(), nil)
		if got := AuthFromContext(ctx); got != nil {
			t.Errorf("expected nil auth, got %v", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := AuthFromContext(context.Background()); got != nil {
			t.Errorf("AuthFromContext on bare ctx = %v, want nil", got)
		}
	})
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	t.Run("nil on bare context", func(t *testing.T) {
		t.Parallel()
		if m := metaFromContext(context.Background()); m != nil {
			t.Errorf("expected nil, got %v", m)
		}
	})

	t.Run("returns stored meta", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r1")
		m := metaFromContext(ctx)
		if m == nil {
			t.Fatal("expected non-nil meta")
		}
		if m.RequestID != "r1" {
			t.Errorf("RequestID = %q, want r1", m.RequestID)
		}
	})

	t.Run("mutation visible through same ctx", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "r2")
		m := metaFromContext(ctx)
		auth := &AuthContext{Kind: AuthContextSession, UserID: "mutated"}
		m.Auth = auth
		if got := AuthFromContext(ctx); got != auth {
			t.Errorf("mutated auth not visible: got %v", got)
		}
	})
}
