package tokencache

import (
	"context"
	"testing"
	"time"
)

func TestDigest_DeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	if Digest("token-a") != Digest("token-a") {
		t.Error("Digest not deterministic")
	}
	if Digest("token-a") == Digest("token-b") {
		t.Error("distinct tokens produced same digest")
	}
	if len(Digest("token-a")) != 12 {
		t.Errorf("Digest len = %d, want 12", len(Digest("token-a")))
	}
}

func TestCache_SetGet(t *testing.T) {
	t.Parallel()
	c, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	entry := Entry{AccessToken: "exchanged-abc", ExpiresAt: time.Now().Add(time.Hour)}
	c.Set(ctx, "raw-token-1", entry)

	got, ok := c.Get(ctx, "raw-token-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.AccessToken != entry.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, entry.AccessToken)
	}
}

func TestCache_ExpiredEntryMisses(t *testing.T) {
	t.Parallel()
	c, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "raw-token-2", Entry{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)})
	if _, ok := c.Get(ctx, "raw-token-2"); ok {
		t.Error("expected miss for expired entry")
	}
}

func TestCache_JTIForgeryDefense(t *testing.T) {
	t.Parallel()
	c, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// Two distinct raw tokens that might carry the same jti claim still
	// hash to distinct digests, so caching one never leaks to the other.
	legit := "bodhiapp-session-token-legit-jti-xyz"
	forged := "bodhiapp-session-token-forged-jti-xyz"

	c.Set(ctx, legit, Entry{AccessToken: "legit-exchanged", ExpiresAt: time.Now().Add(time.Hour)})

	if _, ok := c.Get(ctx, forged); ok {
		t.Error("forged token must not hit the legitimate token's cache entry")
	}
	got, ok := c.Get(ctx, legit)
	if !ok || got.AccessToken != "legit-exchanged" {
		t.Error("legitimate token's own cache entry should remain retrievable")
	}
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()
	c, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	c.Set(ctx, "raw-token-3", Entry{AccessToken: "x", ExpiresAt: time.Now().Add(time.Hour)})
	c.Invalidate("raw-token-3")
	if _, ok := c.Get(ctx, "raw-token-3"); ok {
		t.Error("expected miss after Invalidate")
	}
}
