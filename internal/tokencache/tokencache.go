// Package tokencache caches token-exchange results keyed by a content
// hash of the incoming token rather than by any claim inside it. Keying
// by content hash, not by JTI, is what defeats a forged token that reuses
// a legitimate token's jti with a different subject or scope: the forged
// token hashes to a different digest and so can never read the
// legitimate token's cached exchange.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// Entry is a cached token-exchange result.
type Entry struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Cache caches Entry values keyed by "exchanged_token:{digest}", where
// digest is the first 12 hex characters of the SHA-256 hash of the raw
// incoming bearer token.
type Cache struct {
	cache *otter.Cache[string, Entry]
}

// maxTTL bounds how long otter retains an entry before its own expiry
// sweep; the authoritative expiry check is still the ExpiresAt comparison
// in Get, exactly as cache.Memory checks its own expiresAt field rather
// than trusting otter's writing-TTL alone.
const maxTTL = 24 * time.Hour

// New creates a token-exchange cache bounded by maxSize entries.
func New(maxSize int) (*Cache, error) {
	c, err := otter.New[string, Entry](&otter.Options[string, Entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, Entry](maxTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &Cache{cache: c}, nil
}

// Digest returns the cache-key digest for a raw token: the first 12 hex
// characters of its SHA-256 hash.
func Digest(rawToken string) string {
	h := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(h[:])[:12]
}

// key builds the full cache key for a digest.
func key(digest string) string {
	return "exchanged_token:" + digest
}

// Get returns the cached exchange result for rawToken, if present and not
// expired.
func (c *Cache) Get(_ context.Context, rawToken string) (Entry, bool) {
	e, ok := c.cache.GetIfPresent(key(Digest(rawToken)))
	if !ok {
		return Entry{}, false
	}
	if !time.Now().Before(e.ExpiresAt) {
		c.cache.Invalidate(key(Digest(rawToken)))
		return Entry{}, false
	}
	return e, true
}

// Set caches the exchange result for rawToken.
func (c *Cache) Set(_ context.Context, rawToken string, e Entry) {
	c.cache.Set(key(Digest(rawToken)), e)
}

// Invalidate removes any cached exchange for rawToken.
func (c *Cache) Invalidate(rawToken string) {
	c.cache.Invalidate(key(Digest(rawToken)))
}
