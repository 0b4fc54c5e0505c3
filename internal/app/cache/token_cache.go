package cache

import (
	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
)

// TokenCache maps token strings to their validated records. Entries are
// created by the token validator and live for the process lifetime.
type TokenCache struct {
	inner *shardedMap
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{inner: newShardedMap()}
}

// Get returns the record for token, if present.
func (c *TokenCache) Get(token string) (edgetoken.EdgeToken, bool) {
	v, ok := c.inner.get(token)
	if !ok {
		return edgetoken.EdgeToken{}, false
	}
	return *v.(*edgetoken.EdgeToken), true
}

// Set publishes a token record.
func (c *TokenCache) Set(token edgetoken.EdgeToken) {
	record := token
	c.inner.set(token.Token, &record)
}

// Invalidate marks an existing record invalid, keeping it cached so later
// requests short-circuit without upstream traffic.
func (c *TokenCache) Invalidate(token string) {
	c.inner.update(token, func(current interface{}) interface{} {
		if current == nil {
			return nil
		}
		record := *current.(*edgetoken.EdgeToken)
		record.Status = edgetoken.StatusInvalid
		return &record
	})
}

// Snapshot returns all records for persistence.
func (c *TokenCache) Snapshot() []edgetoken.EdgeToken {
	out := make([]edgetoken.EdgeToken, 0, c.inner.len())
	c.inner.rangeAll(func(_ string, value interface{}) bool {
		out = append(out, *value.(*edgetoken.EdgeToken))
		return true
	})
	return out
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int {
	return c.inner.len()
}
