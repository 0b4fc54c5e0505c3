package cache

import (
	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

// RefreshTargetCache maps token strings to their refresh bookkeeping. The
// validator registers targets through the refresher, which applies the
// subsumption rule; the refresher also updates timestamps and removes
// targets whose tokens were revoked upstream.
type RefreshTargetCache struct {
	inner *shardedMap
}

// NewRefreshTargetCache creates an empty refresh target cache.
func NewRefreshTargetCache() *RefreshTargetCache {
	return &RefreshTargetCache{inner: newShardedMap()}
}

// Get returns a copy of the target for token, if present.
func (c *RefreshTargetCache) Get(token string) (*features.RefreshTarget, bool) {
	v, ok := c.inner.get(token)
	if !ok {
		return nil, false
	}
	return v.(*features.RefreshTarget).Clone(), true
}

// Set publishes a target.
func (c *RefreshTargetCache) Set(target *features.RefreshTarget) {
	c.inner.set(target.Token.Token, target.Clone())
}

// Update applies fn to the target under its shard lock. fn receives a
// private copy and returns the target to publish, or nil to delete it. A nil
// input means the target no longer exists; fn may still return a new one.
func (c *RefreshTargetCache) Update(token string, fn func(current *features.RefreshTarget) *features.RefreshTarget) {
	c.inner.update(token, func(current interface{}) interface{} {
		var target *features.RefreshTarget
		if current != nil {
			target = current.(*features.RefreshTarget).Clone()
		}
		next := fn(target)
		if next == nil {
			return nil
		}
		return next
	})
}

// Delete removes the target for token.
func (c *RefreshTargetCache) Delete(token string) {
	c.inner.delete(token)
}

// Snapshot returns copies of all targets for persistence and tick fan-out.
func (c *RefreshTargetCache) Snapshot() []features.RefreshTarget {
	out := make([]features.RefreshTarget, 0, c.inner.len())
	c.inner.rangeAll(func(_ string, value interface{}) bool {
		out = append(out, *value.(*features.RefreshTarget).Clone())
		return true
	})
	return out
}

// Len returns the number of registered targets.
func (c *RefreshTargetCache) Len() int {
	return c.inner.len()
}
