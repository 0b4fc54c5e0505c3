package cache

import (
	"github.com/Defman/unleash-edge/internal/app/domain/features"
	"github.com/Defman/unleash-edge/internal/app/engine"
)

// revision pairs a feature payload with the engine compiled from it. The
// pair is published as one pointer so a reader can never pair an engine with
// a payload of a different ETag.
type revision struct {
	payload *features.ClientFeatures
	engine  *engine.Engine
}

// FeatureCache holds the current feature payload and evaluation engine per
// environment key. Entries are created and replaced by the feature
// refresher, never deleted.
type FeatureCache struct {
	inner *shardedMap
}

// NewFeatureCache creates an empty feature cache.
func NewFeatureCache() *FeatureCache {
	return &FeatureCache{inner: newShardedMap()}
}

// Features returns the payload cached for the environment.
func (c *FeatureCache) Features(environment string) (*features.ClientFeatures, bool) {
	v, ok := c.inner.get(environment)
	if !ok {
		return nil, false
	}
	return v.(*revision).payload, true
}

// Engine returns the evaluation engine cached for the environment.
func (c *FeatureCache) Engine(environment string) (*engine.Engine, bool) {
	v, ok := c.inner.get(environment)
	if !ok {
		return nil, false
	}
	return v.(*revision).engine, true
}

// Etag returns the ETag of the environment's current payload.
func (c *FeatureCache) Etag(environment string) (string, bool) {
	v, ok := c.inner.get(environment)
	if !ok {
		return "", false
	}
	return v.(*revision).payload.Etag, true
}

// SetRevision atomically replaces the environment's payload and engine.
func (c *FeatureCache) SetRevision(environment string, payload *features.ClientFeatures, eng *engine.Engine) {
	c.inner.set(environment, &revision{payload: payload, engine: eng})
}

// Snapshot exports every environment's payload for persistence.
func (c *FeatureCache) Snapshot() []features.EnvironmentPayload {
	out := make([]features.EnvironmentPayload, 0, c.inner.len())
	c.inner.rangeAll(func(key string, value interface{}) bool {
		out = append(out, features.EnvironmentPayload{
			Environment: key,
			Payload:     *value.(*revision).payload,
		})
		return true
	})
	return out
}

// Len returns the number of cached environments.
func (c *FeatureCache) Len() int {
	return c.inner.len()
}
