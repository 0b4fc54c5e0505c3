// Package persistence snapshots the edge caches so a restart comes back
// warm. The backing store is pluggable; the core treats payloads as opaque.
package persistence

import (
	"context"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

// EdgePersistence is the capability set a snapshot backend implements.
// Failed loads are reported as errors; the caller treats them as "empty".
type EdgePersistence interface {
	Name() string

	SaveTokens(ctx context.Context, tokens []edgetoken.EdgeToken) error
	LoadTokens(ctx context.Context) ([]edgetoken.EdgeToken, error)

	SaveFeatures(ctx context.Context, payloads []features.EnvironmentPayload) error
	LoadFeatures(ctx context.Context) ([]features.EnvironmentPayload, error)

	SaveRefreshTargets(ctx context.Context, targets []features.RefreshTarget) error
	LoadRefreshTargets(ctx context.Context) ([]features.RefreshTarget, error)
}

// NoPersistence is the "none" backend: saves succeed without effect and
// loads return empty state.
type NoPersistence struct{}

func (NoPersistence) Name() string { return "none" }

func (NoPersistence) SaveTokens(context.Context, []edgetoken.EdgeToken) error { return nil }

func (NoPersistence) LoadTokens(context.Context) ([]edgetoken.EdgeToken, error) { return nil, nil }

func (NoPersistence) SaveFeatures(context.Context, []features.EnvironmentPayload) error { return nil }

func (NoPersistence) LoadFeatures(context.Context) ([]features.EnvironmentPayload, error) {
	return nil, nil
}

func (NoPersistence) SaveRefreshTargets(context.Context, []features.RefreshTarget) error { return nil }

func (NoPersistence) LoadRefreshTargets(context.Context) ([]features.RefreshTarget, error) {
	return nil, nil
}
