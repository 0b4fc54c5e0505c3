package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	"github.com/Defman/unleash-edge/internal/app/domain/features"
)

const (
	redisTokensKey         = "unleash-edge:tokens"
	redisFeaturesKey       = "unleash-edge:features"
	redisRefreshTargetsKey = "unleash-edge:refresh_targets"
)

// RedisPersistence stores each collection as one JSON value in Redis.
type RedisPersistence struct {
	client *redis.Client
}

// RedisConfig wires the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisPersistence connects to Redis and verifies the connection.
func NewRedisPersistence(ctx context.Context, cfg RedisConfig) (*RedisPersistence, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPersistence{client: client}, nil
}

func (r *RedisPersistence) Name() string { return "redis" }

// Close releases the underlying connection pool.
func (r *RedisPersistence) Close() error {
	return r.client.Close()
}

func (r *RedisPersistence) SaveTokens(ctx context.Context, tokens []edgetoken.EdgeToken) error {
	return r.save(ctx, redisTokensKey, tokens)
}

func (r *RedisPersistence) LoadTokens(ctx context.Context) ([]edgetoken.EdgeToken, error) {
	var out []edgetoken.EdgeToken
	if err := r.load(ctx, redisTokensKey, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisPersistence) SaveFeatures(ctx context.Context, payloads []features.EnvironmentPayload) error {
	return r.save(ctx, redisFeaturesKey, payloads)
}

func (r *RedisPersistence) LoadFeatures(ctx context.Context) ([]features.EnvironmentPayload, error) {
	var out []features.EnvironmentPayload
	if err := r.load(ctx, redisFeaturesKey, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisPersistence) SaveRefreshTargets(ctx context.Context, targets []features.RefreshTarget) error {
	return r.save(ctx, redisRefreshTargetsKey, targets)
}

func (r *RedisPersistence) LoadRefreshTargets(ctx context.Context) ([]features.RefreshTarget, error) {
	var out []features.RefreshTarget
	if err := r.load(ctx, redisRefreshTargetsKey, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisPersistence) save(ctx context.Context, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisPersistence) load(ctx context.Context, key string, out interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
