// Package core provides the shared types and small abstractions the
// orchestration core is built from: request/session data model, sentinel
// errors, the Logger and Memory interfaces, and their default
// implementations.
//
// This file implements a Redis-backed Memory with key namespacing. It is
// used as the durable backing for the context store and the research task
// store. Keys are automatically prefixed with the namespace, e.g.
// "quorra:sessions:<session_id>".
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Memory implementation backed by Redis.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // key prefix, e.g. "quorra:sessions"
	Logger    Logger
}

// NewRedisStore creates a Redis-backed Memory and verifies connectivity.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("Redis store connected", map[string]interface{}{
		"operation": "redis_connect",
		"addr":      opts.Addr,
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

func (r *RedisStore) key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Get retrieves a value; a missing key returns "" without error.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with TTL (ttl <= 0 means no expiry).
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Exists checks whether a key is present.
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire resets the TTL on an existing key.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// Keys returns keys matching the pattern, with the namespace stripped.
func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.key(pattern)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %s: %w", pattern, err)
	}
	prefix := ""
	if r.namespace != "" {
		prefix = r.namespace + ":"
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
