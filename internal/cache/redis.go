// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// Redis is a Cache backed by a Redis server, for deployments where
// transfer links must survive a process restart or span replicas.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given Redis URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("CACHE_REDIS_URL_INVALID").Wrap(err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, oops.Code("CACHE_REDIS_CONNECT_FAILED").Wrap(err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client (for testing).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return oops.Code("CACHE_SET_FAILED").With("operation", "SET").Wrap(err)
	}
	return nil
}

// Take returns and removes the value for key. GETDEL makes the get+delete
// atomic on the server: concurrent callers cannot both observe the value.
func (r *Redis) Take(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.Code("CACHE_TAKE_FAILED").With("operation", "GETDEL").Wrap(err)
	}
	return value, true, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	//nolint:wrapcheck // close error passthrough
	return r.client.Close()
}

// Compile-time interface check.
var _ Cache = (*Redis)(nil)
