// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package cache provides an expiring key-value store with atomic take
// semantics, used for one-time transfer tokens. The cache is advisory
// only: losing it invalidates pending tokens but never violates a
// durable-store invariant.
package cache

import (
	"context"
	"time"
)

// Cache is an expiring key-value store. Take is atomic get+delete: for a
// given key, at most one Take observes the value regardless of how many
// callers race.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Take returns the value for key and removes it in the same step.
	// Returns ("", false, nil) when the key is absent or expired.
	Take(ctx context.Context, key string) (string, bool, error)

	// Close releases any background resources.
	Close() error
}
