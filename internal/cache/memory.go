// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package cache

import (
	"context"
	"sync"
	"time"
)

// janitorInterval is how often the memory cache sweeps expired entries.
// Expired entries are also filtered on Take, so the sweep only bounds
// memory growth.
const janitorInterval = time.Minute

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is a process-local Cache. Its contents are cleared on restart;
// it must never be the system of record for anything requiring durability.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	done    chan struct{}
	closed  sync.Once
}

// NewMemory creates a memory cache and starts its sweep goroutine.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Take returns and removes the value for key. Only the first caller wins.
func (m *Memory) Take(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(m.entries, key)
	if time.Now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Close stops the sweep goroutine.
func (m *Memory) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Compile-time interface check.
var _ Cache = (*Memory)(nil)
