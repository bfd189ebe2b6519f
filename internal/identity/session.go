// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	// DefaultSessionTTL is the sliding-expiry window. Sessions are kept
	// alive by traffic, not just by login.
	DefaultSessionTTL = 8 * time.Hour
)

// Session is a time-boxed authorization tied to one player and one device.
// For a given player at most one row has a nil RevokedAt at any time.
// Sessions are never deleted (kept for audit), only closed via RevokedAt -
// except as the losing side of an account merge.
type Session struct {
	ID        ulid.ULID
	PlayerID  ulid.ULID
	DeviceID  ulid.ULID
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// NewSession creates a validated Session instance.
func NewSession(playerID, deviceID ulid.ULID, ttl time.Duration) (*Session, error) {
	if playerID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_PLAYER").Errorf("player ID cannot be zero")
	}
	if deviceID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_DEVICE").Errorf("device ID cannot be zero")
	}
	if ttl <= 0 {
		return nil, oops.Code("SESSION_INVALID_TTL").With("ttl", ttl.String()).Errorf("ttl must be positive")
	}
	now := time.Now()
	return &Session{
		ID:        ulid.Make(),
		PlayerID:  playerID,
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return s.IsExpiredAt(time.Now())
}

// IsExpiredAt returns true if the session would be expired at the given time.
// Useful for testing with deterministic time values.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// IsActive reports whether the session is unrevoked and unexpired.
func (s *Session) IsActive() bool {
	return s.RevokedAt == nil && !s.IsExpired()
}

// SessionRepository manages session persistence. Replace is the only
// session-creating path and carries the single-active-session invariant.
type SessionRepository interface {
	// Replace revokes every currently-unrevoked session for
	// session.PlayerID and inserts session, atomically with respect to
	// concurrent Replace calls for the same player.
	Replace(ctx context.Context, session *Session) error

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// Revoke closes the session if it is currently unrevoked; revoking an
	// already-revoked or nonexistent session is a silent no-op.
	Revoke(ctx context.Context, sessionID ulid.ULID, at time.Time) error

	// ExtendExpiry pushes expires_at forward on a still-unrevoked session.
	// The expiry is never shortened.
	ExtendExpiry(ctx context.Context, sessionID ulid.ULID, expiresAt time.Time) error
}
