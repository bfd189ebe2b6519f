// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionInfo is the reverse-lookup result for a session: who holds it and
// from which device.
type SessionInfo struct {
	PlayerID ulid.ULID
	DeviceID ulid.ULID
	ShortID  string
}

// SessionService enforces the single-active-session invariant per player.
// State machine per player: no-active-session -> active -> (expired |
// revoked) -> no-active-session.
type SessionService struct {
	sessions SessionRepository
	players  DirectoryRepository
	ttl      time.Duration
	logger   *slog.Logger
}

// NewSessionService creates a SessionService with the default TTL.
func NewSessionService(sessions SessionRepository, players DirectoryRepository) (*SessionService, error) {
	return NewSessionServiceWithOptions(sessions, players, DefaultSessionTTL, slog.Default())
}

// NewSessionServiceWithOptions creates a SessionService with an explicit
// sliding-expiry TTL and logger.
func NewSessionServiceWithOptions(sessions SessionRepository, players DirectoryRepository, ttl time.Duration, logger *slog.Logger) (*SessionService, error) {
	if sessions == nil {
		return nil, oops.Code("SESSIONS_INVALID_DEPS").Errorf("session repository is required")
	}
	if players == nil {
		return nil, oops.Code("SESSIONS_INVALID_DEPS").Errorf("directory repository is required")
	}
	if ttl <= 0 {
		return nil, oops.Code("SESSIONS_INVALID_DEPS").With("ttl", ttl.String()).Errorf("ttl must be positive")
	}
	if logger == nil {
		return nil, oops.Code("SESSIONS_INVALID_DEPS").Errorf("logger is required")
	}
	return &SessionService{sessions: sessions, players: players, ttl: ttl, logger: logger}, nil
}

// TTL returns the service's sliding-expiry window.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// CreateOrReplace revokes any currently active session for the player and
// creates a new one, in a single transaction. This is what keeps "exactly
// one active session" true even under concurrent login attempts.
func (s *SessionService) CreateOrReplace(ctx context.Context, playerID, deviceID ulid.ULID, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	session, err := NewSession(playerID, deviceID, ttl)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Replace(ctx, session); err != nil {
		return nil, oops.Code("SESSION_REPLACE_FAILED").
			With("operation", "Replace").
			With("player_id", playerID.String()).
			Wrap(err)
	}
	return session, nil
}

// Validate reports whether the session is valid: it exists, belongs to the
// player, is unrevoked, and is unexpired. An expired-but-unrevoked row is
// lazily revoked on read. When valid and sliding is set, the expiry is
// pushed forward to now + TTL; repeated sliding validations never shorten
// the expiry.
func (s *SessionService) Validate(ctx context.Context, playerID, sessionID ulid.ULID, sliding bool) (bool, error) {
	session, err := s.getLive(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil || session.PlayerID.Compare(playerID) != 0 {
		return false, nil
	}
	if sliding {
		s.slide(ctx, session)
	}
	return true, nil
}

// RevokeIfActive revokes the session if it is the currently unrevoked row
// for that player and id. Logout is idempotent: revoking an already-revoked
// or nonexistent session is a silent no-op.
func (s *SessionService) RevokeIfActive(ctx context.Context, playerID, sessionID ulid.ULID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "GetByID").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	if session.PlayerID.Compare(playerID) != 0 || session.RevokedAt != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, sessionID, time.Now()); err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "Revoke").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// TryGet is the reverse lookup used by cross-device "who is this session"
// queries. Returns nil when the session is unknown, revoked, or expired.
// When extend is set the expiry slides like Validate.
func (s *SessionService) TryGet(ctx context.Context, sessionID ulid.ULID, extend bool) (*SessionInfo, error) {
	session, err := s.getLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if extend {
		s.slide(ctx, session)
	}

	info := &SessionInfo{PlayerID: session.PlayerID, DeviceID: session.DeviceID}
	player, err := s.players.GetPlayer(ctx, session.PlayerID)
	if err == nil {
		info.ShortID = player.ShortID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("SESSION_LOOKUP_FAILED").
			With("operation", "GetPlayer").
			With("player_id", session.PlayerID.String()).
			Wrap(err)
	}
	return info, nil
}

// getLive fetches a session and applies lazy expiry. Returns nil for
// unknown, revoked, or expired sessions.
func (s *SessionService) getLive(ctx context.Context, sessionID ulid.ULID) (*Session, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("SESSION_LOOKUP_FAILED").
			With("operation", "GetByID").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	if session.RevokedAt != nil {
		return nil, nil
	}
	if session.IsExpired() {
		// Lazy revocation: an expired row is closed on first read rather
		// than by a background sweep.
		if err := s.sessions.Revoke(ctx, sessionID, time.Now()); err != nil {
			s.logger.Warn("lazy revoke failed",
				"session_id", sessionID.String(),
				"error", err)
		}
		return nil, nil
	}
	return session, nil
}

// slide pushes the session expiry to now + TTL. Best effort: validation
// succeeds regardless.
func (s *SessionService) slide(ctx context.Context, session *Session) {
	expiresAt := time.Now().Add(s.ttl)
	if expiresAt.Before(session.ExpiresAt) {
		return
	}
	if err := s.sessions.ExtendExpiry(ctx, session.ID, expiresAt); err != nil {
		s.logger.Warn("sliding expiry update failed",
			"session_id", session.ID.String(),
			"error", err)
		return
	}
	session.ExpiresAt = expiresAt
}
