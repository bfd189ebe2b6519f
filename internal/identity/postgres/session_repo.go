// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/identity"
)

// SessionRepository implements identity.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool db
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool db) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Replace revokes every currently-unrevoked session for the player and
// inserts the new one, in a single transaction. The player row is locked
// FOR UPDATE for the duration so concurrent Replace calls for the same
// player serialize; doing the revoke and insert as two separate statements
// would let two sessions briefly coexist as active.
func (r *SessionRepository) Replace(ctx context.Context, session *identity.Session) error {
	return withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return oops.Code("TX_BEGIN_FAILED").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		var playerID string
		err = tx.QueryRow(ctx, `
			SELECT player_id FROM players WHERE player_id = $1 FOR UPDATE
		`, session.PlayerID.String()).Scan(&playerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return oops.Code("PLAYER_NOT_FOUND").
				With("player_id", session.PlayerID.String()).
				Wrap(identity.ErrNotFound)
		}
		if err != nil {
			return oops.Code("SESSION_REPLACE_FAILED").
				With("operation", "lock player").
				Wrap(err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE sessions SET revoked_at = $2
			WHERE player_id = $1 AND revoked_at IS NULL
		`, session.PlayerID.String(), session.CreatedAt)
		if err != nil {
			return oops.Code("SESSION_REPLACE_FAILED").
				With("operation", "revoke active sessions").
				With("player_id", session.PlayerID.String()).
				Wrap(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sessions (session_id, player_id, device_id, created_at, expires_at, revoked_at)
			VALUES ($1, $2, $3, $4, $5, NULL)
		`,
			session.ID.String(),
			session.PlayerID.String(),
			session.DeviceID.String(),
			session.CreatedAt,
			session.ExpiresAt,
		)
		if err != nil {
			return oops.Code("SESSION_REPLACE_FAILED").
				With("operation", "insert session").
				With("player_id", session.PlayerID.String()).
				Wrap(err)
		}

		if err := tx.Commit(ctx); err != nil {
			return oops.Code("TX_COMMIT_FAILED").Wrap(err)
		}
		return nil
	})
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*identity.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT session_id, player_id, device_id, created_at, expires_at, revoked_at
		FROM sessions WHERE session_id = $1
	`, id.String())

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("session_id", id.String()).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").
			With("operation", "get session by id").
			With("session_id", id.String()).
			Wrap(err)
	}
	return session, nil
}

// Revoke closes the session if it is currently unrevoked. Revoking an
// already-revoked or missing session is a silent no-op.
func (r *SessionRepository) Revoke(ctx context.Context, sessionID ulid.ULID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE session_id = $1 AND revoked_at IS NULL
	`, sessionID.String(), at)
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// ExtendExpiry pushes expires_at forward on a still-unrevoked session.
// The guard clause keeps the expiry monotonic: it is never shortened.
func (r *SessionRepository) ExtendExpiry(ctx context.Context, sessionID ulid.ULID, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET expires_at = $2
		WHERE session_id = $1 AND revoked_at IS NULL AND expires_at < $2
	`, sessionID.String(), expiresAt)
	if err != nil {
		return oops.Code("SESSION_EXTEND_FAILED").
			With("operation", "extend expiry").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// scanSession scans a single row into a Session.
// Propagates pgx.ErrNoRows unchanged for callers to handle with context.
func scanSession(row pgx.Row) (*identity.Session, error) {
	var (
		idStr       string
		playerIDStr string
		deviceIDStr string
		createdAt   time.Time
		expiresAt   time.Time
		revokedAt   *time.Time
	)
	err := row.Scan(&idStr, &playerIDStr, &deviceIDStr, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("session_id", idStr).
			Wrap(err)
	}
	playerID, err := ulid.Parse(playerIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_PLAYER_ID").
			With("player_id", playerIDStr).
			Wrap(err)
	}
	deviceID, err := ulid.Parse(deviceIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_DEVICE_ID").
			With("device_id", deviceIDStr).
			Wrap(err)
	}
	return &identity.Session{
		ID:        id,
		PlayerID:  playerID,
		DeviceID:  deviceID,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		RevokedAt: revokedAt,
	}, nil
}

// Compile-time interface check.
var _ identity.SessionRepository = (*SessionRepository)(nil)
