// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/identity"
)

const playerColumns = "player_id, short_id, email, email_verified_at, created_at, updated_at"

// DirectoryRepository implements identity.DirectoryRepository using
// PostgreSQL. Merge and email-claim operations run as single transactions
// with FOR UPDATE locks on the contended player rows.
type DirectoryRepository struct {
	pool db
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(pool db) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

// GetPlayer retrieves a player by ID.
func (r *DirectoryRepository) GetPlayer(ctx context.Context, id ulid.ULID) (*identity.Player, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players WHERE player_id = $1
	`, id.String())

	player, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PLAYER_NOT_FOUND").
			With("player_id", id.String()).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PLAYER_GET_FAILED").
			With("operation", "get player by id").
			With("player_id", id.String()).
			Wrap(err)
	}
	return player, nil
}

// GetPlayerByShortID retrieves a player by short id (case-insensitive).
func (r *DirectoryRepository) GetPlayerByShortID(ctx context.Context, shortID string) (*identity.Player, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players WHERE short_id = $1
	`, strings.ToUpper(strings.TrimSpace(shortID)))

	player, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PLAYER_NOT_FOUND").
			With("short_id", shortID).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PLAYER_GET_BY_SHORT_ID_FAILED").
			With("operation", "get player by short id").
			With("short_id", shortID).
			Wrap(err)
	}
	return player, nil
}

// GetPlayerByEmail retrieves a player by email. The email column is citext,
// so the comparison is case-insensitive.
func (r *DirectoryRepository) GetPlayerByEmail(ctx context.Context, email string) (*identity.Player, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players WHERE email = $1
	`, email)

	player, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PLAYER_NOT_FOUND").Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PLAYER_GET_BY_EMAIL_FAILED").
			With("operation", "get player by email").
			Wrap(err)
	}
	return player, nil
}

// GetDevice retrieves a device by ID.
func (r *DirectoryRepository) GetDevice(ctx context.Context, id ulid.ULID) (*identity.Device, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT device_id, player_id, created_at, last_seen_at
		FROM devices WHERE device_id = $1
	`, id.String())

	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("DEVICE_NOT_FOUND").
			With("device_id", id.String()).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("DEVICE_GET_FAILED").
			With("operation", "get device by id").
			With("device_id", id.String()).
			Wrap(err)
	}
	return device, nil
}

// ShortIDInUse reports whether a short id is already assigned.
func (r *DirectoryRepository) ShortIDInUse(ctx context.Context, shortID string) (bool, error) {
	var inUse bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM players WHERE short_id = $1)
	`, shortID).Scan(&inUse)
	if err != nil {
		return false, oops.Code("SHORT_ID_CHECK_FAILED").
			With("operation", "short id existence check").
			With("short_id", shortID).
			Wrap(err)
	}
	return inUse, nil
}

// CreatePlayer stores a new player.
func (r *DirectoryRepository) CreatePlayer(ctx context.Context, player *identity.Player) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO players (player_id, short_id, email, email_verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		player.ID.String(),
		player.ShortID,
		player.Email,
		player.EmailVerifiedAt,
		player.CreatedAt,
		player.UpdatedAt,
	)
	if err != nil {
		return oops.Code("PLAYER_CREATE_FAILED").
			With("operation", "insert player").
			With("short_id", player.ShortID).
			Wrap(err)
	}
	return nil
}

// CreateDevice stores a new device bound to an existing player.
func (r *DirectoryRepository) CreateDevice(ctx context.Context, device *identity.Device) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO devices (device_id, player_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
	`,
		device.ID.String(),
		device.PlayerID.String(),
		device.CreatedAt,
		device.LastSeenAt,
	)
	if err != nil {
		return oops.Code("DEVICE_CREATE_FAILED").
			With("operation", "insert device").
			With("player_id", device.PlayerID.String()).
			Wrap(err)
	}
	return nil
}

// Touch updates device last-seen and player freshness timestamps.
func (r *DirectoryRepository) Touch(ctx context.Context, playerID, deviceID ulid.ULID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = $2 WHERE device_id = $1
	`, deviceID.String(), at)
	if err != nil {
		return oops.Code("TOUCH_FAILED").
			With("operation", "touch device").
			With("device_id", deviceID.String()).
			Wrap(err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE players SET updated_at = $2 WHERE player_id = $1
	`, playerID.String(), at)
	if err != nil {
		return oops.Code("TOUCH_FAILED").
			With("operation", "touch player").
			With("player_id", playerID.String()).
			Wrap(err)
	}
	return nil
}

// AttachEmail claims an email for a player inside one transaction. Three
// cases after locking the claiming player's row and any owner's row:
// no owner - set the email; owner is the claimant - no-op; owner is a
// different player - merge the claimant into the owner. Returns the winner.
func (r *DirectoryRepository) AttachEmail(ctx context.Context, playerID ulid.ULID, email string) (*identity.Player, error) {
	var winner *identity.Player
	err := withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return oops.Code("TX_BEGIN_FAILED").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		current, err := lockPlayer(ctx, tx, playerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return oops.Code("PLAYER_NOT_FOUND").
				With("player_id", playerID.String()).
				Wrap(identity.ErrNotFound)
		}
		if err != nil {
			return oops.Code("ATTACH_EMAIL_FAILED").
				With("operation", "lock claiming player").
				Wrap(err)
		}

		owner, err := scanPlayer(tx.QueryRow(ctx, `
			SELECT `+playerColumns+` FROM players WHERE email = $1 FOR UPDATE
		`, email))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// No owner: the claimant takes the email.
			now := time.Now()
			_, err = tx.Exec(ctx, `
				UPDATE players SET email = $2, updated_at = $3 WHERE player_id = $1
			`, playerID.String(), email, now)
			if isUniqueViolation(err) {
				return oops.Code("EMAIL_TAKEN").
					Wrap(identity.ErrEmailTaken)
			}
			if err != nil {
				return oops.Code("ATTACH_EMAIL_FAILED").
					With("operation", "set email").
					Wrap(err)
			}
			current.Email = &email
			current.UpdatedAt = now
			winner = current

		case err != nil:
			return oops.Code("ATTACH_EMAIL_FAILED").
				With("operation", "lock email owner").
				Wrap(err)

		case owner.ID.Compare(playerID) == 0:
			// Claimant already owns the email.
			winner = owner

		default:
			// A different player owns the email: it wins, the claimant is
			// merged into it.
			if err := mergeInTx(ctx, tx, owner.ID, playerID, time.Now()); err != nil {
				return err
			}
			winner = owner
		}

		if err := tx.Commit(ctx); err != nil {
			return oops.Code("TX_COMMIT_FAILED").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winner, nil
}

// MergePlayers merges loser into winner inside one transaction. Both rows
// are locked in id order so concurrent merges over the same pair cannot
// deadlock. Returns the winning player.
func (r *DirectoryRepository) MergePlayers(ctx context.Context, winnerID, loserID ulid.ULID) (*identity.Player, error) {
	var winner *identity.Player
	err := withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return oops.Code("TX_BEGIN_FAILED").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		// Deterministic lock order regardless of which side wins.
		first, second := winnerID, loserID
		if second.Compare(first) < 0 {
			first, second = second, first
		}
		for _, id := range []ulid.ULID{first, second} {
			if _, err := lockPlayer(ctx, tx, id); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return oops.Code("PLAYER_NOT_FOUND").
						With("player_id", id.String()).
						Wrap(identity.ErrNotFound)
				}
				return oops.Code("MERGE_FAILED").
					With("operation", "lock player").
					With("player_id", id.String()).
					Wrap(err)
			}
		}

		if err := mergeInTx(ctx, tx, winnerID, loserID, time.Now()); err != nil {
			return err
		}

		merged, err := scanPlayer(tx.QueryRow(ctx, `
			SELECT `+playerColumns+` FROM players WHERE player_id = $1
		`, winnerID.String()))
		if err != nil {
			return oops.Code("MERGE_FAILED").
				With("operation", "reload winner").
				Wrap(err)
		}

		if err := tx.Commit(ctx); err != nil {
			return oops.Code("TX_COMMIT_FAILED").Wrap(err)
		}
		winner = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winner, nil
}

// lockPlayer locks a player row FOR UPDATE and returns it.
// Propagates pgx.ErrNoRows unchanged for callers to map.
func lockPlayer(ctx context.Context, tx pgx.Tx, id ulid.ULID) (*identity.Player, error) {
	return scanPlayer(tx.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players WHERE player_id = $1 FOR UPDATE
	`, id.String()))
}

// mergeInTx moves every device from loser to winner, deletes the loser's
// sessions, pending verifications, and player row, and bumps the winner's
// timestamp. Callers must hold locks on both player rows.
func mergeInTx(ctx context.Context, tx pgx.Tx, winnerID, loserID ulid.ULID, now time.Time) error {
	steps := []struct {
		op   string
		sql  string
		args []any
	}{
		{"re-point devices", `UPDATE devices SET player_id = $1 WHERE player_id = $2`, []any{winnerID.String(), loserID.String()}},
		{"delete loser sessions", `DELETE FROM sessions WHERE player_id = $1`, []any{loserID.String()}},
		{"delete loser verifications", `DELETE FROM email_verifications WHERE player_id = $1`, []any{loserID.String()}},
		{"delete loser player", `DELETE FROM players WHERE player_id = $1`, []any{loserID.String()}},
		{"bump winner", `UPDATE players SET updated_at = $2 WHERE player_id = $1`, []any{winnerID.String(), now}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return oops.Code("MERGE_FAILED").
				With("operation", step.op).
				With("winner_id", winnerID.String()).
				With("loser_id", loserID.String()).
				Wrap(err)
		}
	}
	return nil
}

// scanPlayer scans a single row into a Player.
// Propagates pgx.ErrNoRows unchanged for callers to handle with context.
func scanPlayer(row pgx.Row) (*identity.Player, error) {
	var (
		idStr           string
		shortID         string
		email           *string
		emailVerifiedAt *time.Time
		createdAt       time.Time
		updatedAt       time.Time
	)
	err := row.Scan(&idStr, &shortID, &email, &emailVerifiedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("PLAYER_SCAN_FAILED").
			With("operation", "scan player").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("PLAYER_INVALID_ID").
			With("player_id", idStr).
			Wrap(err)
	}
	return &identity.Player{
		ID:              id,
		ShortID:         shortID,
		Email:           email,
		EmailVerifiedAt: emailVerifiedAt,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

// scanDevice scans a single row into a Device.
// Propagates pgx.ErrNoRows unchanged for callers to handle with context.
func scanDevice(row pgx.Row) (*identity.Device, error) {
	var (
		idStr       string
		playerIDStr string
		createdAt   time.Time
		lastSeenAt  time.Time
	)
	err := row.Scan(&idStr, &playerIDStr, &createdAt, &lastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("DEVICE_SCAN_FAILED").
			With("operation", "scan device").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("DEVICE_INVALID_ID").
			With("device_id", idStr).
			Wrap(err)
	}
	playerID, err := ulid.Parse(playerIDStr)
	if err != nil {
		return nil, oops.Code("DEVICE_INVALID_PLAYER_ID").
			With("player_id", playerIDStr).
			Wrap(err)
	}
	return &identity.Device{
		ID:         id,
		PlayerID:   playerID,
		CreatedAt:  createdAt,
		LastSeenAt: lastSeenAt,
	}, nil
}

// Compile-time interface check.
var _ identity.DirectoryRepository = (*DirectoryRepository)(nil)
