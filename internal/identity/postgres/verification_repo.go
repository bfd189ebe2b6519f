// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/identity"
)

// VerificationRepository implements identity.VerificationRepository using
// PostgreSQL.
type VerificationRepository struct {
	pool db
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(pool db) *VerificationRepository {
	return &VerificationRepository{pool: pool}
}

// Replace deletes any pending verification for the player and inserts the
// new one, atomically. This keeps at most one pending verification per
// player.
func (r *VerificationRepository) Replace(ctx context.Context, verification *identity.EmailVerification) error {
	return withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return oops.Code("TX_BEGIN_FAILED").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		_, err = tx.Exec(ctx, `
			DELETE FROM email_verifications WHERE player_id = $1
		`, verification.PlayerID.String())
		if err != nil {
			return oops.Code("VERIFICATION_REPLACE_FAILED").
				With("operation", "delete superseded verification").
				With("player_id", verification.PlayerID.String()).
				Wrap(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO email_verifications (verification_id, player_id, email, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			verification.ID.String(),
			verification.PlayerID.String(),
			verification.Email,
			verification.TokenHash,
			verification.ExpiresAt,
			verification.CreatedAt,
		)
		if err != nil {
			return oops.Code("VERIFICATION_REPLACE_FAILED").
				With("operation", "insert verification").
				With("player_id", verification.PlayerID.String()).
				Wrap(err)
		}

		if err := tx.Commit(ctx); err != nil {
			return oops.Code("TX_COMMIT_FAILED").Wrap(err)
		}
		return nil
	})
}

// Confirm applies the confirm state machine for the verification matching
// tokenHash. The pending row is locked for the duration and never survives
// the call: it is deleted on success, on expiry, and on conflict.
func (r *VerificationRepository) Confirm(ctx context.Context, tokenHash string, now time.Time) (identity.ConfirmOutcome, error) {
	outcome := identity.ConfirmNotFound
	err := withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return oops.Code("TX_BEGIN_FAILED").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		var (
			verificationID string
			playerID       string
			email          string
			expiresAt      time.Time
		)
		err = tx.QueryRow(ctx, `
			SELECT verification_id, player_id, email, expires_at
			FROM email_verifications WHERE token_hash = $1 FOR UPDATE
		`, tokenHash).Scan(&verificationID, &playerID, &email, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = identity.ConfirmNotFound
			return nil
		}
		if err != nil {
			return oops.Code("VERIFICATION_CONFIRM_FAILED").
				With("operation", "lock verification").
				Wrap(err)
		}

		if now.After(expiresAt) {
			if err := deleteVerification(ctx, tx, verificationID); err != nil {
				return err
			}
			if err := tx.Commit(ctx); err != nil {
				return oops.Code("TX_COMMIT_FAILED").Wrap(err)
			}
			outcome = identity.ConfirmExpired
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE players SET email = $2, email_verified_at = $3, updated_at = $3
			WHERE player_id = $1
		`, playerID, email, now)
		if isUniqueViolation(err) {
			// A different player claimed the email meanwhile. The
			// transaction rolls back; the verification is still destroyed
			// so the link cannot be retried.
			_ = tx.Rollback(ctx) //nolint:errcheck // explicit rollback before cleanup write
			r.deleteConsumed(ctx, verificationID)
			outcome = identity.ConfirmEmailTaken
			return nil
		}
		if err != nil {
			return oops.Code("VERIFICATION_CONFIRM_FAILED").
				With("operation", "set player email").
				With("player_id", playerID).
				Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			// Player merged away while the link was in flight.
			if err := deleteVerification(ctx, tx, verificationID); err != nil {
				return err
			}
			if err := tx.Commit(ctx); err != nil {
				return oops.Code("TX_COMMIT_FAILED").Wrap(err)
			}
			outcome = identity.ConfirmNotFound
			return nil
		}

		if err := deleteVerification(ctx, tx, verificationID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return oops.Code("TX_COMMIT_FAILED").Wrap(err)
		}
		outcome = identity.ConfirmSuccess
		return nil
	})
	if err != nil {
		return identity.ConfirmNotFound, err
	}
	return outcome, nil
}

// deleteVerification removes a verification row inside a transaction.
func deleteVerification(ctx context.Context, tx pgx.Tx, verificationID string) error {
	if _, err := tx.Exec(ctx, `
		DELETE FROM email_verifications WHERE verification_id = $1
	`, verificationID); err != nil {
		return oops.Code("VERIFICATION_DELETE_FAILED").
			With("verification_id", verificationID).
			Wrap(err)
	}
	return nil
}

// deleteConsumed removes a verification row outside the rolled-back
// transaction. Best effort: the row expires on its own if this fails.
func (r *VerificationRepository) deleteConsumed(ctx context.Context, verificationID string) {
	_, _ = r.pool.Exec(ctx, `
		DELETE FROM email_verifications WHERE verification_id = $1
	`, verificationID) //nolint:errcheck // cleanup only; the row has a TTL
}

// Compile-time interface check.
var _ identity.VerificationRepository = (*VerificationRepository)(nil)
