// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package postgres implements the identity repositories using PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// db is the subset of pgxpool.Pool the repositories use. pgxmock's pool
// satisfies it, which keeps transaction tests off a real database.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// isRetryable reports whether err is a transient serialization or deadlock
// failure that a fresh transaction may not hit.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure ||
		pgErr.Code == pgerrcode.DeadlockDetected
}

// withTxRetry runs fn, retrying with fibonacci backoff when it fails with a
// transient transaction error. fn must be safe to re-run from a clean slate,
// which every transactional repository method here is: the store rolls back
// fully on failure.
func withTxRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(10*time.Millisecond))
	//nolint:wrapcheck // callers wrap with context-specific info
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
