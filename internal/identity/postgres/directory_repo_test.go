// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/identity"
)

var playerCols = []string{"player_id", "short_id", "email", "email_verified_at", "created_at", "updated_at"}

func playerRow(id ulid.ULID, shortID string, email *string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(playerCols).
		AddRow(id.String(), shortID, email, (*time.Time)(nil), now, now)
}

func TestDirectoryRepository_GetPlayer(t *testing.T) {
	playerID := ulid.Make()

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		errMsg    string
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id`).
					WithArgs(playerID.String()).
					WillReturnRows(playerRow(playerID, "AB34CD", nil))
			},
		},
		{
			name: "not found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id`).
					WithArgs(playerID.String()).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: identity.ErrNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id`).
					WithArgs(playerID.String()).
					WillReturnError(errors.New("connection refused"))
			},
			errMsg: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.setupMock(mock)
			repo := NewDirectoryRepository(mock)
			player, err := repo.GetPlayer(context.Background(), playerID)

			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
			case tt.errMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			default:
				require.NoError(t, err)
				assert.Equal(t, playerID, player.ID)
				assert.Equal(t, "AB34CD", player.ShortID)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDirectoryRepository_GetPlayerByShortID_Normalizes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	playerID := ulid.Make()
	mock.ExpectQuery(`SELECT .+ FROM players WHERE short_id`).
		WithArgs("AB34CD").
		WillReturnRows(playerRow(playerID, "AB34CD", nil))

	repo := NewDirectoryRepository(mock)
	player, err := repo.GetPlayerByShortID(context.Background(), "  ab34cd ")
	require.NoError(t, err)
	assert.Equal(t, playerID, player.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepository_GetDevice_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	deviceID := ulid.Make()
	mock.ExpectQuery(`SELECT .+ FROM devices WHERE device_id`).
		WithArgs(deviceID.String()).
		WillReturnError(pgx.ErrNoRows)

	repo := NewDirectoryRepository(mock)
	device, err := repo.GetDevice(context.Background(), deviceID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, identity.ErrNotFound))
	assert.Nil(t, device)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepository_ShortIDInUse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("AB34CD").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewDirectoryRepository(mock)
	inUse, err := repo.ShortIDInUse(context.Background(), "AB34CD")
	require.NoError(t, err)
	assert.True(t, inUse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepository_CreatePlayer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	player, err := identity.NewPlayer("AB34CD")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO players`).
		WithArgs(player.ID.String(), player.ShortID, player.Email, player.EmailVerifiedAt, player.CreatedAt, player.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewDirectoryRepository(mock)
	require.NoError(t, repo.CreatePlayer(context.Background(), player))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepository_Touch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	playerID := ulid.Make()
	deviceID := ulid.Make()
	at := time.Now()

	mock.ExpectExec(`UPDATE devices SET last_seen_at`).
		WithArgs(deviceID.String(), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE players SET updated_at`).
		WithArgs(playerID.String(), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewDirectoryRepository(mock)
	require.NoError(t, repo.Touch(context.Background(), playerID, deviceID, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectMergeSteps(mock pgxmock.PgxPoolIface, winnerID, loserID ulid.ULID) {
	mock.ExpectExec(`UPDATE devices SET player_id`).
		WithArgs(winnerID.String(), loserID.String()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM sessions WHERE player_id`).
		WithArgs(loserID.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM email_verifications WHERE player_id`).
		WithArgs(loserID.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM players WHERE player_id`).
		WithArgs(loserID.String()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE players SET updated_at`).
		WithArgs(winnerID.String(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func TestDirectoryRepository_AttachEmail(t *testing.T) {
	claimantID := ulid.Make()
	email := "claim@example.com"

	t.Run("no owner sets the email", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(claimantID.String()).
			WillReturnRows(playerRow(claimantID, "AB34CD", nil))
		mock.ExpectQuery(`SELECT .+ FROM players WHERE email .+ FOR UPDATE`).
			WithArgs(email).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`UPDATE players SET email`).
			WithArgs(claimantID.String(), email, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.AttachEmail(context.Background(), claimantID, email)
		require.NoError(t, err)
		assert.Equal(t, claimantID, winner.ID)
		require.NotNil(t, winner.Email)
		assert.Equal(t, email, *winner.Email)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claimant already owns the email", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(claimantID.String()).
			WillReturnRows(playerRow(claimantID, "AB34CD", &email))
		mock.ExpectQuery(`SELECT .+ FROM players WHERE email .+ FOR UPDATE`).
			WithArgs(email).
			WillReturnRows(playerRow(claimantID, "AB34CD", &email))
		mock.ExpectCommit()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.AttachEmail(context.Background(), claimantID, email)
		require.NoError(t, err)
		assert.Equal(t, claimantID, winner.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("different owner wins a merge", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		ownerID := ulid.Make()
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(claimantID.String()).
			WillReturnRows(playerRow(claimantID, "AB34CD", nil))
		mock.ExpectQuery(`SELECT .+ FROM players WHERE email .+ FOR UPDATE`).
			WithArgs(email).
			WillReturnRows(playerRow(ownerID, "EF56GH", &email))
		expectMergeSteps(mock, ownerID, claimantID)
		mock.ExpectCommit()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.AttachEmail(context.Background(), claimantID, email)
		require.NoError(t, err)
		assert.Equal(t, ownerID, winner.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent claim surfaces the email conflict", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(claimantID.String()).
			WillReturnRows(playerRow(claimantID, "AB34CD", nil))
		mock.ExpectQuery(`SELECT .+ FROM players WHERE email .+ FOR UPDATE`).
			WithArgs(email).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`UPDATE players SET email`).
			WithArgs(claimantID.String(), email, pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
		mock.ExpectRollback()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.AttachEmail(context.Background(), claimantID, email)
		require.Error(t, err)
		assert.True(t, errors.Is(err, identity.ErrEmailTaken))
		assert.Nil(t, winner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("vanished claimant", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(claimantID.String()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.AttachEmail(context.Background(), claimantID, email)
		require.Error(t, err)
		assert.True(t, errors.Is(err, identity.ErrNotFound))
		assert.Nil(t, winner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDirectoryRepository_MergePlayers(t *testing.T) {
	t.Run("merges and reloads the winner", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		winnerID := ulid.Make()
		loserID := ulid.Make()
		first, second := winnerID, loserID
		if second.Compare(first) < 0 {
			first, second = second, first
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(first.String()).
			WillReturnRows(playerRow(first, "AB34CD", nil))
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(second.String()).
			WillReturnRows(playerRow(second, "EF56GH", nil))
		expectMergeSteps(mock, winnerID, loserID)
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id`).
			WithArgs(winnerID.String()).
			WillReturnRows(playerRow(winnerID, "AB34CD", nil))
		mock.ExpectCommit()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.MergePlayers(context.Background(), winnerID, loserID)
		require.NoError(t, err)
		assert.Equal(t, winnerID, winner.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing side aborts the merge", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		winnerID := ulid.Make()
		loserID := ulid.Make()
		first := winnerID
		if loserID.Compare(winnerID) < 0 {
			first = loserID
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM players WHERE player_id .+ FOR UPDATE`).
			WithArgs(first.String()).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		repo := NewDirectoryRepository(mock)
		winner, err := repo.MergePlayers(context.Background(), winnerID, loserID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, identity.ErrNotFound))
		assert.Nil(t, winner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
