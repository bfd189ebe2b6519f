// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity_test

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/identity"
	"github.com/gatehouse/gatehouse/internal/identity/identitytest"
)

// fixedShortIDs returns the given codes in order, then falls back to the
// crypto generator.
type fixedShortIDs struct {
	codes []string
	next  int
}

func (g *fixedShortIDs) Generate(length int) (string, error) {
	if g.next < len(g.codes) {
		code := g.codes[g.next]
		g.next++
		return code, nil
	}
	return identity.CryptoShortIDGenerator{}.Generate(length)
}

func newDirectory(t *testing.T, store *identitytest.Store) *identity.Directory {
	t.Helper()
	dir, err := identity.NewDirectory(store, identity.CryptoShortIDGenerator{})
	require.NoError(t, err)
	return dir
}

func TestNewDirectory_NilDependencies(t *testing.T) {
	tests := []struct {
		name        string
		repo        identity.DirectoryRepository
		shortIDs    identity.ShortIDGenerator
		expectError string
	}{
		{
			name:        "nil repository",
			repo:        nil,
			shortIDs:    identity.CryptoShortIDGenerator{},
			expectError: "directory repository is required",
		},
		{
			name:        "nil short id generator",
			repo:        identitytest.NewStore(),
			shortIDs:    nil,
			expectError: "short id generator is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := identity.NewDirectory(tt.repo, tt.shortIDs)
			require.Error(t, err)
			assert.Nil(t, dir)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestDirectory_Ensure(t *testing.T) {
	ctx := context.Background()

	t.Run("no hints creates player and device", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		require.NotNil(t, c.Player)
		require.NotNil(t, c.Device)
		assert.Len(t, c.ShortID(), identity.ShortIDLength)
		assert.Equal(t, c.Player.ID, c.Device.PlayerID)
	})

	t.Run("known device wins over player hint", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		first, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		other, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		// Present the other player's id alongside the first device: the
		// device binding must win.
		c, err := dir.Ensure(ctx, &other.Player.ID, &first.Device.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Player.ID, c.Player.ID)
		assert.Equal(t, first.Device.ID, c.Device.ID)
	})

	t.Run("known player hint gets a fresh device", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		first, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		c, err := dir.Ensure(ctx, &first.Player.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Player.ID, c.Player.ID)
		assert.NotEqual(t, first.Device.ID, c.Device.ID)
		assert.Len(t, store.DevicesOf(first.Player.ID), 2)
	})

	t.Run("unknown hints fall through to a new player", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		ghostPlayer := ulid.Make()
		ghostDevice := ulid.Make()
		c, err := dir.Ensure(ctx, &ghostPlayer, &ghostDevice)
		require.NoError(t, err)
		assert.NotEqual(t, ghostPlayer, c.Player.ID)
		assert.NotEqual(t, ghostDevice, c.Device.ID)
	})

	t.Run("short id collisions are retried", func(t *testing.T) {
		store := identitytest.NewStore()
		first, err := identity.NewPlayer("AAAAAA")
		require.NoError(t, err)
		require.NoError(t, store.CreatePlayer(ctx, first))

		gen := &fixedShortIDs{codes: []string{"AAAAAA", "BBBBBB"}}
		dir, err := identity.NewDirectory(store, gen)
		require.NoError(t, err)

		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "BBBBBB", c.ShortID())
	})

	t.Run("exhausted short id attempts fail", func(t *testing.T) {
		store := identitytest.NewStore()
		taken, err := identity.NewPlayer("CCCCCC")
		require.NoError(t, err)
		require.NoError(t, store.CreatePlayer(ctx, taken))

		gen := &fixedShortIDs{codes: []string{"CCCCCC", "CCCCCC", "CCCCCC", "CCCCCC", "CCCCCC"}}
		dir, err := identity.NewDirectory(store, gen)
		require.NoError(t, err)

		c, err := dir.Ensure(ctx, nil, nil)
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "unique short id")
	})
}

func TestDirectory_TryGet(t *testing.T) {
	ctx := context.Background()
	store := identitytest.NewStore()
	dir := newDirectory(t, store)

	existing, err := dir.Ensure(ctx, nil, nil)
	require.NoError(t, err)

	t.Run("known device resolves", func(t *testing.T) {
		c, err := dir.TryGet(ctx, nil, &existing.Device.ID)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, existing.Player.ID, c.Player.ID)
	})

	t.Run("unknown device returns nil without creating", func(t *testing.T) {
		ghost := ulid.Make()
		c, err := dir.TryGet(ctx, nil, &ghost)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("player hint alone never resolves", func(t *testing.T) {
		c, err := dir.TryGet(ctx, &existing.Player.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}

func TestDirectory_AttachEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim sets the email", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)
		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		got, err := dir.AttachEmail(ctx, c, "  Player@Example.COM ")
		require.NoError(t, err)
		require.NotNil(t, got.Player.Email)
		assert.Equal(t, "player@example.com", *got.Player.Email)
		assert.Equal(t, c.Player.ID, got.Player.ID)
	})

	t.Run("re-claiming own email is a no-op", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)
		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		c, err = dir.AttachEmail(ctx, c, "same@example.com")
		require.NoError(t, err)
		again, err := dir.AttachEmail(ctx, c, "same@example.com")
		require.NoError(t, err)
		assert.Equal(t, c.Player.ID, again.Player.ID)
	})

	t.Run("claiming an owned email merges into the owner", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		owner, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		owner, err = dir.AttachEmail(ctx, owner, "owner@example.com")
		require.NoError(t, err)

		claimant, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		loserID := claimant.Player.ID

		merged, err := dir.AttachEmail(ctx, claimant, "owner@example.com")
		require.NoError(t, err)

		// The claimant's device now belongs to the owner; the loser player
		// row is gone along with its sessions and verifications.
		assert.Equal(t, owner.Player.ID, merged.Player.ID)
		assert.Equal(t, claimant.Device.ID, merged.Device.ID)
		assert.Equal(t, owner.Player.ID, merged.Device.PlayerID)
		assert.False(t, store.HasPlayer(loserID))
		assert.Len(t, store.DevicesOf(owner.Player.ID), 2)
	})

	t.Run("invalid email is rejected", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)
		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		_, err = dir.AttachEmail(ctx, c, "not-an-email")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid email")
	})
}

func TestDirectory_BindDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("binding to own player is a no-op", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)
		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		got, err := dir.BindDevice(ctx, c, c.Player.ID)
		require.NoError(t, err)
		assert.Same(t, c, got)
	})

	t.Run("binding to another player merges", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)

		target, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		visitor, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)
		loserID := visitor.Player.ID

		got, err := dir.BindDevice(ctx, visitor, target.Player.ID)
		require.NoError(t, err)
		assert.Equal(t, target.Player.ID, got.Player.ID)
		assert.Equal(t, visitor.Device.ID, got.Device.ID)
		assert.False(t, store.HasPlayer(loserID))
	})

	t.Run("binding to a vanished player fails", func(t *testing.T) {
		store := identitytest.NewStore()
		dir := newDirectory(t, store)
		c, err := dir.Ensure(ctx, nil, nil)
		require.NoError(t, err)

		ghost := ulid.Make()
		_, err = dir.BindDevice(ctx, c, ghost)
		require.Error(t, err)
	})
}

func TestDirectory_Lookups(t *testing.T) {
	ctx := context.Background()
	store := identitytest.NewStore()
	dir := newDirectory(t, store)

	c, err := dir.Ensure(ctx, nil, nil)
	require.NoError(t, err)
	c, err = dir.AttachEmail(ctx, c, "lookup@example.com")
	require.NoError(t, err)

	t.Run("short id to player id", func(t *testing.T) {
		id, err := dir.TryGetPlayerIDByShortID(ctx, c.ShortID())
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, c.Player.ID, *id)

		id, err = dir.TryGetPlayerIDByShortID(ctx, "ZZZZZZ")
		require.NoError(t, err)
		assert.Nil(t, id)
	})

	t.Run("short id from player or device", func(t *testing.T) {
		shortID, err := dir.TryGetShortID(ctx, &c.Player.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, c.ShortID(), shortID)

		shortID, err = dir.TryGetShortID(ctx, nil, &c.Device.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ShortID(), shortID)

		shortID, err = dir.TryGetShortID(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, shortID)
	})

	t.Run("email to player id", func(t *testing.T) {
		id, err := dir.TryGetPlayerIDByEmail(ctx, "LOOKUP@example.com")
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, c.Player.ID, *id)

		id, err = dir.TryGetPlayerIDByEmail(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, id)
	})
}
