// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Player represents a durable account identity, independent of any specific
// browser or device. At most one player row may hold a given non-null email.
type Player struct {
	ID              ulid.ULID
	ShortID         string
	Email           *string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewPlayer creates a validated Player with a freshly generated ID.
// The short id must already be collision-checked by the caller.
func NewPlayer(shortID string) (*Player, error) {
	if shortID == "" {
		return nil, oops.Code("PLAYER_INVALID_SHORT_ID").Errorf("short id cannot be empty")
	}
	now := time.Now()
	return &Player{
		ID:        ulid.Make(),
		ShortID:   shortID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NormalizeEmail lowercases and trims an email address. Emails are compared
// case-insensitively everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail performs a minimal shape check. Full RFC validation is
// deliberately out of scope; deliverability is proven by the verification
// flow, not by parsing.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return oops.Code("EMAIL_INVALID").With("email", email).Errorf("invalid email address")
	}
	return nil
}

// Context is a resolved (player, device) pair. Both fields are always
// non-nil on a Context returned by the Directory.
type Context struct {
	Player *Player
	Device *Device
}

// ShortID returns the player's short id.
func (c *Context) ShortID() string {
	return c.Player.ShortID
}

// DirectoryRepository persists players and devices. The invariant-bearing
// methods (AttachEmail, MergePlayers) execute as single transactions with
// row locks on the contended player rows.
type DirectoryRepository interface {
	// GetPlayer retrieves a player by ID.
	GetPlayer(ctx context.Context, id ulid.ULID) (*Player, error)

	// GetPlayerByShortID retrieves a player by short id.
	GetPlayerByShortID(ctx context.Context, shortID string) (*Player, error)

	// GetPlayerByEmail retrieves a player by email (case-insensitive).
	GetPlayerByEmail(ctx context.Context, email string) (*Player, error)

	// GetDevice retrieves a device by ID.
	GetDevice(ctx context.Context, id ulid.ULID) (*Device, error)

	// ShortIDInUse reports whether a short id is already assigned.
	ShortIDInUse(ctx context.Context, shortID string) (bool, error)

	// CreatePlayer stores a new player.
	CreatePlayer(ctx context.Context, player *Player) error

	// CreateDevice stores a new device bound to an existing player.
	CreateDevice(ctx context.Context, device *Device) error

	// Touch updates device last-seen and player freshness timestamps.
	Touch(ctx context.Context, playerID, deviceID ulid.ULID, at time.Time) error

	// AttachEmail claims an email for a player inside one transaction.
	// When a different player already owns the email, that player wins and
	// the claiming player is merged into it (devices re-pointed, sessions
	// and the losing row deleted). Returns the winning player.
	// Fails with ErrNotFound when the claiming player no longer exists.
	AttachEmail(ctx context.Context, playerID ulid.ULID, email string) (*Player, error)

	// MergePlayers merges loser into winner inside one transaction: every
	// device of loser is re-pointed at winner, loser's sessions and pending
	// verifications are deleted, the loser row is removed, and winner's
	// updated_at is bumped. Fails with ErrNotFound when either row is gone.
	MergePlayers(ctx context.Context, winnerID, loserID ulid.ULID) (*Player, error)
}
