// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Device represents a specific browser or client installation. A device
// belongs to exactly one player at a time but can be re-pointed to a
// different player by a merge, a short-code bind, or a magic-link accept.
type Device struct {
	ID         ulid.ULID
	PlayerID   ulid.ULID
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// NewDevice creates a validated Device bound to a player.
func NewDevice(playerID ulid.ULID) (*Device, error) {
	if playerID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("DEVICE_INVALID_PLAYER").Errorf("player ID cannot be zero")
	}
	now := time.Now()
	return &Device{
		ID:         ulid.Make(),
		PlayerID:   playerID,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}
