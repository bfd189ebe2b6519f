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

// shortIDMaxAttempts bounds the collision-check loop when assigning a
// short id to a new player.
const shortIDMaxAttempts = 5

// Directory resolves and creates players and devices, and consolidates two
// player identities into one when an email claim or explicit bind requires
// it. Ensure is the only path that may create a player.
type Directory struct {
	repo     DirectoryRepository
	shortIDs ShortIDGenerator
	logger   *slog.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(repo DirectoryRepository, shortIDs ShortIDGenerator) (*Directory, error) {
	return NewDirectoryWithLogger(repo, shortIDs, slog.Default())
}

// NewDirectoryWithLogger creates a Directory with an explicit logger.
func NewDirectoryWithLogger(repo DirectoryRepository, shortIDs ShortIDGenerator, logger *slog.Logger) (*Directory, error) {
	if repo == nil {
		return nil, oops.Code("DIRECTORY_INVALID_DEPS").Errorf("directory repository is required")
	}
	if shortIDs == nil {
		return nil, oops.Code("DIRECTORY_INVALID_DEPS").Errorf("short id generator is required")
	}
	if logger == nil {
		return nil, oops.Code("DIRECTORY_INVALID_DEPS").Errorf("logger is required")
	}
	return &Directory{repo: repo, shortIDs: shortIDs, logger: logger}, nil
}

// Ensure resolves a (player, device) context, creating whatever is missing.
// A recognized device wins over a player hint; a recognized player gets a
// fresh device; an unrecognized request gets a brand-new player and device.
func (d *Directory) Ensure(ctx context.Context, playerIDHint, deviceIDHint *ulid.ULID) (*Context, error) {
	if deviceIDHint != nil {
		c, err := d.contextByDevice(ctx, *deviceIDHint)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err == nil {
			d.Touch(ctx, c)
			return c, nil
		}
	}

	if playerIDHint != nil {
		player, err := d.repo.GetPlayer(ctx, *playerIDHint)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, oops.Code("DIRECTORY_ENSURE_FAILED").
				With("operation", "GetPlayer").
				Wrap(err)
		}
		if err == nil {
			return d.newDeviceFor(ctx, player)
		}
	}

	player, err := d.createPlayer(ctx)
	if err != nil {
		return nil, err
	}
	return d.newDeviceFor(ctx, player)
}

// TryGet resolves a context with the same precedence as Ensure but never
// creates records. Returns (nil, nil) when nothing matches.
func (d *Directory) TryGet(ctx context.Context, playerIDHint, deviceIDHint *ulid.ULID) (*Context, error) {
	if deviceIDHint != nil {
		c, err := d.contextByDevice(ctx, *deviceIDHint)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// AttachEmail claims an email for the context's player. Idempotent: when the
// player already owns the email this is a no-op. When a different player
// owns it, the context's player is merged into the owner and the returned
// context is rebound to the winner.
func (d *Directory) AttachEmail(ctx context.Context, c *Context, email string) (*Context, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	email = NormalizeEmail(email)

	var winner *Player
	var err error
	// A claim can lose the unique-index race to a concurrent claimant.
	// Re-running finds the new owner and merges into it instead.
	for attempt := 0; attempt < 3; attempt++ {
		winner, err = d.repo.AttachEmail(ctx, c.Player.ID, email)
		if !errors.Is(err, ErrEmailTaken) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("DIRECTORY_PLAYER_GONE").
				With("player_id", c.Player.ID.String()).
				Wrap(err)
		}
		return nil, oops.Code("DIRECTORY_ATTACH_EMAIL_FAILED").
			With("operation", "AttachEmail").
			With("player_id", c.Player.ID.String()).
			Wrap(err)
	}

	if winner.ID.Compare(c.Player.ID) != 0 {
		d.logger.Info("merged player by email claim",
			"winner_id", winner.ID.String(),
			"loser_id", c.Player.ID.String())
	}
	return d.rebind(ctx, winner, c.Device.ID)
}

// BindDevice re-points the context's device at the target player. When the
// context's player differs from the target, the same merge machinery as an
// email collision runs: the context's player loses and is deleted. No-op if
// the device is already bound to the target.
func (d *Directory) BindDevice(ctx context.Context, c *Context, targetPlayerID ulid.ULID) (*Context, error) {
	if c.Player.ID.Compare(targetPlayerID) == 0 {
		return c, nil
	}

	winner, err := d.repo.MergePlayers(ctx, targetPlayerID, c.Player.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("DIRECTORY_PLAYER_GONE").
				With("target_player_id", targetPlayerID.String()).
				Wrap(err)
		}
		return nil, oops.Code("DIRECTORY_BIND_DEVICE_FAILED").
			With("operation", "MergePlayers").
			With("target_player_id", targetPlayerID.String()).
			Wrap(err)
	}

	d.logger.Info("merged player by device bind",
		"winner_id", winner.ID.String(),
		"loser_id", c.Player.ID.String())
	return d.rebind(ctx, winner, c.Device.ID)
}

// Touch updates device and player freshness timestamps. Side-effect only:
// a failure is logged and never fails the caller's request.
func (d *Directory) Touch(ctx context.Context, c *Context) {
	now := time.Now()
	if err := d.repo.Touch(ctx, c.Player.ID, c.Device.ID, now); err != nil {
		d.logger.Warn("touch failed",
			"player_id", c.Player.ID.String(),
			"device_id", c.Device.ID.String(),
			"error", err)
		return
	}
	c.Device.LastSeenAt = now
	c.Player.UpdatedAt = now
}

// TryGetPlayerIDByShortID resolves a short id to a player id. Returns nil
// when the short id is unknown.
func (d *Directory) TryGetPlayerIDByShortID(ctx context.Context, shortID string) (*ulid.ULID, error) {
	player, err := d.repo.GetPlayerByShortID(ctx, shortID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("DIRECTORY_SHORT_ID_LOOKUP_FAILED").
			With("short_id", shortID).
			Wrap(err)
	}
	id := player.ID
	return &id, nil
}

// TryGetShortID back-fills a short id from a resolved player or device.
// Returns "" when neither hint resolves.
func (d *Directory) TryGetShortID(ctx context.Context, playerID, deviceID *ulid.ULID) (string, error) {
	if playerID == nil && deviceID != nil {
		device, err := d.repo.GetDevice(ctx, *deviceID)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", oops.Code("DIRECTORY_SHORT_ID_LOOKUP_FAILED").Wrap(err)
		}
		playerID = &device.PlayerID
	}
	if playerID == nil {
		return "", nil
	}
	player, err := d.repo.GetPlayer(ctx, *playerID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", oops.Code("DIRECTORY_SHORT_ID_LOOKUP_FAILED").Wrap(err)
	}
	return player.ShortID, nil
}

// TryGetPlayerIDByEmail resolves an email to a player id. Returns nil when
// no player owns the address.
func (d *Directory) TryGetPlayerIDByEmail(ctx context.Context, email string) (*ulid.ULID, error) {
	player, err := d.repo.GetPlayerByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("DIRECTORY_EMAIL_LOOKUP_FAILED").Wrap(err)
	}
	id := player.ID
	return &id, nil
}

// contextByDevice loads the (player, device) pair for a known device.
func (d *Directory) contextByDevice(ctx context.Context, deviceID ulid.ULID) (*Context, error) {
	device, err := d.repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, oops.Code("DIRECTORY_GET_DEVICE_FAILED").
			With("device_id", deviceID.String()).
			Wrap(err)
	}
	player, err := d.repo.GetPlayer(ctx, device.PlayerID)
	if err != nil {
		return nil, oops.Code("DIRECTORY_GET_PLAYER_FAILED").
			With("player_id", device.PlayerID.String()).
			Wrap(err)
	}
	return &Context{Player: player, Device: device}, nil
}

// newDeviceFor creates a fresh device bound to an existing player.
func (d *Directory) newDeviceFor(ctx context.Context, player *Player) (*Context, error) {
	device, err := NewDevice(player.ID)
	if err != nil {
		return nil, err
	}
	if err := d.repo.CreateDevice(ctx, device); err != nil {
		return nil, oops.Code("DIRECTORY_CREATE_DEVICE_FAILED").
			With("player_id", player.ID.String()).
			Wrap(err)
	}
	return &Context{Player: player, Device: device}, nil
}

// createPlayer creates a brand-new player with a collision-checked short id.
func (d *Directory) createPlayer(ctx context.Context) (*Player, error) {
	for attempt := 0; attempt < shortIDMaxAttempts; attempt++ {
		code, err := d.shortIDs.Generate(ShortIDLength)
		if err != nil {
			return nil, err
		}
		inUse, err := d.repo.ShortIDInUse(ctx, code)
		if err != nil {
			return nil, oops.Code("DIRECTORY_CREATE_PLAYER_FAILED").
				With("operation", "ShortIDInUse").
				Wrap(err)
		}
		if inUse {
			continue
		}
		player, err := NewPlayer(code)
		if err != nil {
			return nil, err
		}
		if err := d.repo.CreatePlayer(ctx, player); err != nil {
			return nil, oops.Code("DIRECTORY_CREATE_PLAYER_FAILED").
				With("operation", "CreatePlayer").
				Wrap(err)
		}
		return player, nil
	}
	return nil, oops.Code("DIRECTORY_SHORT_ID_EXHAUSTED").
		With("attempts", shortIDMaxAttempts).
		Errorf("could not generate a unique short id")
}

// rebind reloads the device and pairs it with the winning player after a
// merge has re-pointed it.
func (d *Directory) rebind(ctx context.Context, player *Player, deviceID ulid.ULID) (*Context, error) {
	device, err := d.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, oops.Code("DIRECTORY_REBIND_FAILED").
			With("device_id", deviceID.String()).
			Wrap(err)
	}
	return &Context{Player: player, Device: device}, nil
}
