// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package identitytest provides in-memory repository fakes for identity
// service tests. A single Store backs all repository interfaces so that
// cross-table operations (account merge) behave like the real schema.
package identitytest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gatehouse/gatehouse/internal/identity"
)

// Store is an in-memory implementation of DirectoryRepository,
// SessionRepository, and VerificationRepository. All methods are
// safe for concurrent use; invariant-bearing operations hold the store
// lock end to end, mirroring the serializing row locks of the real
// implementation.
type Store struct {
	mu            sync.Mutex
	players       map[ulid.ULID]*identity.Player
	devices       map[ulid.ULID]*identity.Device
	sessions      map[ulid.ULID]*identity.Session
	verifications map[ulid.ULID]*identity.EmailVerification
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		players:       make(map[ulid.ULID]*identity.Player),
		devices:       make(map[ulid.ULID]*identity.Device),
		sessions:      make(map[ulid.ULID]*identity.Session),
		verifications: make(map[ulid.ULID]*identity.EmailVerification),
	}
}

// GetPlayer retrieves a player by ID.
func (s *Store) GetPlayer(_ context.Context, id ulid.ULID) (*identity.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return copyPlayer(player), nil
}

// GetPlayerByShortID retrieves a player by short id (case-insensitive).
func (s *Store) GetPlayerByShortID(_ context.Context, shortID string) (*identity.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shortID = strings.ToUpper(strings.TrimSpace(shortID))
	for _, player := range s.players {
		if player.ShortID == shortID {
			return copyPlayer(player), nil
		}
	}
	return nil, identity.ErrNotFound
}

// GetPlayerByEmail retrieves a player by email (case-insensitive).
func (s *Store) GetPlayerByEmail(_ context.Context, email string) (*identity.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player := s.playerByEmailLocked(email)
	if player == nil {
		return nil, identity.ErrNotFound
	}
	return copyPlayer(player), nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(_ context.Context, id ulid.ULID) (*identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	d := *device
	return &d, nil
}

// ShortIDInUse reports whether a short id is already assigned.
func (s *Store) ShortIDInUse(_ context.Context, shortID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, player := range s.players {
		if player.ShortID == shortID {
			return true, nil
		}
	}
	return false, nil
}

// CreatePlayer stores a new player.
func (s *Store) CreatePlayer(_ context.Context, player *identity.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[player.ID] = copyPlayer(player)
	return nil
}

// CreateDevice stores a new device.
func (s *Store) CreateDevice(_ context.Context, device *identity.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[device.PlayerID]; !ok {
		return identity.ErrNotFound
	}
	d := *device
	s.devices[device.ID] = &d
	return nil
}

// Touch updates freshness timestamps.
func (s *Store) Touch(_ context.Context, playerID, deviceID ulid.ULID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[deviceID]; ok {
		device.LastSeenAt = at
	}
	if player, ok := s.players[playerID]; ok {
		player.UpdatedAt = at
	}
	return nil
}

// AttachEmail claims an email with the real three-way semantics, including
// a full merge when a different player owns the address.
func (s *Store) AttachEmail(_ context.Context, playerID ulid.ULID, email string) (*identity.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.players[playerID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	owner := s.playerByEmailLocked(email)
	switch {
	case owner == nil:
		e := email
		current.Email = &e
		current.UpdatedAt = time.Now()
		return copyPlayer(current), nil
	case owner.ID.Compare(playerID) == 0:
		return copyPlayer(owner), nil
	default:
		s.mergeLocked(owner.ID, playerID, time.Now())
		return copyPlayer(owner), nil
	}
}

// MergePlayers merges loser into winner.
func (s *Store) MergePlayers(_ context.Context, winnerID, loserID ulid.ULID) (*identity.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	winner, ok := s.players[winnerID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if _, ok := s.players[loserID]; !ok {
		return nil, identity.ErrNotFound
	}
	s.mergeLocked(winnerID, loserID, time.Now())
	return copyPlayer(winner), nil
}

// Replace revokes every active session for the player and inserts the new
// one under the store lock, mirroring the transactional replace.
func (s *Store) Replace(_ context.Context, session *identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[session.PlayerID]; !ok {
		return identity.ErrNotFound
	}
	for _, existing := range s.sessions {
		if existing.PlayerID.Compare(session.PlayerID) == 0 && existing.RevokedAt == nil {
			at := session.CreatedAt
			existing.RevokedAt = &at
		}
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// GetByID retrieves a session by ID.
func (s *Store) GetByID(_ context.Context, id ulid.ULID) (*identity.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// Revoke closes an unrevoked session; no-op otherwise.
func (s *Store) Revoke(_ context.Context, sessionID ulid.ULID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok && session.RevokedAt == nil {
		t := at
		session.RevokedAt = &t
	}
	return nil
}

// ExtendExpiry pushes expires_at forward on an unrevoked session.
func (s *Store) ExtendExpiry(_ context.Context, sessionID ulid.ULID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok && session.RevokedAt == nil && session.ExpiresAt.Before(expiresAt) {
		session.ExpiresAt = expiresAt
	}
	return nil
}

// ReplaceVerification implements VerificationRepository.Replace. The method
// name avoids clashing with SessionRepository.Replace; use Verifications()
// to obtain the interface view.
func (s *Store) ReplaceVerification(_ context.Context, verification *identity.EmailVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.verifications {
		if existing.PlayerID.Compare(verification.PlayerID) == 0 {
			delete(s.verifications, id)
		}
	}
	copied := *verification
	s.verifications[verification.ID] = &copied
	return nil
}

// ConfirmVerification implements VerificationRepository.Confirm.
func (s *Store) ConfirmVerification(_ context.Context, tokenHash string, now time.Time) (identity.ConfirmOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending *identity.EmailVerification
	for _, verification := range s.verifications {
		if verification.TokenHash == tokenHash {
			pending = verification
			break
		}
	}
	if pending == nil {
		return identity.ConfirmNotFound, nil
	}
	delete(s.verifications, pending.ID)

	if now.After(pending.ExpiresAt) {
		return identity.ConfirmExpired, nil
	}
	player, ok := s.players[pending.PlayerID]
	if !ok {
		return identity.ConfirmNotFound, nil
	}
	if owner := s.playerByEmailLocked(pending.Email); owner != nil && owner.ID.Compare(player.ID) != 0 {
		return identity.ConfirmEmailTaken, nil
	}
	email := pending.Email
	player.Email = &email
	player.EmailVerifiedAt = &now
	player.UpdatedAt = now
	return identity.ConfirmSuccess, nil
}

// Verifications returns the store as a VerificationRepository.
func (s *Store) Verifications() identity.VerificationRepository {
	return verificationView{s}
}

// verificationView adapts the Store's renamed verification methods to the
// VerificationRepository interface.
type verificationView struct {
	store *Store
}

func (v verificationView) Replace(ctx context.Context, verification *identity.EmailVerification) error {
	return v.store.ReplaceVerification(ctx, verification)
}

func (v verificationView) Confirm(ctx context.Context, tokenHash string, now time.Time) (identity.ConfirmOutcome, error) {
	return v.store.ConfirmVerification(ctx, tokenHash, now)
}

// ActiveSessions returns the unrevoked sessions for a player. Test helper.
func (s *Store) ActiveSessions(playerID ulid.ULID) []*identity.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*identity.Session
	for _, session := range s.sessions {
		if session.PlayerID.Compare(playerID) == 0 && session.RevokedAt == nil {
			copied := *session
			active = append(active, &copied)
		}
	}
	return active
}

// DevicesOf returns the devices bound to a player. Test helper.
func (s *Store) DevicesOf(playerID ulid.ULID) []*identity.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	var devices []*identity.Device
	for _, device := range s.devices {
		if device.PlayerID.Compare(playerID) == 0 {
			copied := *device
			devices = append(devices, &copied)
		}
	}
	return devices
}

// HasPlayer reports whether the player row still exists. Test helper.
func (s *Store) HasPlayer(playerID ulid.ULID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.players[playerID]
	return ok
}

// SessionCount returns the total number of session rows. Test helper.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) playerByEmailLocked(email string) *identity.Player {
	email = strings.ToLower(email)
	for _, player := range s.players {
		if player.Email != nil && strings.ToLower(*player.Email) == email {
			return player
		}
	}
	return nil
}

func (s *Store) mergeLocked(winnerID, loserID ulid.ULID, now time.Time) {
	for _, device := range s.devices {
		if device.PlayerID.Compare(loserID) == 0 {
			device.PlayerID = winnerID
		}
	}
	for id, session := range s.sessions {
		if session.PlayerID.Compare(loserID) == 0 {
			delete(s.sessions, id)
		}
	}
	for id, verification := range s.verifications {
		if verification.PlayerID.Compare(loserID) == 0 {
			delete(s.verifications, id)
		}
	}
	delete(s.players, loserID)
	if winner, ok := s.players[winnerID]; ok {
		winner.UpdatedAt = now
	}
}

func copyPlayer(p *identity.Player) *identity.Player {
	copied := *p
	if p.Email != nil {
		email := *p.Email
		copied.Email = &email
	}
	if p.EmailVerifiedAt != nil {
		at := *p.EmailVerifiedAt
		copied.EmailVerifiedAt = &at
	}
	return &copied
}

// Compile-time interface checks.
var (
	_ identity.DirectoryRepository = (*Store)(nil)
	_ identity.SessionRepository   = (*Store)(nil)
)
