// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Verification token configuration.
const (
	VerificationTokenBytes = 32             // 32 bytes = 64 hex chars
	DefaultVerificationTTL = 24 * time.Hour // links stay usable for a day
)

// EmailVerification is a pending email claim for a player. At most one
// pending verification exists per player: a new request supersedes the
// previous one.
type EmailVerification struct {
	ID        ulid.ULID
	PlayerID  ulid.ULID
	Email     string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired returns true if the verification has expired.
func (v *EmailVerification) IsExpired() bool {
	return time.Now().After(v.ExpiresAt)
}

// NewEmailVerification creates a validated EmailVerification.
func NewEmailVerification(playerID ulid.ULID, email, tokenHash string, expiresAt time.Time) (*EmailVerification, error) {
	if playerID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("VERIFICATION_INVALID_PLAYER").Errorf("player ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("VERIFICATION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	return &EmailVerification{
		ID:        ulid.Make(),
		PlayerID:  playerID,
		Email:     NormalizeEmail(email),
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// GenerateVerificationToken creates a secure random token and its hash.
// The plaintext token goes into the emailed link; the hash is stored.
func GenerateVerificationToken() (token, hash string, err error) {
	tokenBytes := make([]byte, VerificationTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("VERIFICATION_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token = hex.EncodeToString(tokenBytes)
	return token, HashVerificationToken(token), nil
}

// HashVerificationToken computes the SHA256 hash of a verification token.
func HashVerificationToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ConfirmOutcome is the result of a verification confirm attempt.
type ConfirmOutcome int

// Confirm outcomes.
const (
	ConfirmSuccess ConfirmOutcome = iota
	ConfirmNotFound
	ConfirmExpired
	ConfirmEmailTaken
)

// String returns the outcome name.
func (o ConfirmOutcome) String() string {
	switch o {
	case ConfirmSuccess:
		return "success"
	case ConfirmNotFound:
		return "not_found"
	case ConfirmExpired:
		return "expired"
	case ConfirmEmailTaken:
		return "email_taken"
	default:
		return "unknown"
	}
}

// VerificationRepository manages email verification persistence.
type VerificationRepository interface {
	// Replace deletes any pending verification for the player and inserts
	// the new one, atomically.
	Replace(ctx context.Context, verification *EmailVerification) error

	// Confirm looks up and locks the pending row by token hash and applies
	// the confirm state machine in one transaction: expired rows are
	// deleted and reported Expired; otherwise the owning player's email
	// and verified timestamp are set, reporting EmailTaken on a uniqueness
	// violation (the row is still destroyed) or NotFound when the player
	// was merged away. The verification row never survives a confirm.
	Confirm(ctx context.Context, tokenHash string, now time.Time) (ConfirmOutcome, error)
}

// VerificationService drives the email-verification state machine.
type VerificationService struct {
	verifications VerificationRepository
	ttl           time.Duration
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(verifications VerificationRepository, ttl time.Duration) (*VerificationService, error) {
	if verifications == nil {
		return nil, oops.Code("VERIFICATION_INVALID_DEPS").Errorf("verification repository is required")
	}
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	return &VerificationService{verifications: verifications, ttl: ttl}, nil
}

// Create issues a pending verification for the player, superseding any
// previous one for the same player (but not for others). Returns the
// plaintext token for the emailed link and the expiry.
func (s *VerificationService) Create(ctx context.Context, playerID ulid.ULID, email string) (string, time.Time, error) {
	token, hash, err := GenerateVerificationToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(s.ttl)
	verification, err := NewEmailVerification(playerID, email, hash, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.verifications.Replace(ctx, verification); err != nil {
		return "", time.Time{}, oops.Code("VERIFICATION_CREATE_FAILED").
			With("operation", "Replace").
			With("player_id", playerID.String()).
			Wrap(err)
	}
	return token, expiresAt, nil
}

// Confirm redeems a verification token. One-time semantics: a second use of
// the same token is indistinguishable from an unknown token.
func (s *VerificationService) Confirm(ctx context.Context, token string) (ConfirmOutcome, error) {
	if token == "" {
		return ConfirmNotFound, nil
	}
	outcome, err := s.verifications.Confirm(ctx, HashVerificationToken(token), time.Now())
	if err != nil {
		return outcome, oops.Code("VERIFICATION_CONFIRM_FAILED").
			With("operation", "Confirm").
			Wrap(err)
	}
	return outcome, nil
}
