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

	"github.com/gatehouse/gatehouse/internal/cache"
)

// Transfer token configuration.
const (
	TransferTokenBytes = 32               // 32 bytes = 64 hex chars
	DefaultTransferTTL = 10 * time.Minute // magic links are short-lived
)

// transferKeyPrefix namespaces transfer entries in the shared cache.
const transferKeyPrefix = "transfer:"

// GenerateTransferToken creates a secure random token and its hash.
// The plaintext token goes into the emailed link; only the hash is stored,
// so a leaked cache snapshot cannot be used to forge transfers.
func GenerateTransferToken() (token, hash string, err error) {
	tokenBytes := make([]byte, TransferTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("TRANSFER_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			Wrap(err)
	}
	token = hex.EncodeToString(tokenBytes)
	return token, hashTransferToken(token), nil
}

// hashTransferToken computes the SHA256 hash of a token.
func hashTransferToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TransferService issues and consumes the one-time tokens behind the
// magic-link device-transfer flow. Tokens live in an injected expiring
// cache and are valid for exactly one successful consumption.
type TransferService struct {
	tokens cache.Cache
}

// NewTransferService creates a TransferService.
func NewTransferService(tokens cache.Cache) (*TransferService, error) {
	if tokens == nil {
		return nil, oops.Code("TRANSFER_INVALID_DEPS").Errorf("token cache is required")
	}
	return &TransferService{tokens: tokens}, nil
}

// CreateToken issues a new transfer token for the player. The returned
// plaintext token is never stored or logged.
func (s *TransferService) CreateToken(ctx context.Context, playerID ulid.ULID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTransferTTL
	}
	token, hash, err := GenerateTransferToken()
	if err != nil {
		return "", err
	}
	if err := s.tokens.Set(ctx, transferKeyPrefix+hash, playerID.String(), ttl); err != nil {
		return "", oops.Code("TRANSFER_TOKEN_STORE_FAILED").
			With("operation", "Set").
			Wrap(err)
	}
	return token, nil
}

// ConsumeToken redeems a token, returning the associated player id exactly
// once across any number of concurrent callers. Expired, already-consumed,
// and unknown tokens are indistinguishable: all return nil.
func (s *TransferService) ConsumeToken(ctx context.Context, token string) (*ulid.ULID, error) {
	if token == "" {
		return nil, nil
	}
	value, ok, err := s.tokens.Take(ctx, transferKeyPrefix+hashTransferToken(token))
	if err != nil {
		return nil, oops.Code("TRANSFER_TOKEN_CONSUME_FAILED").
			With("operation", "Take").
			Wrap(err)
	}
	if !ok {
		return nil, nil
	}
	playerID, err := ulid.Parse(value)
	if err != nil {
		return nil, oops.Code("TRANSFER_TOKEN_CORRUPT").
			With("operation", "parse player id").
			Wrap(err)
	}
	return &playerID, nil
}
