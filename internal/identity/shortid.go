// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"crypto/rand"
	"math/big"

	"github.com/samber/oops"
)

// Short id configuration.
const (
	// ShortIDLength is the default length of generated short ids.
	ShortIDLength = 6

	// shortIDAlphabet omits 0/O/1/I/L to keep codes unambiguous when
	// typed or read aloud.
	shortIDAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// ShortIDGenerator produces candidate short ids. The Directory
// collision-checks every candidate before assignment.
type ShortIDGenerator interface {
	// Generate returns a random code of the given length.
	Generate(length int) (string, error)
}

// CryptoShortIDGenerator generates short ids from crypto/rand over an
// unambiguous uppercase alphabet.
type CryptoShortIDGenerator struct{}

// Generate returns a random code of the given length.
func (CryptoShortIDGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", oops.Code("SHORT_ID_INVALID_LENGTH").With("length", length).Errorf("length must be positive")
	}
	max := big.NewInt(int64(len(shortIDAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", oops.Code("SHORT_ID_GENERATE_FAILED").
				With("operation", "crypto/rand.Int").
				Wrap(err)
		}
		code[i] = shortIDAlphabet[n.Int64()]
	}
	return string(code), nil
}

// Compile-time interface check.
var _ ShortIDGenerator = CryptoShortIDGenerator{}
