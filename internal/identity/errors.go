// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import "errors"

// ErrNotFound is returned when a referenced player, device, or session no
// longer exists, typically because a concurrent merge removed it. Callers
// should re-resolve identity from scratch rather than retry blindly.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when claiming an email would violate the global
// email-uniqueness invariant.
var ErrEmailTaken = errors.New("email already taken")

// ErrMissingIdentity is returned when a required identity field could not be
// resolved from any request source.
var ErrMissingIdentity = errors.New("missing identity")
