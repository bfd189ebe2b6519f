// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package identity implements anonymous player identification and the
// single-active-session guarantee.
//
// # Domain Types
//
// Player, Device, Session, and EmailVerification are plain domain structs
// created through their New* constructors, which validate required fields.
// Direct struct initialization bypasses validation and may create invalid
// state; repository implementations receive pre-validated values.
//
// # Services
//
// Service types coordinate domain operations:
//   - Directory - resolves and creates players/devices, merges accounts
//   - SessionService - enforces at most one active session per player
//   - TransferService - one-time magic-link transfer tokens
//   - VerificationService - email verification state machine
//   - Resolver - extracts identity from a transport request view
//
// All invariant-bearing operations (session replacement, account merge,
// email confirmation) run as single database transactions; the services
// never perform compensating writes after a partial failure.
package identity
