// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package identity

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Credential channel names. The header lists carry historical variants;
// earlier entries win.
const (
	CookiePlayer  = "gh_player"
	CookieDevice  = "gh_device"
	CookieSession = "gh_session"
	CookieShortID = "gh_short"

	HeaderPlayer  = "X-Gatehouse-Player"
	HeaderDevice  = "X-Gatehouse-Device"
	HeaderSession = "X-Gatehouse-Session"
	HeaderShortID = "X-Gatehouse-Short-Id"

	// Pre-rename header names still sent by old clients.
	legacyHeaderPlayer  = "X-Player-Id"
	legacyHeaderDevice  = "X-Device-Id"
	legacyHeaderSession = "X-Session-Id"

	BodyFieldPlayer  = "playerId"
	BodyFieldShortID = "playerShortId"
)

// RequestView is a normalized, transport-agnostic view of a request's
// credential channels. Absent values are "".
type RequestView interface {
	// Cookie returns the named cookie value.
	Cookie(name string) string

	// Header returns the named header value.
	Header(name string) string

	// BodyField returns a top-level string field of a JSON request body.
	BodyField(name string) string
}

// Identity is the best-effort identifier tuple resolved from a request.
// Nil/empty fields could not be resolved from any source.
type Identity struct {
	PlayerID  *ulid.ULID
	ShortID   string
	DeviceID  *ulid.ULID
	SessionID *ulid.ULID
}

// ResolveOptions names the fields a caller requires. Resolution fails with
// a MissingIdentity error when a required field stays unresolved.
type ResolveOptions struct {
	RequirePlayerID  bool
	RequireDeviceID  bool
	RequireSessionID bool
}

// credentialSource extracts one candidate value from a request view.
// Sources are tried in order; the first non-empty value wins. The list is
// data-driven so new transports can be added without touching resolution.
type credentialSource func(RequestView) string

func fromCookie(name string) credentialSource {
	return func(v RequestView) string { return v.Cookie(name) }
}

func fromHeader(name string) credentialSource {
	return func(v RequestView) string { return v.Header(name) }
}

func fromBody(name string) credentialSource {
	return func(v RequestView) string { return v.BodyField(name) }
}

// Per-field ordered source lists. Device and session identifiers are
// security-sensitive and are never read from request bodies.
var (
	playerIDSources = []credentialSource{
		fromCookie(CookiePlayer),
		fromHeader(HeaderPlayer),
		fromHeader(legacyHeaderPlayer),
		fromBody(BodyFieldPlayer),
	}
	shortIDSources = []credentialSource{
		fromCookie(CookieShortID),
		fromHeader(HeaderShortID),
		fromBody(BodyFieldShortID),
	}
	deviceIDSources = []credentialSource{
		fromCookie(CookieDevice),
		fromHeader(HeaderDevice),
		fromHeader(legacyHeaderDevice),
	}
	sessionIDSources = []credentialSource{
		fromCookie(CookieSession),
		fromHeader(HeaderSession),
		fromHeader(legacyHeaderSession),
	}
)

// DirectoryLookup is the directory surface the resolver needs: short id to
// player id, and the back-fill direction.
type DirectoryLookup interface {
	TryGetPlayerIDByShortID(ctx context.Context, shortID string) (*ulid.ULID, error)
	TryGetShortID(ctx context.Context, playerID, deviceID *ulid.ULID) (string, error)
}

// Resolver extracts the identity tuple from a request. Resolution never
// creates records.
type Resolver struct {
	directory DirectoryLookup
}

// NewResolver creates a Resolver.
func NewResolver(directory DirectoryLookup) (*Resolver, error) {
	if directory == nil {
		return nil, oops.Code("RESOLVER_INVALID_DEPS").Errorf("directory lookup is required")
	}
	return &Resolver{directory: directory}, nil
}

// Resolve produces the best-effort identity tuple for a request. Malformed
// identifier values are treated as absent. When a required field cannot be
// resolved the call fails with a MissingIdentity error naming the field.
func (r *Resolver) Resolve(ctx context.Context, view RequestView, opts ResolveOptions) (*Identity, error) {
	id := &Identity{
		PlayerID:  firstULID(view, playerIDSources),
		ShortID:   firstValue(view, shortIDSources),
		DeviceID:  firstULID(view, deviceIDSources),
		SessionID: firstULID(view, sessionIDSources),
	}

	// A known short id stands in for a missing player id.
	if id.PlayerID == nil && id.ShortID != "" {
		playerID, err := r.directory.TryGetPlayerIDByShortID(ctx, id.ShortID)
		if err != nil {
			return nil, err
		}
		id.PlayerID = playerID
	}

	// Back-fill the short id so responses and later calls can echo it.
	if id.ShortID == "" && (id.PlayerID != nil || id.DeviceID != nil) {
		shortID, err := r.directory.TryGetShortID(ctx, id.PlayerID, id.DeviceID)
		if err != nil {
			return nil, err
		}
		id.ShortID = shortID
	}

	if opts.RequirePlayerID && id.PlayerID == nil {
		return nil, missingField("playerId")
	}
	if opts.RequireDeviceID && id.DeviceID == nil {
		return nil, missingField("deviceId")
	}
	if opts.RequireSessionID && id.SessionID == nil {
		return nil, missingField("sessionId")
	}
	return id, nil
}

func missingField(field string) error {
	return oops.Code("IDENTITY_MISSING").
		With("field", field).
		Wrap(ErrMissingIdentity)
}

func firstValue(view RequestView, sources []credentialSource) string {
	for _, source := range sources {
		if value := source(view); value != "" {
			return value
		}
	}
	return ""
}

func firstULID(view RequestView, sources []credentialSource) *ulid.ULID {
	for _, source := range sources {
		value := source(view)
		if value == "" {
			continue
		}
		id, err := ulid.Parse(value)
		if err != nil {
			continue
		}
		return &id
	}
	return nil
}
