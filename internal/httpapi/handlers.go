// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/identity"
	"github.com/gatehouse/gatehouse/internal/mail"
	"github.com/gatehouse/gatehouse/internal/observability"
)

// Identity cookie lifetime. Player and device cookies outlive any one
// session; the session cookie tracks the session TTL.
const identityCookieMaxAge = 365 * 24 * time.Hour

// Handler serves the identity HTTP surface.
type Handler struct {
	resolver      *identity.Resolver
	directory     *identity.Directory
	sessions      *identity.SessionService
	transfers     *identity.TransferService
	verifications *identity.VerificationService
	mailer        mail.Mailer
	metrics       *observability.Metrics
	logger        *slog.Logger

	publicBaseURL string
	transferTTL   time.Duration
}

// HandlerConfig wires a Handler. Metrics may be nil.
type HandlerConfig struct {
	Resolver      *identity.Resolver
	Directory     *identity.Directory
	Sessions      *identity.SessionService
	Transfers     *identity.TransferService
	Verifications *identity.VerificationService
	Mailer        mail.Mailer
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	PublicBaseURL string
	TransferTTL   time.Duration
}

// NewHandler validates the wiring and creates a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Resolver == nil, cfg.Directory == nil, cfg.Sessions == nil,
		cfg.Transfers == nil, cfg.Verifications == nil, cfg.Mailer == nil:
		return nil, oops.Code("HTTPAPI_INVALID_DEPS").Errorf("all identity services are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transferTTL := cfg.TransferTTL
	if transferTTL <= 0 {
		transferTTL = 10 * time.Minute
	}
	return &Handler{
		resolver:      cfg.Resolver,
		directory:     cfg.Directory,
		sessions:      cfg.Sessions,
		transfers:     cfg.Transfers,
		verifications: cfg.Verifications,
		mailer:        cfg.Mailer,
		metrics:       cfg.Metrics,
		logger:        logger,
		publicBaseURL: cfg.PublicBaseURL,
		transferTTL:   transferTTL,
	}, nil
}

// identityResponse is the wire shape of a resolved, signed-in identity.
type identityResponse struct {
	PlayerID  string    `json:"playerId"`
	ShortID   string    `json:"playerShortId"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// sessionResponse is the wire shape of a session lookup.
type sessionResponse struct {
	PlayerID string `json:"playerId"`
	ShortID  string `json:"playerShortId"`
	DeviceID string `json:"deviceId"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// setIdentityCookies writes the full credential tuple back to the client.
func (h *Handler) setIdentityCookies(w http.ResponseWriter, c *identity.Context, session *identity.Session) {
	longLived := int(identityCookieMaxAge.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookiePlayer,
		Value:    c.Player.ID.String(),
		Path:     "/",
		MaxAge:   longLived,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieDevice,
		Value:    c.Device.ID.String(),
		Path:     "/",
		MaxAge:   longLived,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// The short id is readable by page scripts so the client can show it
	// as the "continue elsewhere" code.
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieShortID,
		Value:    c.Player.ShortID,
		Path:     "/",
		MaxAge:   longLived,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieSession,
		Value:    session.ID.String(),
		Path:     "/",
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieSession,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) recordSession(kind string) {
	if h.metrics != nil {
		h.metrics.RecordSession(kind)
	}
}

func (h *Handler) recordMerge(trigger string) {
	if h.metrics != nil {
		h.metrics.RecordMerge(trigger)
	}
}

func (h *Handler) recordTransferToken(kind string) {
	if h.metrics != nil {
		h.metrics.RecordTransferToken(kind)
	}
}

func (h *Handler) recordVerification(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordVerification(outcome)
	}
}

// signIn replaces the player's session and writes the credential tuple to
// the response.
func (h *Handler) signIn(w http.ResponseWriter, r *http.Request, c *identity.Context) {
	session, err := h.sessions.CreateOrReplace(r.Context(), c.Player.ID, c.Device.ID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	h.recordSession("created")
	h.directory.Touch(r.Context(), c)
	h.setIdentityCookies(w, c, session)
	writeJSON(w, http.StatusOK, identityResponse{
		PlayerID:  c.Player.ID.String(),
		ShortID:   c.Player.ShortID,
		DeviceID:  c.Device.ID.String(),
		SessionID: session.ID.String(),
		ExpiresAt: session.ExpiresAt,
	})
}

// DeviceInit resolves whatever credentials the request carries, creates
// the missing pieces, and signs the device in. Brand-new browsers get a
// fresh player; returning ones get their existing identity back.
func (h *Handler) DeviceInit(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.directory.Ensure(r.Context(), id.PlayerID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.signIn(w, r, c)
}

// Login signs the requesting device in. A `playerShortId` body field
// re-binds the device to that player first, merging the device's current
// player into it.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.directory.Ensure(r.Context(), id.PlayerID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	if shortID := view.BodyField(identity.BodyFieldShortID); shortID != "" {
		c, err = h.bindToShortID(r, c, shortID, "short_code")
		if err != nil {
			writeError(w, err)
			return
		}
	}
	h.signIn(w, r, c)
}

// bindToShortID re-points the context's device at the short id's player.
func (h *Handler) bindToShortID(r *http.Request, c *identity.Context, shortID, trigger string) (*identity.Context, error) {
	targetID, err := h.directory.TryGetPlayerIDByShortID(r.Context(), shortID)
	if err != nil {
		return nil, err
	}
	if targetID == nil {
		return nil, &httpError{http.StatusNotFound, APIError{CodeNotFound, "Unknown player code"}}
	}
	merged := c.Player.ID.Compare(*targetID) != 0
	c, err = h.directory.BindDevice(r.Context(), c, *targetID)
	if err != nil {
		return nil, err
	}
	if merged {
		h.recordMerge(trigger)
	}
	return c, nil
}

// Logout revokes the current session. Absent or already-dead sessions
// still log out cleanly: the endpoint is idempotent.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	if id.PlayerID != nil && id.SessionID != nil {
		if err := h.sessions.RevokeIfActive(r.Context(), *id.PlayerID, *id.SessionID); err != nil {
			writeError(w, err)
			return
		}
		h.recordSession("revoked")
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// GetSession validates the current session, sliding its expiry forward.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{
		RequireSessionID: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.sessions.TryGet(r.Context(), *id.SessionID, true)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeError(w, unauthorizedError("Invalid or expired session"))
		return
	}
	// A player credential that disagrees with the session is a stale or
	// forged tuple, not a live sign-in.
	if id.PlayerID != nil && id.PlayerID.Compare(info.PlayerID) != 0 {
		writeError(w, unauthorizedError("Session does not belong to this player"))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		PlayerID: info.PlayerID.String(),
		ShortID:  info.ShortID,
		DeviceID: info.DeviceID.String(),
	})
}

// BindPlayer points the requesting device at the player named by the
// `playerShortId` body field and signs it in as that player.
func (h *Handler) BindPlayer(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	shortID := view.BodyField(identity.BodyFieldShortID)
	if shortID == "" {
		writeError(w, invalidRequestError("playerShortId is required"))
		return
	}
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.directory.Ensure(r.Context(), id.PlayerID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err = h.bindToShortID(r, c, shortID, "short_code")
	if err != nil {
		writeError(w, err)
		return
	}
	h.signIn(w, r, c)
}

// AttachEmail claims the `email` body field for the current player and
// mails a verification link. When another player already verified that
// email, the current player is merged into it and the device follows.
func (h *Handler) AttachEmail(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	email := view.BodyField("email")
	if email == "" {
		writeError(w, invalidRequestError("email is required"))
		return
	}
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{
		RequirePlayerID: true,
		RequireDeviceID: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.directory.Ensure(r.Context(), id.PlayerID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	before := c.Player.ID
	c, err = h.directory.AttachEmail(r.Context(), c, email)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.Player.ID.Compare(before) != 0 {
		h.recordMerge("email")
	}

	token, expiresAt, err := h.verifications.Create(r.Context(), c.Player.ID, email)
	if err != nil {
		writeError(w, err)
		return
	}
	subject, body := mail.VerificationMessage(h.publicBaseURL, token)
	if err := h.mailer.Send(r.Context(), identity.NormalizeEmail(email), subject, body); err != nil {
		writeError(w, err)
		return
	}

	// The device may now belong to a different player; re-issue the
	// session so the tuple stays coherent.
	session, err := h.sessions.CreateOrReplace(r.Context(), c.Player.ID, c.Device.ID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	h.recordSession("created")
	h.setIdentityCookies(w, c, session)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "pending",
		"playerId":      c.Player.ID.String(),
		"playerShortId": c.Player.ShortID,
		"expiresAt":     expiresAt,
	})
}

// ConfirmEmail consumes a verification token from the query string.
func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, invalidRequestError("token is required"))
		return
	}
	outcome, err := h.verifications.Confirm(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	h.recordVerification(outcome.String())
	switch outcome {
	case identity.ConfirmSuccess:
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case identity.ConfirmExpired:
		writeError(w, &httpError{http.StatusGone, APIError{CodeExpired, "Verification link expired"}})
	case identity.ConfirmEmailTaken:
		writeError(w, &httpError{http.StatusConflict, APIError{CodeEmailTaken, "Email already in use"}})
	default:
		writeError(w, &httpError{http.StatusNotFound, APIError{CodeNotFound, "Unknown verification link"}})
	}
}

// RequestTransfer mails a one-time sign-in link to the `email` body
// field's owner. The response is 202 whether or not the email maps to a
// player, so the endpoint cannot be used to probe for accounts.
func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	view := newRequestView(r)
	email := view.BodyField("email")
	if email == "" {
		writeError(w, invalidRequestError("email is required"))
		return
	}

	accepted := func() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}

	playerID, err := h.directory.TryGetPlayerIDByEmail(r.Context(), email)
	if err != nil || playerID == nil {
		if err != nil {
			h.logger.ErrorContext(r.Context(), "transfer request lookup failed", "error", err)
		}
		accepted()
		return
	}
	token, err := h.transfers.CreateToken(r.Context(), *playerID, h.transferTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "transfer token issue failed", "error", err)
		accepted()
		return
	}
	h.recordTransferToken("issued")
	subject, body := mail.TransferMessage(h.publicBaseURL, token)
	if err := h.mailer.Send(r.Context(), identity.NormalizeEmail(email), subject, body); err != nil {
		h.logger.ErrorContext(r.Context(), "transfer mail failed", "error", err)
	}
	accepted()
}

// AcceptTransfer consumes a one-time transfer token, binds the accepting
// device to the token's player, and signs it in.
func (h *Handler) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, invalidRequestError("token is required"))
		return
	}
	playerID, err := h.transfers.ConsumeToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	if playerID == nil {
		writeError(w, tokenGoneError())
		return
	}
	h.recordTransferToken("consumed")

	view := newRequestView(r)
	id, err := h.resolver.Resolve(r.Context(), view, identity.ResolveOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.directory.Ensure(r.Context(), id.PlayerID, id.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.Player.ID.Compare(*playerID) != 0 {
		c, err = h.directory.BindDevice(r.Context(), c, *playerID)
		if err != nil {
			writeError(w, err)
			return
		}
		h.recordMerge("transfer")
	}
	h.signIn(w, r, c)
}
