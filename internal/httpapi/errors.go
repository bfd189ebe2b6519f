// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatehouse/gatehouse/internal/identity"
)

// APIError is the wire shape of an error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Wire error codes.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeMissingIdentity = "MISSING_IDENTITY"
	CodeNotFound        = "NOT_FOUND"
	CodeEmailTaken      = "EMAIL_TAKEN"
	CodeTokenGone       = "TOKEN_GONE"
	CodeExpired         = "EXPIRED"
	CodeInternalError   = "INTERNAL_ERROR"
)

// httpError pairs an HTTP status with a wire error.
type httpError struct {
	status   int
	apiError APIError
}

func (e *httpError) Error() string {
	return e.apiError.Message
}

// writeError maps err to a wire error and writes it. Unrecognized errors
// become opaque 500s; their detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	he := toHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: he.apiError})
}

func toHTTPError(err error) *httpError {
	var he *httpError
	if errors.As(err, &he) {
		return he
	}

	switch {
	case errors.Is(err, identity.ErrMissingIdentity):
		return &httpError{http.StatusUnauthorized, APIError{CodeMissingIdentity, "Identity required"}}
	case errors.Is(err, identity.ErrEmailTaken):
		return &httpError{http.StatusConflict, APIError{CodeEmailTaken, "Email already in use"}}
	case errors.Is(err, identity.ErrNotFound):
		return &httpError{http.StatusNotFound, APIError{CodeNotFound, "Not found"}}
	default:
		return &httpError{http.StatusInternalServerError, APIError{CodeInternalError, "Internal server error"}}
	}
}

func invalidRequestError(message string) error {
	return &httpError{http.StatusBadRequest, APIError{CodeInvalidRequest, message}}
}

func unauthorizedError(message string) error {
	return &httpError{http.StatusUnauthorized, APIError{CodeMissingIdentity, message}}
}

func tokenGoneError() error {
	return &httpError{http.StatusGone, APIError{CodeTokenGone, "Link expired or already used"}}
}
