// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package httpapi exposes the identity flows over HTTP: device
// bootstrap, login and logout, session lookup, short-code binding, email
// attach/confirm, and device transfer via one-time links.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/observability"
)

// NewRouter assembles the identity routes with logging, recovery,
// tracing, and metrics middleware.
func NewRouter(h *Handler, logger *slog.Logger, metrics *observability.Metrics) http.Handler {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(logger))
	r.Use(tracingMiddleware())
	r.Use(loggingMiddleware(logger))
	r.Use(metricsMiddleware(metrics))

	r.HandleFunc("/device/init", h.DeviceInit).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/session", h.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/player/bind", h.BindPlayer).Methods(http.MethodPost)
	r.HandleFunc("/email/attach", h.AttachEmail).Methods(http.MethodPost)
	r.HandleFunc("/email/confirm", h.ConfirmEmail).Methods(http.MethodGet)
	r.HandleFunc("/transfer/request", h.RequestTransfer).Methods(http.MethodPost)
	r.HandleFunc("/transfer/accept", h.AcceptTransfer).Methods(http.MethodGet)

	return r
}

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the public HTTP server.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return oops.Code("HTTP_SERVER_FAILED").Wrapf(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrapf(err, "http shutdown failed")
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
