// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/cache"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/httpapi"
	"github.com/gatehouse/gatehouse/internal/identity"
	identitypg "github.com/gatehouse/gatehouse/internal/identity/postgres"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/mail"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/store"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatehouse HTTP server",
		Long: `Start the identity HTTP server together with the metrics/health
endpoint. Configuration comes from defaults, the --config file, the
DATABASE_URL environment variable, and flags, in that order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("http.addr", "", "HTTP listen address")
	cmd.Flags().String("observability.addr", "", "metrics/health listen address (empty = disabled)")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")
	cmd.Flags().String("log.format", "", "log format (json or text)")
	cmd.Flags().String("log.level", "", "log level (debug, info, warn, error)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("gatehouse", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	logger := slog.Default()

	if cfg.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database url is required (set DATABASE_URL or database.url)")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("connected to database")

	tokens, err := newTokenCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tokens.Close() }()

	// Repositories and services.
	pool := st.Pool()
	directoryRepo := identitypg.NewDirectoryRepository(pool)
	sessionRepo := identitypg.NewSessionRepository(pool)
	verificationRepo := identitypg.NewVerificationRepository(pool)

	directory, err := identity.NewDirectory(directoryRepo, identity.CryptoShortIDGenerator{})
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(directory)
	if err != nil {
		return err
	}
	sessions, err := identity.NewSessionServiceWithOptions(sessionRepo, directoryRepo, cfg.Session.TTL, logger)
	if err != nil {
		return err
	}
	transfers, err := identity.NewTransferService(tokens)
	if err != nil {
		return err
	}
	verifications, err := identity.NewVerificationService(verificationRepo, cfg.Verification.TTL)
	if err != nil {
		return err
	}

	// Observability server, started first so readiness covers startup.
	var metrics *observability.Metrics
	var obsServer *observability.Server
	if cfg.Observability.Addr != "" {
		obsServer = observability.NewServer(cfg.Observability.Addr, func() bool {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return st.Ping(pingCtx) == nil
		})
		metrics = obsServer.Metrics()
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Resolver:      resolver,
		Directory:     directory,
		Sessions:      sessions,
		Transfers:     transfers,
		Verifications: verifications,
		Mailer:        newMailer(cfg, logger),
		Metrics:       metrics,
		Logger:        logger,
		PublicBaseURL: cfg.HTTP.PublicBaseURL,
		TransferTTL:   cfg.Transfer.TTL,
	})
	if err != nil {
		return err
	}

	httpServer := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(handler, logger, metrics), logger)
	httpErrChan := make(chan error, 1)
	go func() {
		httpErrChan <- httpServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-httpErrChan:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// newTokenCache builds the transfer-token cache for the configured backend.
func newTokenCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedis(ctx, cfg.Cache.RedisURL)
	default:
		return cache.NewMemory(), nil
	}
}

// newMailer picks SMTP when configured, otherwise logs the links.
func newMailer(cfg *config.Config, logger *slog.Logger) mail.Mailer {
	if cfg.SMTP.Addr != "" {
		return &mail.SMTP{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
	}
	return &mail.LogMailer{Logger: logger}
}

// monitorServerErrors cancels the run context when a background server
// fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errChan <-chan error, name string) {
	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
