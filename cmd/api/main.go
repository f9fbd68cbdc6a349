// Package main is the entry point for the eventmail API server.
//
// It loads configuration, builds the shared service container, mounts the
// public routes (SendGrid and Stripe webhooks, unsubscribe links) and the
// admin campaign routes on the core chassis, and serves HTTP until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"eventmail/internal/api/handlers"
	"eventmail/internal/app"
	"eventmail/internal/config"
	"eventmail/internal/core"
	"eventmail/internal/external"
	"eventmail/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("eventmail API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}

	srv, err := newServer(cfg, logger, container)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(container.Close)

	return runHTTPServer(srv, cfg, logger)
}

// newServer mounts every route onto a core.Server backed by c.
func newServer(cfg *config.Config, logger *slog.Logger, c *app.Container) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	if c.Metrics != nil {
		srv.Metrics = c.Metrics
	}
	srv.PublicRateLimit = core.NewMemoryRateLimitStore()
	srv.HealthProbes = healthProbes(c)

	sendgrid, err := newSendGridHandler(cfg, logger, c)
	if err != nil {
		return nil, err
	}
	unsub := handlers.NewUnsubscribeHandler(c.Unsubscribe, srv.Validator, logger)
	srv.PublicRoutes = append(srv.PublicRoutes, sendgrid.RegisterRoutes, unsub.RegisterRoutes)

	if cfg.Billing.StripeWebhookSecret.IsSet() {
		stripe := handlers.NewStripeWebhookHandler(
			external.NewStripePaymentParser(cfg.Billing.StripeWebhookSecret.Unmask()),
			c.Dispatcher,
			c.Repos.Events,
			logger,
		)
		srv.PublicRoutes = append(srv.PublicRoutes, stripe.RegisterRoutes)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, payment webhook disabled")
	}

	campaigns := handlers.NewCampaignHandler(
		c.Materializer,
		c.Dispatcher,
		c.Repos.Scheduled,
		c.Repos.Events,
		c.Stats,
		srv.Validator,
		logger,
	)
	srv.AdminRoutes = append(srv.AdminRoutes, campaigns.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

func newSendGridHandler(cfg *config.Config, logger *slog.Logger, c *app.Container) (*handlers.SendGridWebhookHandler, error) {
	var verifier handlers.EventWebhookVerifier
	if cfg.Email.WebhookPublicKey != "" {
		v, err := external.NewSendGridVerifier(cfg.Email.WebhookPublicKey, cfg.Email.WebhookTolerance)
		if err != nil {
			return nil, fmt.Errorf("sendgrid webhook verifier: %w", err)
		}
		verifier = v
	} else if !cfg.IsLocal() {
		logger.Warn("SENDGRID_WEBHOOK_PUBLIC_KEY not set, accepting unsigned event webhooks")
	}

	var archiver handlers.PayloadArchiver
	if c.Archiver != nil {
		archiver = c.Archiver
	}

	var publisher handlers.TrackingPublisher
	if cfg.AWS.TrackingQueueURL != "" && c.Publisher != nil {
		publisher = c.Publisher
	}

	var fallback handlers.BatchApplier
	if c.Tracker != nil {
		fallback = c.Tracker
	}
	return handlers.NewSendGridWebhookHandler(verifier, archiver, publisher, fallback, nil, logger), nil
}

func healthProbes(c *app.Container) []core.HealthProbe {
	var probes []core.HealthProbe
	if c.Pool != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "database", Fn: c.Pool.Ping})
	}
	if c.Redis != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}})
	}
	return probes
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Releases the DB pool and Redis client.
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
