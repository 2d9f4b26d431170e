package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/newtab/backend"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/cmd/newtab-backend/commands"
	"github.com/jkoelker/newtab/config"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/observability"
	"github.com/jkoelker/newtab/storage"
	tls "github.com/jkoelker/newtab/tls"
)

const (
	// otelShutdownTimeout is the timeout for shutting down OpenTelemetry providers.
	otelShutdownTimeout = 5 * time.Second
	// serverReadTimeout is the timeout for reading HTTP requests.
	serverReadTimeout = 15 * time.Second
	// serverWriteTimeout is the timeout for writing HTTP responses.
	serverWriteTimeout = 15 * time.Second
	// serverIdleTimeout is the timeout for idle connections.
	serverIdleTimeout = 30 * time.Second
	// gracefulShutdownTimeout is the timeout for graceful shutdown.
	gracefulShutdownTimeout = 15 * time.Second
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "newtab-backend",
		Usage:   "Registration backend for new tab extension installations",
		Version: version,
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTPS server (default)",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return serve(ctx)
				},
			},
			commands.SessionsCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.InitializeLogger(cfg.DebugLogging, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := initializeOTel(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownOTel(otelProviders)

	store, err := initializeStorage(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Close() }()

	adminKey, err := cfg.LoadAdminKey()
	if err != nil {
		log.Error(ctx, err, "Failed to load admin API key")

		return fmt.Errorf("failed to load admin API key: %w", err)
	}

	tlsManager, err := initializeTLS(ctx, cfg)
	if err != nil {
		return err
	}

	app := backend.NewServer(backend.Options{
		Store:             store,
		Digest:            identity.DefaultDigest(),
		AdminAPIKey:       adminKey,
		MaxSessions:       cfg.MaxSessions,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Version:           version,
		StrictReadiness:   cfg.StrictReadiness,
		DebugHealthChecks: cfg.DebugLogging,
		Metrics:           otelProviders.PrometheusHTTP,
	})
	app.Health().AddChecker(tls.NewChecker(tlsManager))

	go func() {
		if err := app.Run(ctx); err != nil {
			log.Error(ctx, err, "Session cleanup stopped")
		}
	}()

	server := createServer(cfg, app, tlsManager)

	startServer(ctx, server)

	return handleShutdown(ctx, server)
}

// initializeOTel initializes OpenTelemetry and returns providers.
func initializeOTel(ctx context.Context, cfg *config.Config) (*observability.OTelProviders, error) {
	otelProviders, err := observability.InitializeOTel(ctx, observability.OTelConfig{
		ServiceName:    cfg.ServiceName,
		MetricsEnabled: cfg.MetricsEnabled,
		TracingEnabled: cfg.TracingEnabled,
	})
	if err != nil {
		log.Error(ctx, err, "Failed to initialize OpenTelemetry")

		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	return otelProviders, nil
}

// shutdownOTel shuts down OpenTelemetry providers.
func shutdownOTel(otelProviders *observability.OTelProviders) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()

	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, err, "Failed to shutdown OpenTelemetry providers")
	}
}

// initializeStorage opens the session store.
func initializeStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.InMemoryStorage {
		log.Warn(ctx, "Using in-memory storage, sessions will not survive a restart")

		return storage.NewMemory(), nil
	}

	kdfParams, err := cfg.StorageKDFParams()
	if err != nil {
		log.Error(ctx, err, "Failed to get storage KDF parameters")

		return nil, fmt.Errorf("failed to get storage KDF parameters: %w", err)
	}

	seed, err := cfg.ResolveStorageSeed()
	if err != nil {
		log.Error(ctx, err, "Failed to resolve storage seed")

		return nil, fmt.Errorf("failed to resolve storage seed: %w", err)
	}

	store, err := storage.OpenBadger(ctx, storage.BadgerOptions{
		Dir:  cfg.DataPath,
		Seed: []byte(seed),
		KDF:  kdfParams,
	})
	if err != nil {
		log.Error(ctx, err, "Failed to initialize storage", "data_path", cfg.DataPath)

		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return store, nil
}

// initializeTLS initializes the TLS manager.
func initializeTLS(ctx context.Context, cfg *config.Config) (*tls.Manager, error) {
	tlsManager := tls.NewManager(cfg.TLSCertPath, cfg.TLSKeyPath, clock.Real(), cfg.ListenAddr)
	if err := tlsManager.Initialize(ctx); err != nil {
		log.Error(ctx, err, "Failed to initialize TLS")

		return nil, fmt.Errorf("failed to initialize TLS: %w", err)
	}

	return tlsManager, nil
}

// createServer wraps the backend in the middleware stack.
func createServer(cfg *config.Config, app http.Handler, tlsManager *tls.Manager) *http.Server {
	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.Port)

	// Order: CorrelationID -> Logging -> Tracing -> Metrics -> backend.
	// Metrics sits inside tracing so it observes the route pattern the
	// mux records on the request.
	handler := log.CorrelationIDMiddleware(
		log.LoggingMiddleware(
			observability.TracingMiddleware(
				observability.MetricsMiddleware(app),
			),
		),
	)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
		TLSConfig:    tlsManager.Config(),
	}
}

// startServer starts the HTTP server in a goroutine.
func startServer(ctx context.Context, server *http.Server) {
	log.Info(ctx, "HTTPS server starting", "address", server.Addr)

	go func() {
		// Certificates come from the TLS config's GetCertificate.
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(
			err,
			http.ErrServerClosed,
		) {
			log.Error(ctx, err, "Server error")
		}
	}()
}

// handleShutdown blocks until ctx is cancelled, then stops the server.
func handleShutdown(ctx context.Context, server *http.Server) error {
	<-ctx.Done()
	log.Info(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, "Server shutdown error")

		return fmt.Errorf("server shutdown error: %w", err)
	}

	log.Info(ctx, "Server gracefully stopped")

	return nil
}
