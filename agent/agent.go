// Package agent assembles the client-side services of an installation:
// identity and token, backend registration, the authenticated API client,
// the response cache, the feeds and chat, and the lifecycle worker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jkoelker/newtab/api"
	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/background"
	"github.com/jkoelker/newtab/cache"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/feeds"
	"github.com/jkoelker/newtab/health"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/observability"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

// ErrExtensionIDRequired is returned when the runtime carries no extension ID.
var ErrExtensionIDRequired = errors.New("extension ID is required")

// Options configures an Agent.
type Options struct {
	Store   storage.Store
	Runtime identity.Runtime

	// APIBaseURL is the backend origin.
	APIBaseURL string

	// ChartBaseURL defaults to feeds.DefaultChartBaseURL.
	ChartBaseURL string

	// Chat configures the chat completion client. It gets its own HTTP
	// client unless one is set.
	Chat feeds.ChatOptions

	// HTTPClient defaults to api.NewHTTPClient.
	HTTPClient *http.Client
	Digest     identity.DigestProvider
	Clock      clock.Clock
}

// Agent holds the wired services. The store is owned by the caller.
type Agent struct {
	Store        storage.Store
	Tokens       *auth.TokenService
	Registration *registration.Orchestrator
	API          *api.Client
	Cache        *cache.Service
	Feeds        *feeds.Service
	Chat         *feeds.Chat
	Worker       *background.Worker

	clock clock.Clock
}

// New wires the services over opts.Store. The cache follows store changes
// until ctx ends or Close is called.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Runtime.ExtensionID == "" {
		return nil, ErrExtensionIDRequired
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = api.NewHTTPClient()
	}

	tokens := auth.NewTokenService(auth.Options{
		Store:   opts.Store,
		Runtime: opts.Runtime,
		Digest:  opts.Digest,
		Clock:   clk,
	})

	orchestrator := registration.New(
		opts.Store,
		registration.NewHTTPTransport(opts.APIBaseURL, httpClient),
		clk,
	)
	tokens.SetRegistrar(orchestrator)

	client := api.NewClient(api.Options{
		BaseURL:    opts.APIBaseURL,
		HTTPClient: httpClient,
		Tokens:     tokens,
		Registrar:  orchestrator,
		Store:      opts.Store,
		Clock:      clk,
	})

	responses, err := cache.New(ctx, cache.Options{
		Store:   opts.Store,
		Fetcher: client,
		Clock:   clk,
	})
	if err != nil {
		_ = orchestrator.Close()

		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Agent{
		Store:        opts.Store,
		Tokens:       tokens,
		Registration: orchestrator,
		API:          client,
		Cache:        responses,
		Feeds: feeds.New(feeds.Options{
			Client:       client,
			Cache:        responses,
			Clock:        clk,
			ChartBaseURL: opts.ChartBaseURL,
		}),
		Chat:   feeds.NewChat(opts.Chat),
		Worker: background.New(opts.Store, tokens, orchestrator, clk),
		clock:  clk,
	}, nil
}

// Run dispatches the launch lifecycle event and then runs the worker's
// schedule until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Worker.HandleLaunch(ctx); err != nil {
		log.Warn(ctx, "Launch handling failed, will retry", "error", err.Error())
	}

	return a.Worker.Run(ctx)
}

// Health returns a manager checking storage, registration, and the token.
func (a *Agent) Health(ctx context.Context, version string, strict bool) *health.Manager {
	manager := health.NewManagerWithConfig(&health.Config{
		StrictReadiness: strict,
		Version:         version,
	}, a.clock)

	manager.AddChecker(health.NewStorageChecker(a.Store, a.clock))
	manager.AddChecker(health.NewRegistrationChecker(a.Registration, a.clock))
	manager.AddChecker(health.NewTokenChecker(a.Tokens.TokenSource(ctx), a.clock))

	return manager
}

// StatusHandler serves the health endpoints and, when metrics is set,
// GET /metrics.
func StatusHandler(manager *health.Manager, metrics http.Handler, debugHealthChecks bool) http.Handler {
	mux := http.NewServeMux()

	health.NewHTTPHandler(manager, health.WithDebugHealthChecks(debugHealthChecks)).Register(mux)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return log.CorrelationIDMiddleware(
		log.LoggingMiddleware(
			observability.TracingMiddleware(
				observability.MetricsMiddleware(mux),
			),
		),
	)
}

// Close cancels pending registration retries and stops the cache
// subscription.
func (a *Agent) Close() error {
	return errors.Join(a.Registration.Close(), a.Cache.Close())
}
