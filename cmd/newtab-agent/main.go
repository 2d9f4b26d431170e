package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/newtab/agent"
	"github.com/jkoelker/newtab/config"
	"github.com/jkoelker/newtab/feeds"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/observability"
	"github.com/jkoelker/newtab/storage"
)

const (
	otelShutdownTimeout     = 5 * time.Second
	statusReadTimeout       = 5 * time.Second
	statusWriteTimeout      = 10 * time.Second
	statusIdleTimeout       = 30 * time.Second
	gracefulShutdownTimeout = 15 * time.Second
)

var version = "dev"

var errPromptRequired = errors.New("prompt is required")

func main() {
	app := &cli.Command{
		Name:    "newtab-agent",
		Usage:   "New tab installation agent: identity, registration, and feeds",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			tokenCommand(),
			refreshCommand(),
			clearCommand(),
			fetchCommand(),
			chatCommand(),
			statsCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the configured agent with the resources it owns.
type env struct {
	cfg   *config.Config
	store storage.Store
	agent *agent.Agent
}

func (e *env) Close() {
	if err := e.agent.Close(); err != nil {
		log.Warn(context.Background(), "Failed to close agent", "error", err.Error())
	}

	if err := e.store.Close(); err != nil {
		log.Warn(context.Background(), "Failed to close storage", "error", err.Error())
	}
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log.InitializeLogger(cfg.DebugLogging, cfg.LogFormat)

	store, err := initializeStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timezone := cfg.Timezone
	if timezone == "" {
		timezone = time.Local.String()
	}

	a, err := agent.New(ctx, agent.Options{
		Store: store,
		Runtime: identity.Runtime{
			ExtensionID: cfg.ExtensionID,
			Version:     cfg.ExtensionVersion,
			UserAgent:   cfg.UserAgent,
			Timezone:    timezone,
		},
		APIBaseURL:   cfg.APIBaseURL,
		ChartBaseURL: cfg.ChartBaseURL,
		Chat: feeds.ChatOptions{
			APIKey:  cfg.ChatAPIKey,
			BaseURL: cfg.ChatBaseURL,
			Model:   cfg.ChatModel,
		},
		Digest: identity.DefaultDigest(),
	})
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	return &env{cfg: cfg, store: store, agent: a}, nil
}

// initializeStorage opens the agent's local store.
func initializeStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.InMemoryStorage {
		return storage.NewMemory(), nil
	}

	kdfParams, err := cfg.StorageKDFParams()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage KDF parameters: %w", err)
	}

	seed, err := cfg.ResolveStorageSeed()
	if err != nil {
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

// withEnv runs fn with a configured agent and releases it afterwards.
func withEnv(fn func(ctx context.Context, cmd *cli.Command, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		return fn(ctx, cmd, e)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Handle the launch event and keep credentials fresh until interrupted",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			providers, err := observability.InitializeOTel(ctx, observability.OTelConfig{
				ServiceName:    e.cfg.ServiceName + "-agent",
				MetricsEnabled: e.cfg.MetricsEnabled,
				TracingEnabled: e.cfg.TracingEnabled,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
			}
			defer shutdownOTel(providers)

			if e.cfg.StatusAddr != "" {
				server := &http.Server{
					Addr: e.cfg.StatusAddr,
					Handler: agent.StatusHandler(
						e.agent.Health(ctx, e.cfg.ExtensionVersion, e.cfg.StrictReadiness),
						providers.PrometheusHTTP,
						e.cfg.DebugLogging,
					),
					ReadTimeout:  statusReadTimeout,
					WriteTimeout: statusWriteTimeout,
					IdleTimeout:  statusIdleTimeout,
				}

				go serveStatus(ctx, server)
				defer shutdownStatus(ctx, server)
			}

			return e.agent.Run(ctx)
		}),
	}
}

func serveStatus(ctx context.Context, server *http.Server) {
	log.Info(ctx, "Status server starting", "address", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, err, "Status server error")
	}
}

func shutdownStatus(ctx context.Context, server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, "Status server shutdown error")
	}
}

func shutdownOTel(providers *observability.OTelProviders) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()

	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, err, "Failed to shutdown OpenTelemetry providers")
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Print valid credentials, minting and registering them if needed",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "headers", Usage: "Print the request headers instead"},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			if cmd.Bool("headers") {
				header, err := e.agent.Tokens.Headers(ctx)
				if err != nil {
					return fmt.Errorf("get headers: %w", err)
				}

				return printJSON(header)
			}

			creds, err := e.agent.Tokens.GetValidToken(ctx)
			if err != nil {
				return fmt.Errorf("get token: %w", err)
			}

			return printJSON(creds)
		}),
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Discard the identity and token and derive new ones",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			creds, err := e.agent.Tokens.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("refresh: %w", err)
			}

			return printJSON(creds)
		}),
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove stored credentials, and optionally cached responses",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "cache", Usage: "Also clear the response cache"},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			e.agent.Tokens.ClearAuth(ctx)

			if cmd.Bool("cache") {
				e.agent.Cache.Clear(ctx)
			}

			fmt.Fprintln(os.Stdout, "Cleared")

			return nil
		}),
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Fetch feed data through the cache",
		Commands: []*cli.Command{
			{
				Name:  "weather",
				Usage: "Current conditions and forecast",
				Flags: []cli.Flag{
					&cli.FloatFlag{Name: "lat", Required: true},
					&cli.FloatFlag{Name: "lon", Required: true},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					report, err := e.agent.Feeds.Weather(ctx, cmd.Float("lat"), cmd.Float("lon"))
					if err != nil {
						return fmt.Errorf("weather: %w", err)
					}

					return printJSON(report)
				}),
			},
			{
				Name:      "geocode",
				Usage:     "Resolve an address to places",
				ArgsUsage: "<address>",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					places, err := e.agent.Feeds.Geocode(ctx, cmd.Args().First())
					if err != nil {
						return fmt.Errorf("geocode: %w", err)
					}

					return printJSON(places)
				}),
			},
			{
				Name:      "stock",
				Usage:     "Quote and chart for a symbol",
				ArgsUsage: "<symbol>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "range", Value: "1d", Usage: "1d, 5d, 1mo, 6mo, or 1y"},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					quote, err := e.agent.Feeds.StockChart(ctx, cmd.Args().First(), cmd.String("range"))
					if err != nil {
						return fmt.Errorf("stock: %w", err)
					}

					return printJSON(quote)
				}),
			},
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a prompt to the chat model",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "system", Usage: "System prompt"},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			prompt := strings.Join(cmd.Args().Slice(), " ")
			if prompt == "" {
				return errPromptRequired
			}

			var messages []feeds.Message
			if system := cmd.String("system"); system != "" {
				messages = append(messages, feeds.Message{Role: "system", Content: system})
			}

			reply, err := e.agent.Chat.Complete(ctx, append(messages, feeds.Message{Role: "user", Content: prompt}))
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			fmt.Fprintln(os.Stdout, reply.Content)

			return nil
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show identity, registration, cache, and lifecycle state",
		Action: withEnv(func(ctx context.Context, _ *cli.Command, e *env) error {
			return printJSON(map[string]any{
				"extension":    e.agent.Tokens.ExtensionStats(ctx),
				"registration": e.agent.Registration.Record(ctx),
				"cache":        e.agent.Cache.Stats(ctx),
				"events":       e.agent.Worker.Events(ctx),
			})
		}),
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(data))

	return nil
}
