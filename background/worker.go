// Package background runs the installation lifecycle: first install,
// extension and browser updates, startup validation, periodic token
// refresh, and retry of a failed initialization.
package background

import (
	"context"
	"errors"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/storage"
)

const (
	// MaxAuthRetries bounds RetryFailedAuthentication.
	MaxAuthRetries = 5

	// MaxLogEntries is the number of lifecycle events kept.
	MaxLogEntries = 100

	ValidateDelay   = 2 * time.Second
	RetryDelay      = 5 * time.Second
	RefreshInterval = 20 * time.Hour
)

// Lifecycle event types.
const (
	EventInstalled      = "EXTENSION_INSTALLED"
	EventUpdated        = "EXTENSION_UPDATED"
	EventTokenRefreshed = "TOKEN_REFRESHED"
	EventAuthRetryFail  = "AUTH_RETRY_FAILED"
)

// ErrAuthRetriesExceeded is returned once MaxAuthRetries is spent.
var ErrAuthRetriesExceeded = errors.New("max authentication retries exceeded")

// Tokens is the credential source the worker drives.
type Tokens interface {
	ClearAuth(ctx context.Context)
	Reissue(ctx context.Context) (auth.Credentials, error)
	Runtime() identity.Runtime
}

// Registrar registers credentials, scheduling its own retries.
type Registrar interface {
	Register(ctx context.Context, token string, id identity.Identity) error
}

// Worker handles lifecycle events.
type Worker struct {
	tokens    Tokens
	registrar Registrar
	state     *auth.State
	clock     clock.Clock
}

// New creates a worker.
func New(store storage.Store, tokens Tokens, registrar Registrar, clk clock.Clock) *Worker {
	if clk == nil {
		clk = clock.Real()
	}

	return &Worker{
		tokens:    tokens,
		registrar: registrar,
		state:     auth.NewState(store),
		clock:     clk,
	}
}

// HandleInstall creates a fresh identity and token and registers them.
// On failure the error is recorded for RetryFailedAuthentication.
func (w *Worker) HandleInstall(ctx context.Context) error {
	return w.install(ctx, false)
}

func (w *Worker) install(ctx context.Context, retrying bool) error {
	ctx = log.WithName(ctx, "background")

	log.Info(ctx, "Extension installed, generating initial authentication")

	w.tokens.ClearAuth(ctx)

	creds, err := w.tokens.Reissue(ctx)
	if err != nil {
		log.Error(ctx, err, "Failed to initialize extension authentication")

		w.state.Set(ctx, storage.KeyAuthInitFailed, true)
		w.state.Set(ctx, storage.KeyAuthError, err.Error())

		if !retrying {
			w.state.Set(ctx, storage.KeyRetryCount, 0)
		}

		metrics.RecordCounter(ctx, "lifecycle_events_total", 1, "event", "install", "outcome", "failure")

		return err
	}

	w.state.Set(ctx, storage.KeyExtVersion, creds.Identity.ExtensionVersion)
	w.register(ctx, creds)
	w.state.Remove(ctx, storage.KeyAuthInitFailed, storage.KeyAuthError)

	log.Info(ctx, "Extension authentication initialized")
	metrics.RecordCounter(ctx, "lifecycle_events_total", 1, "event", "install", "outcome", "success")

	w.LogEvent(ctx, EventInstalled, map[string]any{
		"extensionId": creds.Identity.ExtensionID,
		"version":     creds.Identity.ExtensionVersion,
		"installTime": creds.Identity.InstallTime,
	})

	return nil
}

// HandleUpdate moves the stored identity to the running version, mints a
// new token for it, and re-registers. Without a stored identity it
// behaves like a fresh install.
func (w *Worker) HandleUpdate(ctx context.Context, previousVersion string) error {
	ctx = log.WithName(ctx, "background")
	current := w.tokens.Runtime().Version

	direction := compareVersions(previousVersion, current)

	log.Info(ctx, "Extension updated",
		"previous_version", previousVersion,
		"version", current,
		"direction", direction,
	)

	if direction == "downgrade" {
		log.Warn(ctx, "Extension version moved backwards", "previous_version", previousVersion, "version", current)
	}

	if !w.state.Exists(ctx, storage.KeyIdentity) {
		return w.HandleInstall(ctx)
	}

	creds, err := w.tokens.Reissue(ctx)
	if err != nil {
		log.Error(ctx, err, "Failed to update extension authentication")

		return err
	}

	w.state.Set(ctx, storage.KeyLastUpdate, w.clock.Now().UnixMilli())
	w.state.Set(ctx, storage.KeyPreviousVersion, previousVersion)
	w.state.Set(ctx, storage.KeyExtVersion, current)

	w.register(ctx, creds)

	metrics.RecordCounter(ctx, "lifecycle_events_total", 1, "event", "update", "outcome", "success")

	w.LogEvent(ctx, EventUpdated, map[string]any{
		"previousVersion": previousVersion,
		"direction":       direction,
	})

	return nil
}

// compareVersions classifies the move from previous to current as
// upgrade, downgrade, same, or unknown when either is not semver.
func compareVersions(previous, current string) string {
	prev, err := semver.NewVersion(previous)
	if err != nil {
		return "unknown"
	}

	cur, err := semver.NewVersion(current)
	if err != nil {
		return "unknown"
	}

	switch {
	case cur.GreaterThan(prev):
		return "upgrade"
	case cur.LessThan(prev):
		return "downgrade"
	default:
		return "same"
	}
}

// HandleLaunch dispatches the lifecycle event implied by the stored
// version: install when none is recorded, update when it differs from the
// running version, and startup otherwise.
func (w *Worker) HandleLaunch(ctx context.Context) error {
	stored := w.state.String(ctx, storage.KeyExtVersion)
	current := w.tokens.Runtime().Version

	switch {
	case stored == "":
		return w.HandleInstall(ctx)
	case current != "" && stored != current:
		return w.HandleUpdate(ctx, stored)
	default:
		return w.HandleStartup(ctx)
	}
}

// HandleBrowserUpdate revalidates credentials after a host update.
func (w *Worker) HandleBrowserUpdate(ctx context.Context) error {
	log.Info(ctx, "Browser updated, validating authentication")

	return w.ValidateAndRefresh(ctx)
}

// HandleStartup revalidates credentials when the host starts.
func (w *Worker) HandleStartup(ctx context.Context) error {
	log.Info(ctx, "Extension startup")

	return w.ValidateAndRefresh(ctx)
}

// ValidateAndRefresh installs when no credentials are stored and
// reissues and re-registers an expired or unreadable token.
func (w *Worker) ValidateAndRefresh(ctx context.Context) error {
	ctx = log.WithName(ctx, "background")

	token := w.state.String(ctx, storage.KeyAuthToken)

	if token == "" || !w.state.Exists(ctx, storage.KeyIdentity) {
		log.Info(ctx, "No authentication found, initializing")

		return w.HandleInstall(ctx)
	}

	now := w.clock.Now()

	payload, err := identity.ParseToken(token)
	if err == nil && !payload.IsStaleFormat() && !payload.Expired(now) {
		log.Debug(ctx, "Authentication validation complete", "token_age", payload.Age(now).String())

		return nil
	}

	log.Info(ctx, "Token expired, refreshing")

	creds, err := w.tokens.Reissue(ctx)
	if err != nil {
		log.Error(ctx, err, "Authentication validation failed")

		return err
	}

	w.state.Set(ctx, storage.KeyTokenRefreshed, now.UnixMilli())
	w.register(ctx, creds)

	w.LogEvent(ctx, EventTokenRefreshed, nil)

	return nil
}

// RetryFailedAuthentication reinstalls after a failed initialization, at
// most MaxAuthRetries times.
func (w *Worker) RetryFailedAuthentication(ctx context.Context) error {
	if !w.state.Bool(ctx, storage.KeyAuthInitFailed) {
		return nil
	}

	count := w.state.Int64(ctx, storage.KeyRetryCount) + 1

	if count > MaxAuthRetries {
		log.Error(ctx, ErrAuthRetriesExceeded, "Giving up on authentication", "retry_count", count)
		w.LogEvent(ctx, EventAuthRetryFail, map[string]any{"retryCount": count})

		return ErrAuthRetriesExceeded
	}

	log.Info(ctx, "Retrying authentication", "attempt", count, "max_attempts", MaxAuthRetries)

	w.state.Set(ctx, storage.KeyRetryCount, count)

	return w.install(ctx, true)
}

func (w *Worker) register(ctx context.Context, creds auth.Credentials) {
	if w.registrar == nil {
		return
	}

	if err := w.registrar.Register(ctx, creds.Token, creds.Identity); err != nil {
		log.Warn(ctx, "Backend registration failed", "error", err.Error())
	}
}

// Event is a lifecycle log entry.
type Event map[string]any

// LogEvent appends an event to the persisted log, keeping the newest
// MaxLogEntries.
func (w *Worker) LogEvent(ctx context.Context, eventType string, data map[string]any) {
	entry := Event{}
	for key, value := range data {
		entry[key] = value
	}

	entry["eventType"] = eventType
	entry["timestamp"] = w.clock.Now().UnixMilli()
	entry["extensionVersion"] = w.tokens.Runtime().Version

	events := append(w.Events(ctx), entry)
	if len(events) > MaxLogEntries {
		events = events[len(events)-MaxLogEntries:]
	}

	w.state.Set(ctx, storage.KeyExtensionLogs, events)

	log.Info(ctx, "Extension event", "event_type", eventType)
}

// Events returns the persisted lifecycle log, oldest first.
func (w *Worker) Events(ctx context.Context) []Event {
	events, _, err := storage.Lookup[[]Event](ctx, w.state.Store(), storage.KeyExtensionLogs)
	if err != nil {
		log.Warn(ctx, "Failed to read extension logs", "error", err.Error())
	}

	return events
}

// Run schedules startup validation after ValidateDelay, a failed-auth
// retry after RetryDelay, and validation every RefreshInterval until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	ctx = log.WithName(ctx, "background")

	validate := w.clock.AfterFunc(ValidateDelay, func() {
		_ = w.ValidateAndRefresh(ctx)
	})
	defer validate.Stop()

	retry := w.clock.AfterFunc(RetryDelay, func() {
		_ = w.RetryFailedAuthentication(ctx)
	})
	defer retry.Stop()

	ticker := w.clock.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "Background worker stopped")

			return nil
		case <-ticker.C():
			log.Info(ctx, "Scheduled token refresh")

			_ = w.ValidateAndRefresh(ctx)
		}
	}
}
