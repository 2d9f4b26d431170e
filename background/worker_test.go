package background_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/background"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/storage"
)

type fakeRegistrar struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakeRegistrar) Register(_ context.Context, token string, _ identity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokens = append(f.tokens, token)

	return nil
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.tokens)
}

type harness struct {
	store     *storage.Memory
	clock     *clock.Fake
	registrar *fakeRegistrar
	worker    *background.Worker
}

func tokenService(store storage.Store, clk clock.Clock, version string) *auth.TokenService {
	return auth.NewTokenService(auth.Options{
		Store: store,
		Runtime: identity.Runtime{
			ExtensionID: "abcdefghijklmnop",
			Version:     version,
			UserAgent:   "Mozilla/5.0",
			Timezone:    "UTC",
		},
		Digest: identity.SHA256{},
		Clock:  clk,
	})
}

func newHarness(t *testing.T, version string) *harness {
	t.Helper()

	h := &harness{
		store:     storage.NewMemory(),
		clock:     clock.NewFake(time.Unix(1700000000, 0)),
		registrar: &fakeRegistrar{},
	}

	h.worker = background.New(h.store, tokenService(h.store, h.clock, version), h.registrar, h.clock)

	return h
}

func lookup[T any](t *testing.T, store storage.Store, key string) T {
	t.Helper()

	value, found, err := storage.Lookup[T](t.Context(), store, key)
	require.NoError(t, err)
	require.True(t, found, "key %s", key)

	return value
}

func TestHandleInstall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.0.0")
	ctx := t.Context()

	require.NoError(t, h.worker.HandleInstall(ctx))

	assert.Equal(t, 1, h.registrar.count())
	assert.Equal(t, "1.0.0", lookup[string](t, h.store, storage.KeyExtVersion))
	assert.Equal(t, lookup[string](t, h.store, storage.KeyAuthToken), h.registrar.tokens[0])

	events := h.worker.Events(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, background.EventInstalled, events[0]["eventType"])
	assert.Equal(t, "abcdefghijklmnop", events[0]["extensionId"])
	assert.InDelta(t, float64(1700000000000), events[0]["timestamp"], 0)
}

type brokenTokens struct{}

func (brokenTokens) ClearAuth(context.Context) {}

func (brokenTokens) Reissue(context.Context) (auth.Credentials, error) {
	return auth.Credentials{}, errors.New("digest unavailable")
}

func (brokenTokens) Runtime() identity.Runtime {
	return identity.Runtime{Version: "1.0.0"}
}

func TestInstallFailureAndRetries(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := storage.NewMemory()
	registrar := &fakeRegistrar{}
	worker := background.New(store, brokenTokens{}, registrar, clock.NewFake(time.Unix(1700000000, 0)))

	require.Error(t, worker.HandleInstall(ctx))
	assert.True(t, lookup[bool](t, store, storage.KeyAuthInitFailed))
	assert.Equal(t, "digest unavailable", lookup[string](t, store, storage.KeyAuthError))
	assert.Equal(t, int64(0), lookup[int64](t, store, storage.KeyRetryCount))

	for attempt := 1; attempt <= background.MaxAuthRetries; attempt++ {
		require.Error(t, worker.RetryFailedAuthentication(ctx))
		assert.Equal(t, int64(attempt), lookup[int64](t, store, storage.KeyRetryCount))
	}

	require.ErrorIs(t, worker.RetryFailedAuthentication(ctx), background.ErrAuthRetriesExceeded)
	assert.Equal(t, int64(background.MaxAuthRetries), lookup[int64](t, store, storage.KeyRetryCount))
	assert.Zero(t, registrar.count())

	events := worker.Events(ctx)
	require.NotEmpty(t, events)
	assert.Equal(t, background.EventAuthRetryFail, events[len(events)-1]["eventType"])
}

func TestRetryRecoversAndClearsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.0.0")
	ctx := t.Context()

	require.NoError(t, h.store.Set(ctx, storage.KeyAuthInitFailed, true))
	require.NoError(t, h.store.Set(ctx, storage.KeyRetryCount, 2))

	require.NoError(t, h.worker.RetryFailedAuthentication(ctx))
	assert.Equal(t, 1, h.registrar.count())

	_, found, err := storage.Lookup[bool](ctx, h.store, storage.KeyAuthInitFailed)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.worker.RetryFailedAuthentication(ctx))
	assert.Equal(t, 1, h.registrar.count())
}

func TestHandleUpdate(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := storage.NewMemory()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	registrar := &fakeRegistrar{}

	v1 := background.New(store, tokenService(store, clk, "1.0.0"), registrar, clk)
	require.NoError(t, v1.HandleInstall(ctx))

	installed := lookup[identity.Identity](t, store, storage.KeyIdentity)

	clk.Advance(time.Hour)

	v2 := background.New(store, tokenService(store, clk, "1.1.0"), registrar, clk)
	require.NoError(t, v2.HandleUpdate(ctx, "1.0.0"))

	updated := lookup[identity.Identity](t, store, storage.KeyIdentity)
	assert.Equal(t, "1.1.0", updated.ExtensionVersion)
	assert.Equal(t, installed.InstallTime, updated.InstallTime)
	assert.NotEqual(t, installed.Fingerprint, updated.Fingerprint)

	assert.Equal(t, "1.0.0", lookup[string](t, store, storage.KeyPreviousVersion))
	assert.Equal(t, "1.1.0", lookup[string](t, store, storage.KeyExtVersion))
	assert.Equal(t, clk.Now().UnixMilli(), lookup[int64](t, store, storage.KeyLastUpdate))
	assert.Equal(t, 2, registrar.count())

	payload, err := identity.ParseToken(lookup[string](t, store, storage.KeyAuthToken))
	require.NoError(t, err)
	assert.Equal(t, updated.Fingerprint, payload.FP)

	events := v2.Events(ctx)
	require.Len(t, events, 2)
	assert.Equal(t, background.EventUpdated, events[1]["eventType"])
	assert.Equal(t, "upgrade", events[1]["direction"])
	assert.Equal(t, "1.1.0", events[1]["extensionVersion"])
}

func TestHandleUpdateWithoutIdentityInstalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "2.0.0")

	require.NoError(t, h.worker.HandleUpdate(t.Context(), "not-a-version"))
	assert.Equal(t, 1, h.registrar.count())

	events := h.worker.Events(t.Context())
	require.Len(t, events, 1)
	assert.Equal(t, background.EventInstalled, events[0]["eventType"])
}

func TestHandleLaunchDispatches(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := storage.NewMemory()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	registrar := &fakeRegistrar{}

	v1 := background.New(store, tokenService(store, clk, "1.0.0"), registrar, clk)
	require.NoError(t, v1.HandleLaunch(ctx))
	assert.Equal(t, "1.0.0", lookup[string](t, store, storage.KeyExtVersion))
	assert.Equal(t, 1, registrar.count())

	require.NoError(t, v1.HandleLaunch(ctx))
	assert.Equal(t, 1, registrar.count())

	v2 := background.New(store, tokenService(store, clk, "2.0.0"), registrar, clk)
	require.NoError(t, v2.HandleLaunch(ctx))
	assert.Equal(t, "2.0.0", lookup[string](t, store, storage.KeyExtVersion))
	assert.Equal(t, "1.0.0", lookup[string](t, store, storage.KeyPreviousVersion))
	assert.Equal(t, 2, registrar.count())

	events := v2.Events(ctx)
	require.Len(t, events, 2)
	assert.Equal(t, background.EventInstalled, events[0]["eventType"])
	assert.Equal(t, background.EventUpdated, events[1]["eventType"])
}

func TestValidateAndRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.0.0")
	ctx := t.Context()

	require.NoError(t, h.worker.HandleStartup(ctx))
	assert.Equal(t, 1, h.registrar.count())

	first := lookup[string](t, h.store, storage.KeyAuthToken)

	h.clock.Advance(23 * time.Hour)
	require.NoError(t, h.worker.HandleBrowserUpdate(ctx))
	assert.Equal(t, 1, h.registrar.count())
	assert.Equal(t, first, lookup[string](t, h.store, storage.KeyAuthToken))

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.worker.ValidateAndRefresh(ctx))
	assert.Equal(t, 2, h.registrar.count())
	assert.NotEqual(t, first, lookup[string](t, h.store, storage.KeyAuthToken))
	assert.Equal(t, h.clock.Now().UnixMilli(), lookup[int64](t, h.store, storage.KeyTokenRefreshed))
}

func TestLogEventKeepsNewest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.0.0")
	ctx := t.Context()

	for i := range background.MaxLogEntries + 5 {
		h.worker.LogEvent(ctx, fmt.Sprintf("e%d", i), map[string]any{"index": i})
	}

	events := h.worker.Events(ctx)
	require.Len(t, events, background.MaxLogEntries)
	assert.Equal(t, "e5", events[0]["eventType"])
	assert.Equal(t, "1.0.0", events[0]["extensionVersion"])
	assert.Equal(t, fmt.Sprintf("e%d", background.MaxLogEntries+4), events[len(events)-1]["eventType"])
}

func TestRunSchedulesLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.0.0")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clock.Pending() == 3 }, time.Second, time.Millisecond)

	h.clock.Advance(background.ValidateDelay)
	assert.Equal(t, 1, h.registrar.count())

	h.clock.Advance(background.RetryDelay)
	assert.Equal(t, 1, h.registrar.count())

	h.clock.Advance(25 * time.Hour)
	assert.Eventually(t, func() bool { return h.registrar.count() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, h.clock.Pending())
}
