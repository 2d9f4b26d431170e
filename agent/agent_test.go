package agent_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/agent"
	"github.com/jkoelker/newtab/backend"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/feeds"
	"github.com/jkoelker/newtab/health"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

type harness struct {
	clock   *clock.Fake
	backend *backend.Server
	agent   *agent.Agent
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{clock: clock.NewFake(time.Unix(1700000000, 0))}

	h.backend = backend.NewServer(backend.Options{
		Store:  storage.NewMemory(),
		Clock:  h.clock,
		Digest: identity.SHA256{},
	})

	srv := httptest.NewServer(h.backend)
	t.Cleanup(srv.Close)

	a, err := agent.New(t.Context(), agent.Options{
		Store: storage.NewMemory(),
		Runtime: identity.Runtime{
			ExtensionID: "abcdefghijklmnop",
			Version:     "1.0.0",
			UserAgent:   "Mozilla/5.0",
			Timezone:    "UTC",
		},
		APIBaseURL: srv.URL,
		HTTPClient: srv.Client(),
		Digest:     identity.SHA256{},
		Clock:      h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	h.agent = a

	return h
}

func TestNewRequiresExtensionID(t *testing.T) {
	t.Parallel()

	_, err := agent.New(t.Context(), agent.Options{Store: storage.NewMemory()})
	require.ErrorIs(t, err, agent.ErrExtensionIDRequired)
}

func TestLaunchRegistersWithBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.agent.Worker.HandleLaunch(ctx))

	count, err := h.backend.Registry().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	record := h.agent.Registration.Record(ctx)
	assert.True(t, record.BackendRegistered)
	assert.Equal(t, registration.PhaseRegistered, h.agent.Registration.State().Phase)

	assert.True(t, h.agent.API.Validate(ctx))
}

func TestRevokedSessionReregisters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.agent.Worker.HandleLaunch(ctx))
	require.NoError(t, h.backend.Registry().Delete(ctx, "abcdefghijklmnop"))

	assert.True(t, h.agent.API.Validate(ctx))

	session, found, err := h.backend.Registry().Get(ctx, "abcdefghijklmnop")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, session.Active)
}

func TestHealthAfterLaunch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.agent.Worker.HandleLaunch(ctx))

	response := h.agent.Health(ctx, "1.0.0", true).CheckReadiness(ctx)
	assert.Equal(t, health.StatusHealthy, response.Status)
	assert.Contains(t, response.Checks, "storage")
	assert.Len(t, response.Checks, 3)
}

func TestChatNeedsAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.agent.Chat.Complete(t.Context(), []feeds.Message{{Role: "user", Content: "Hi"}})
	require.ErrorIs(t, err, feeds.ErrChatUnconfigured)
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	handler := agent.StatusHandler(h.agent.Health(t.Context(), "1.0.0", false), metrics, false)

	for path, want := range map[string]int{
		"/health/live": http.StatusOK,
		"/metrics":     http.StatusOK,
		"/missing":     http.StatusNotFound,
	} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, recorder.Code, path)
	}
}
