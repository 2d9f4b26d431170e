package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/api"
	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

const notRegistered = `{"error":"Extension not registered or inactive"}`

type backend struct {
	server        *httptest.Server
	registrations atomic.Int32
	resources     atomic.Int32
}

func registered(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"success":true,"message":"Extension registered successfully"}`)
}

func unavailable(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
}

func newBackend(t *testing.T, resource http.HandlerFunc) *backend {
	t.Helper()

	return newBackendWithRegistration(t, registered, resource)
}

func newBackendWithRegistration(t *testing.T, register, resource http.HandlerFunc) *backend {
	t.Helper()

	b := &backend{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+registration.Path, func(w http.ResponseWriter, r *http.Request) {
		b.registrations.Add(1)
		register(w, r)
	})
	mux.HandleFunc("/api/resource", func(w http.ResponseWriter, r *http.Request) {
		b.resources.Add(1)
		resource(w, r)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)

	return b
}

type harness struct {
	clock        *clock.Fake
	store        *storage.Memory
	orchestrator *registration.Orchestrator
	client       *api.Client
}

func newHarness(t *testing.T, b *backend) *harness {
	t.Helper()

	h := &harness{
		clock: clock.NewFake(time.Unix(1700000000, 0)),
		store: storage.NewMemory(),
	}

	orch := registration.New(h.store, registration.NewHTTPTransport(b.server.URL, b.server.Client()), h.clock)
	t.Cleanup(func() { _ = orch.Close() })

	h.orchestrator = orch

	tokens := auth.NewTokenService(auth.Options{
		Store: h.store,
		Runtime: identity.Runtime{
			ExtensionID: "abcdefghijklmnop",
			Version:     "1.0.0",
			UserAgent:   "Mozilla/5.0",
			Timezone:    "UTC",
		},
		Digest:    identity.SHA256{},
		Clock:     h.clock,
		Registrar: orch,
	})

	h.client = api.NewClient(api.Options{
		BaseURL:    b.server.URL,
		HTTPClient: b.server.Client(),
		Tokens:     tokens,
		Registrar:  orch,
		Store:      h.store,
		Clock:      h.clock,
	})

	return h
}

func TestDoAttachesHeaders(t *testing.T) {
	t.Parallel()

	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(auth.HeaderToken))
		assert.Equal(t, "abcdefghijklmnop", r.Header.Get(auth.HeaderID))
		assert.Equal(t, "1.0.0", r.Header.Get(auth.HeaderVersion))
		assert.Len(t, r.Header.Get(auth.HeaderFingerprint), 64)
		assert.NotEmpty(t, r.Header.Get(auth.HeaderRequestID))
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))

		w.WriteHeader(http.StatusNoContent)
	})
	h := newHarness(t, b)

	resp, err := h.client.Do(t.Context(), http.MethodGet, b.server.URL+"/api/resource", nil,
		http.Header{"Content-Type": []string{"text/plain"}})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int32(1), b.registrations.Load())
}

func TestDoReregistersOnceWithCooldown(t *testing.T) {
	t.Parallel()

	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, notRegistered, http.StatusUnauthorized)
	})
	h := newHarness(t, b)
	ctx := t.Context()
	url := b.server.URL + "/api/resource"

	resp, err := h.client.Do(ctx, http.MethodGet, url, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), b.resources.Load())
	assert.Equal(t, int32(2), b.registrations.Load())

	retry, found, err := storage.Lookup[int64](ctx, h.store, storage.KeyLastAuthRetry)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, h.clock.Now().UnixMilli(), retry)

	h.clock.Advance(api.ReauthCooldown - time.Second)

	resp, err = h.client.Do(ctx, http.MethodGet, url, nil, nil)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, string(body), "not registered")
	assert.Equal(t, int32(3), b.resources.Load())
	assert.Equal(t, int32(2), b.registrations.Load())

	h.clock.Advance(2 * time.Second)

	resp, err = h.client.Do(ctx, http.MethodGet, url, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(5), b.resources.Load())
	assert.Equal(t, int32(3), b.registrations.Load())
}

func TestDoRetrySucceedsAfterReregistration(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, notRegistered, http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	h := newHarness(t, b)

	data, err := h.client.Fetch(t.Context(), http.MethodGet, b.server.URL+"/api/resource", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(2), b.resources.Load())

	registered, _, err := storage.Lookup[bool](t.Context(), h.store, storage.KeyBackendRegistered)
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestDoRetriesWhenReregistrationFails(t *testing.T) {
	t.Parallel()

	b := newBackendWithRegistration(t, unavailable, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, notRegistered, http.StatusUnauthorized)
	})
	h := newHarness(t, b)

	resp, err := h.client.Do(t.Context(), http.MethodGet, b.server.URL+"/api/resource", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), b.resources.Load())
	assert.Equal(t, int32(2), b.registrations.Load())
}

func TestDoReregistrationKeepsPendingRetries(t *testing.T) {
	t.Parallel()

	b := newBackendWithRegistration(t, unavailable, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, notRegistered, http.StatusUnauthorized)
	})
	h := newHarness(t, b)

	resp, err := h.client.Do(t.Context(), http.MethodGet, b.server.URL+"/api/resource", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, int32(2), b.registrations.Load())
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, registration.PhaseRetrying, h.orchestrator.State().Phase)

	h.clock.Advance(registration.BaseDelay)
	assert.Equal(t, int32(3), b.registrations.Load())
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(registration.Delay(1))
	assert.Equal(t, int32(4), b.registrations.Load())
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, registration.PhaseOffline, h.orchestrator.State().Phase)
}

func TestDoOtherUnauthorizedUnchanged(t *testing.T) {
	t.Parallel()

	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Invalid token"}`, http.StatusUnauthorized)
	})
	h := newHarness(t, b)

	resp, err := h.client.Do(t.Context(), http.MethodGet, b.server.URL+"/api/resource", nil, nil)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, string(body), "Invalid token")
	assert.Equal(t, int32(1), b.resources.Load())
}

func TestFetchDecodesBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
		status  int
	}{
		{
			name: "json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				_, _ = io.WriteString(w, `{"temp":21.5}`)
			},
			want: `{"temp":21.5}`,
		},
		{
			name: "text",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = io.WriteString(w, "sunny")
			},
			want: `"sunny"`,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newBackend(t, tt.handler)
			h := newHarness(t, b)

			data, err := h.client.Fetch(t.Context(), "", b.server.URL+"/api/resource", nil, nil)
			if tt.status != 0 {
				var statusErr *api.StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, tt.status, statusErr.StatusCode)
				assert.Equal(t, "HTTP error! status: 500", statusErr.Error())

				return
			}

			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

type brokenTokens struct{}

func (brokenTokens) GetValidToken(context.Context) (auth.Credentials, error) {
	return auth.Credentials{}, auth.ErrNoCredentials
}

func (brokenTokens) Headers(context.Context) (http.Header, error) {
	return nil, auth.ErrNoCredentials
}

func (brokenTokens) UpdateUsageStats(context.Context) {}

func TestFetchFallsBackWithoutCredentials(t *testing.T) {
	t.Parallel()

	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(auth.HeaderToken))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[1,2,3]`)
	})

	client := api.NewClient(api.Options{
		BaseURL:    b.server.URL,
		HTTPClient: b.server.Client(),
		Tokens:     brokenTokens{},
		Store:      storage.NewMemory(),
	})

	data, err := client.Fetch(t.Context(), http.MethodGet, b.server.URL+"/api/resource",
		http.Header{"X-Custom": []string{"yes"}}, nil)
	require.NoError(t, err)

	var values []int
	require.NoError(t, json.Unmarshal(data, &values))
	assert.Equal(t, []int{1, 2, 3}, values)
	assert.Equal(t, int32(1), b.resources.Load())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	var valid atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc(registration.Path, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	mux.HandleFunc(api.ValidatePath, func(w http.ResponseWriter, _ *http.Request) {
		if valid.Load() {
			_, _ = io.WriteString(w, `{"valid":true}`)

			return
		}

		http.Error(w, `{"error":"Invalid token"}`, http.StatusUnauthorized)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	h := newHarness(t, &backend{server: server})

	assert.False(t, h.client.Validate(t.Context()))

	valid.Store(true)
	assert.True(t, h.client.Validate(t.Context()))

	empty := api.NewClient(api.Options{Tokens: brokenTokens{}, Store: storage.NewMemory()})
	assert.False(t, empty.Validate(t.Context()))
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	got, err := api.BuildURL("https://weather.example", api.EndpointWeather, map[string]any{
		"lon":   13.4,
		"lat":   52.5,
		"hours": 24,
		"skip":  nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://weather.example/api/weather?hours=24&lat=52.5&lon=13.4", got)

	_, err = api.BuildURL("https://weather.example", api.Endpoint("radar"), nil)
	require.ErrorIs(t, err, api.ErrUnknownEndpoint)

	_, err = api.BuildURL("", api.EndpointCurrent, nil)
	require.ErrorIs(t, err, api.ErrNoBaseURL)

	client := api.NewClient(api.Options{BaseURL: "https://weather.example/", Store: storage.NewMemory()})

	got, err = client.BuildURL(api.EndpointGeocode, map[string]any{"address": "Berlin, DE"})
	require.NoError(t, err)
	assert.Equal(t, "https://weather.example/api/geocode?address=Berlin%2C+DE", got)
}
