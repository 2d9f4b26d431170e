package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/health"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

const testVersion = "test-version"

type staticChecker struct {
	name   string
	status health.Status
}

func (s staticChecker) Name() string { return s.name }

func (s staticChecker) Check(context.Context) health.Check {
	return health.Check{Name: s.name, Status: s.status}
}

func TestManagerLiveness(t *testing.T) {
	t.Parallel()

	response := health.NewManager(testVersion).CheckLiveness(t.Context())

	assert.Equal(t, health.StatusHealthy, response.Status)
	assert.Equal(t, testVersion, response.Version)
	assert.Len(t, response.Checks, 1)
}

func TestManagerReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []health.Status
		want     health.Status
	}{
		{"empty", nil, health.StatusHealthy},
		{"healthy", []health.Status{health.StatusHealthy, health.StatusHealthy}, health.StatusHealthy},
		{"degraded", []health.Status{health.StatusHealthy, health.StatusDegraded}, health.StatusDegraded},
		{"unhealthy", []health.Status{health.StatusDegraded, health.StatusUnhealthy}, health.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager := health.NewManager(testVersion)
			for i, status := range tt.statuses {
				manager.AddChecker(staticChecker{name: string(rune('a' + i)), status: status})
			}

			response := manager.CheckReadiness(t.Context())
			assert.Equal(t, tt.want, response.Status)
			assert.Len(t, response.Checks, len(tt.statuses))
		})
	}
}

func TestStorageChecker(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	checker := health.NewStorageChecker(store, nil)

	assert.Equal(t, "storage", checker.Name())

	check := checker.Check(t.Context())
	assert.Equal(t, health.StatusHealthy, check.Status, check.Error)

	keys, err := store.List(t.Context(), "health:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.Close())

	check = checker.Check(t.Context())
	assert.Equal(t, health.StatusUnhealthy, check.Status)
	assert.Contains(t, check.Error, "Failed to write")
}

type fakeRegistration struct {
	status registration.Status
	record registration.Record
}

func (f fakeRegistration) State() registration.Status { return f.status }

func (f fakeRegistration) Record(context.Context) registration.Record { return f.record }

func TestRegistrationChecker(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(1700000000, 0))

	registered := health.NewRegistrationChecker(fakeRegistration{
		status: registration.Status{Phase: registration.PhaseRegistered},
		record: registration.Record{BackendRegistered: true, RegistrationTime: 1700000000000},
	}, clk).Check(t.Context())

	assert.Equal(t, health.StatusHealthy, registered.Status)
	assert.Equal(t, "2023-11-14T22:13:20Z", registered.Metadata["registered_at"])

	offline := health.NewRegistrationChecker(fakeRegistration{
		status: registration.Status{Phase: registration.PhaseOffline, Attempt: 2},
		record: registration.Record{Failed: true, RetryCount: 3, LastError: "status 503"},
	}, clk).Check(t.Context())

	assert.Equal(t, health.StatusDegraded, offline.Status)
	assert.Equal(t, "status 503", offline.Error)
	assert.Equal(t, "3", offline.Metadata["retry_count"])
	assert.Contains(t, offline.Message, "offline")
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func TestTokenChecker(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(1700000000, 0))

	valid := health.NewTokenChecker(tokenSourceFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "t", Expiry: clk.Now().Add(time.Hour)}, nil
	}), clk).Check(t.Context())
	assert.Equal(t, health.StatusHealthy, valid.Status)
	assert.Empty(t, valid.Metadata["token_expired"])

	expired := health.NewTokenChecker(tokenSourceFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "t", Expiry: clk.Now().Add(-time.Hour)}, nil
	}), clk).Check(t.Context())
	assert.Equal(t, health.StatusHealthy, expired.Status)
	assert.Equal(t, "true", expired.Metadata["token_expired"])

	failed := health.NewTokenChecker(tokenSourceFunc(func() (*oauth2.Token, error) {
		return nil, errors.New("no identity")
	}), clk).Check(t.Context())
	assert.Equal(t, health.StatusUnhealthy, failed.Status)
}

func TestHTTPHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		strict bool
		status health.Status
		want   int
	}{
		{"healthy", true, health.StatusHealthy, http.StatusOK},
		{"degraded strict", true, health.StatusDegraded, http.StatusServiceUnavailable},
		{"degraded lenient", false, health.StatusDegraded, http.StatusOK},
		{"unhealthy", false, health.StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager := health.NewManagerWithConfig(&health.Config{StrictReadiness: tt.strict, Version: testVersion}, nil)
			manager.AddChecker(staticChecker{name: "component", status: tt.status})

			mux := http.NewServeMux()
			health.NewHTTPHandler(manager).Register(mux)

			recorder := httptest.NewRecorder()
			mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.want, recorder.Code)

			var response health.Response
			require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
			assert.Equal(t, tt.status, response.Status)

			recorder = httptest.NewRecorder()
			mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health/live", nil))
			assert.Equal(t, http.StatusOK, recorder.Code)
		})
	}
}
