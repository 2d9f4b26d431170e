package log_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/log"
)

func TestIsSensitiveKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key      string
		expected bool
	}{
		{"token", true},
		{"ext_auth_token", true},
		{"X-Extension-Token", true},
		{"fingerprint", true},
		{"admin_key", true},
		{"encryption-key", true},
		{"storage_seed", true},
		{"nonce", true},
		{"Authorization", true},

		{"cache_key", false},
		{"key", false},
		{"token_age", false},
		{"extension_id", false},
		{"attempt", false},
		{"status_code", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			t.Parallel()

			if got := log.IsSensitiveKey(test.key); got != test.expected {
				t.Errorf("IsSensitiveKey(%q) = %v, want %v", test.key, got, test.expected)
			}
		})
	}
}

func TestLoggerRedactsSensitiveValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := log.WithLogger(t.Context(), log.New(&buf, false, "json"))
	log.Info(ctx, "minted", "token", "abc.def", "extension_id", "ext-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "[REDACTED]", record["token"])
	assert.Equal(t, "ext-1", record["extension_id"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := log.WithLogger(t.Context(), log.New(&buf, false, "text"))
	log.Debug(ctx, "hidden")
	assert.Empty(t, buf.String())

	log.Warn(ctx, "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	handler := log.CorrelationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("reuses request id", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/api/auth/validate", nil)
		req.Header.Set("X-Request-ID", "req-123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", rec.Header().Get(log.CorrelationIDHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, rec.Header().Get(log.CorrelationIDHeader))
	})
}
