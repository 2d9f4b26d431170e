package commands_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/backend"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/cmd/newtab-backend/commands"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/storage"
)

func TestSessionsRequiresAdminKey(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "")

	err := commands.SessionsCommand().Run(t.Context(), []string{"sessions", "--url", "http://127.0.0.1:1", "list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin key is required")
}

func TestSessionsRevoke(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	server := backend.NewServer(backend.Options{
		Store:       storage.NewMemory(),
		Clock:       clock.NewFake(time.Unix(1700000000, 0)),
		AdminAPIKey: "key",
	})

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	_, err := server.Registry().Register(ctx, "token", identity.Identity{
		ExtensionID:      "ext-one",
		ExtensionVersion: "1.0.0",
		Fingerprint:      "fp",
	})
	require.NoError(t, err)

	args := []string{"sessions", "--url", srv.URL, "--admin-key", "key", "revoke"}

	err = commands.SessionsCommand().Run(ctx, append(args, "ext-one"))
	require.NoError(t, err)

	count, err := server.Registry().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	err = commands.SessionsCommand().Run(ctx, args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extension id is required")
}
