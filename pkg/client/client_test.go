package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/epithetd/internal/manager"
	"github.com/loykin/epithetd/internal/server"
	"github.com/loykin/epithetd/internal/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	sup := manager.New(manager.Options{
		Binary:      filepath.Join(t.TempDir(), "missing-epithet"),
		RuntimeRoot: t.TempDir(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, st)
	t.Cleanup(sup.Close)

	srv := httptest.NewServer(server.NewRouter(sup, st, "/api").Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))

	added, err := c.Add(ctx, BrokerConfig{Name: "Work CA", CAURLs: []string{"https://ca.example.com"}, StartOnLogin: true, Verbosity: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, 15, added.CATimeout)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Work CA", list[0].Name)
	assert.Equal(t, "stopped", list[0].State.Phase)

	b, err := c.Start(ctx, "Work CA")
	require.NoError(t, err)
	assert.Equal(t, "error", b.State.Phase)
	assert.True(t, strings.HasPrefix(b.State.Message, "Failed to start: "))

	logs, err := c.Logs(ctx, "Work CA")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(logs, "Failed to start: "))
	require.NoError(t, c.ClearLogs(ctx, "Work CA"))
	logs, err = c.Logs(ctx, "Work CA")
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, c.Rename(ctx, "Work CA", "Home CA"))
	got, err := c.Get(ctx, "Home CA")
	require.NoError(t, err)
	assert.Equal(t, "error", got.State.Phase)

	b, err = c.Stop(ctx, "Home CA")
	require.NoError(t, err)
	assert.Equal(t, "stopped", b.State.Phase)

	require.NoError(t, c.Remove(ctx, "Home CA"))
	_, err = c.Get(ctx, "Home CA")
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestClientErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Add(ctx, BrokerConfig{Name: "bad", CAURLs: []string{"http://plain"}, Verbosity: 1})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Contains(t, ae.Message, "HTTPS")

	_, err = c.Inspect(ctx, "none")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)

	_, err = c.Start(ctx, "none")
	assert.True(t, IsNotFound(err))
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.False(t, c.IsReachable(context.Background()))
}
