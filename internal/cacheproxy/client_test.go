package cacheproxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startControlServer(t *testing.T, f *proxyFixture) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(f.proxy.Handler())
	t.Cleanup(func() {
		f.proxy.Close()
		srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + PathWebSocket
}

func TestCommandClient_ReceivesSyncRequests(t *testing.T) {
	f := newProxyFixture(t, nil)
	srv, wsURL := startControlServer(t, f)

	tags := make(chan string, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewCommandClient(wsURL, logger, func(tag string) { tags <- tag })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return f.proxy.hub.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(srv.URL+"/__posync/sync/sync-orders", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case tag := <-tags:
		assert.Equal(t, "sync-orders", tag)
	case <-time.After(5 * time.Second):
		t.Fatal("sync notification not delivered")
	}

	resp, err = http.Post(srv.URL+"/__posync/sync/unknown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestCommandClient_Send(t *testing.T) {
	f := newProxyFixture(t, nil)
	_, wsURL := startControlServer(t, f)

	require.NoError(t, f.proxy.Install(context.Background(), "v2", []string{"/app.css"}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewCommandClient(wsURL, logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Send(ctx, Message{Type: CommandSkipWaiting})
	require.NoError(t, err)
	assert.Equal(t, MessageAck, reply.Type)
	assert.Equal(t, "v2", f.proxy.ActiveVersion())

	_, err = client.Send(ctx, Message{Type: "NOPE"})
	assert.Error(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	f := newProxyFixture(t, nil)
	f.get("/rest/v1/lpg_brands")

	w := httptest.NewRecorder()
	f.proxy.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathStatus, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":"v1"`)
	assert.Contains(t, w.Body.String(), "posync-api-v1")
}
