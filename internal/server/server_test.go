package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientapi "github.com/iudanet/posync/internal/client/api"
	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/internal/server/handlers"
	"github.com/iudanet/posync/internal/server/storage/sqlite"
	"github.com/iudanet/posync/pkg/api"
)

func newTestServer(t *testing.T, devTokens bool) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{
		Version:   "test",
		JWT:       handlers.JWTConfig{Secret: []byte("test-secret"), TokenTTL: time.Hour},
		DevTokens: devTokens,
	}, store, logger)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		_ = store.Close()
	})
	return ts
}

func TestServer_ClientRoundTrip(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()

	client := clientapi.NewClient(ts.URL)
	require.NoError(t, client.Ping(ctx))

	tok, err := client.RequestToken(ctx, api.TokenRequest{OwnerID: "team-1", Subject: "cashier"})
	require.NoError(t, err)
	client.SetToken(tok.AccessToken)

	// локальная запись получает серверный id
	local := &models.Customer{Name: "Ann", Phone: "+7999"}
	local.ID = models.NewLocalID()
	created, err := client.Insert(ctx, local, "op-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Key(), sqlite.ServerIDPrefix))
	assert.Equal(t, "team-1", created.Owner())

	replayed, err := client.Insert(ctx, local, "op-1")
	require.NoError(t, err)
	assert.Equal(t, created.Key(), replayed.Key())

	brands := []models.Record{
		&models.Brand{Base: models.Base{ID: "srv-b1"}, Name: "Gazprom", Active: true},
		&models.Brand{Base: models.Base{ID: "srv-b2"}, Name: "Lukoil", Active: true},
	}
	written, err := client.Upsert(ctx, models.TableBrands, brands, api.UpsertOptions{})
	require.NoError(t, err)
	assert.Len(t, written, 2)

	got, err := client.Select(ctx, models.TableBrands, api.Query{Order: "name.desc"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Lukoil", got[0].(*models.Brand).Name)

	updated, err := client.Update(ctx, models.TableCustomers, created.Key(), map[string]any{"email": "ann@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", updated.(*models.Customer).Email)

	require.NoError(t, client.Delete(ctx, models.TableCustomers, created.Key()))
	err = client.Delete(ctx, models.TableCustomers, created.Key())
	assert.True(t, clientapi.IsNotFound(err))

	_, err = client.Update(ctx, models.TableCustomers, "srv-missing", map[string]any{"email": "x"})
	assert.True(t, clientapi.IsNotFound(err))
}

func TestServer_RequiresToken(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	client := clientapi.NewClient(ts.URL)
	_, err := client.Select(ctx, models.TableOrders, api.Query{})
	require.Error(t, err)
	assert.False(t, clientapi.IsTransient(err))

	// без dev_tokens выдачи токенов нет
	_, err = client.RequestToken(ctx, api.TokenRequest{OwnerID: "team-1"})
	assert.True(t, clientapi.IsNotFound(err))
}

func TestServer_Serve(t *testing.T) {
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	s := New(Config{Version: "test", JWT: handlers.JWTConfig{Secret: []byte("x"), TokenTTL: time.Hour}}, store,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
