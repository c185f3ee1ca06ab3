package cacheproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_VersionBumpPurgesOldPartitions(t *testing.T) {
	f := newProxyFixture(t, nil)
	ctx := context.Background()

	f.get("/assets/app-3f2a9c1b.js")
	f.get("/rest/v1/lpg_brands")

	require.NoError(t, f.proxy.Install(ctx, "v2", []string{"/", "/app.css", "/assets/app-9e8d7c6b.js"}))
	assert.Equal(t, "v1", f.proxy.ActiveVersion())
	assert.Equal(t, "v2", f.proxy.WaitingVersion())

	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Contains(t, partitions, "posync-assets-v1")
	assert.Contains(t, partitions, "posync-assets-v2")
	assert.Contains(t, partitions, "posync-static-v2")
	assert.Contains(t, partitions, "posync-dynamic-v2")

	require.NoError(t, f.proxy.Activate())
	assert.Equal(t, "v2", f.proxy.ActiveVersion())
	assert.Empty(t, f.proxy.WaitingVersion())

	partitions, err = f.store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-assets-v2", "posync-dynamic-v2", "posync-static-v2"}, partitions)

	// precached asset of the new version is served without reaching origin
	w := f.get("/assets/app-9e8d7c6b.js")
	assert.Equal(t, CacheHit, w.Header().Get(HeaderCache))
	assert.Equal(t, 1, f.origin.count("/assets/app-9e8d7c6b.js"))

	// old asset is fetched once and then cache-first again
	f.get("/assets/app-3f2a9c1b.js")
	f.get("/assets/app-3f2a9c1b.js")
	assert.Equal(t, 2, f.origin.count("/assets/app-3f2a9c1b.js"))
}

func TestLifecycle_SkipWaitingActivatesImmediately(t *testing.T) {
	f := newProxyFixture(t, func(cfg *Config) { cfg.SkipWaiting = true })

	f.get("/rest/v1/lpg_brands")
	require.NoError(t, f.proxy.Install(context.Background(), "v2", []string{"/app.css"}))

	assert.Equal(t, "v2", f.proxy.ActiveVersion())
	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-static-v2"}, partitions)
}

func TestLifecycle_InstallFailureKeepsState(t *testing.T) {
	f := newProxyFixture(t, nil)

	err := f.proxy.Install(context.Background(), "v2", []string{"/app.css", "/missing.css"})
	require.Error(t, err)
	assert.Empty(t, f.proxy.WaitingVersion())

	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, partitions)

	assert.ErrorIs(t, f.proxy.Install(context.Background(), "", nil), ErrEmptyVersion)
}

func TestLifecycle_RestartWithBumpedVersionPurges(t *testing.T) {
	f := newProxyFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.proxy.Install(ctx, "v1", []string{"/app.css"}))
	assert.Empty(t, f.proxy.WaitingVersion())
	f.get("/assets/app-3f2a9c1b.js")
	f.get("/rest/v1/lpg_brands")

	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-api-v1", "posync-assets-v1", "posync-static-v1"}, partitions)
	f.proxy.Wait()

	// новый процесс поверх того же файла кеша
	cfg := f.proxy.cfg
	cfg.Version = "v2"
	restarted := New(cfg, f.store, f.proxy.logger, WithTransport(f.transport))
	t.Cleanup(restarted.Wait)

	require.NoError(t, restarted.Install(ctx, "v2", []string{"/app.css"}))
	assert.Equal(t, "v2", restarted.ActiveVersion())
	assert.Empty(t, restarted.WaitingVersion())

	partitions, err = f.store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-static-v2"}, partitions)
}

func TestLifecycle_PurgeStaleKeepsWaitingVersion(t *testing.T) {
	f := newProxyFixture(t, nil)
	ctx := context.Background()

	entry := NewEntry("/x", http.StatusOK, nil, []byte("x"), time.Now())
	require.NoError(t, f.store.Put("posync-api-v0", "/x", entry))
	require.NoError(t, f.store.Put("posync-api-v1", "/x", entry))
	require.NoError(t, f.proxy.Install(ctx, "v2", []string{"/app.css"}))

	purged, err := f.proxy.PurgeStale()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-api-v0"}, purged)

	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-api-v1", "posync-static-v2"}, partitions)
}

func TestLifecycle_ActivateWithoutWaitingIsNoop(t *testing.T) {
	f := newProxyFixture(t, nil)
	require.NoError(t, f.proxy.Activate())
	assert.Equal(t, "v1", f.proxy.ActiveVersion())
}

func TestStore_PurgeExcept(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	entry := NewEntry("/x", http.StatusOK, http.Header{"Content-Length": {"1"}}, []byte("x"), time.Now())
	assert.Empty(t, entry.Header.Get("Content-Length"))
	assert.True(t, strings.HasPrefix(entry.ETag, `"`))

	for _, name := range []string{"posync-api-v1", "posync-api-v11", "posync-static-v11", "other-api-v1"} {
		require.NoError(t, store.Put(name, "/x", entry))
	}

	purged, err := store.PurgeExcept("posync", "v11")
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-api-v1"}, purged)

	// версия сравнивается целиком, а не по окончанию имени
	require.NoError(t, store.Put("posync-static-2023-01", "/x", entry))
	require.NoError(t, store.Put("posync-static-01", "/x", entry))
	require.NoError(t, store.Put("posync-unknown-1", "/x", entry))
	purged, err = store.PurgeExcept("posync", "01")
	require.NoError(t, err)
	assert.Equal(t, []string{"posync-api-v11", "posync-static-2023-01", "posync-static-v11"}, purged)

	partitions, err := store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"other-api-v1", "posync-static-01", "posync-unknown-1"}, partitions)

	_, err = store.Get("posync-api-v1", "/x")
	assert.ErrorIs(t, err, ErrMiss)

	got, err := store.Get("posync-api-v11", "/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Body)
	assert.Equal(t, entry.ETag, got.ETag)

	require.NoError(t, store.Clear())
	partitions, err = store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, partitions)
}

func TestCommands_HTTP(t *testing.T) {
	f := newProxyFixture(t, nil)
	handler := f.proxy.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathCommands, bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := post(`{"type":"CACHE_URLS","urls":["/rest/v1/lpg_brands","/rest/v1/products?owner_id=eq.team-1"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	keys, err := f.store.Keys("posync-api-v1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/rest/v1/lpg_brands", "/rest/v1/products?owner_id=eq.team-1"}, keys)

	// warmed URL is available offline
	f.transport.offline.Store(true)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/rest/v1/lpg_brands", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	f.transport.offline.Store(false)

	w = post(`{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusOK, w.Code)
	partitions, err := f.store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, partitions)

	w = post(`{"type":"REBOOT"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var reply Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, MessageError, reply.Type)

	w = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommands_SkipWaiting(t *testing.T) {
	f := newProxyFixture(t, nil)
	require.NoError(t, f.proxy.Install(context.Background(), "v2", []string{"/app.css"}))

	reply := f.proxy.Execute(context.Background(), Message{Type: CommandSkipWaiting})
	assert.Equal(t, MessageAck, reply.Type)
	assert.Equal(t, "v2", reply.Version)
	assert.Equal(t, "v2", f.proxy.ActiveVersion())
}

func TestWatchManifest_InstallsNewVersion(t *testing.T) {
	f := newProxyFixture(t, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	write := func(m Manifest) {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	write(Manifest{Version: "v1", Precache: []string{"/app.css"}})

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.NoError(t, f.proxy.ApplyManifest(context.Background(), m))
	assert.Empty(t, f.proxy.WaitingVersion())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proxy.WatchManifest(ctx, path) }()

	assert.Eventually(t, func() bool {
		write(Manifest{Version: "v2", Precache: []string{"/app.css"}})
		return f.proxy.WaitingVersion() == "v2"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
