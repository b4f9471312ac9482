package shellcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, origin string) *Manager {
	t.Helper()
	m, err := New(Config{
		Root:           t.TempDir(),
		Version:        "v1",
		Origin:         origin,
		NetworkTimeout: 2 * time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return m
}

func TestInstallSkipsFailedAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("content of " + r.URL.Path))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	manifest := &Manifest{
		Version: "v1",
		Assets:  []string{"/", "/app.js", "/broken.js", "/app.css", "/logo.svg"},
	}
	stored, err := m.Install(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, 4, stored, "one failed asset never fails the install")

	for _, asset := range []string{"/", "/app.js", "/app.css", "/logo.svg"} {
		e, err := m.Generation().Get("GET", srv.URL+asset)
		require.NoError(t, err)
		require.NotNil(t, e, "asset %s must be retrievable", asset)
		assert.Equal(t, []byte("content of "+asset), e.Body)
	}
	e, err := m.Generation().Get("GET", srv.URL+"/broken.js")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestHandleFetchServesCacheWhenNetworkDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("cached shell"))
	}))

	m := newTestManager(t, srv.URL)
	_, err := m.Install(context.Background(), &Manifest{Version: "v1", Assets: []string{"/app.js"}})
	require.NoError(t, err)

	srv.Close()

	resp, err := m.HandleFetch(context.Background(), "GET", "/app.js")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, []byte("cached shell"), resp.Body)
}

func TestHandleFetchHitRevalidatesInBackground(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	require.NoError(t, m.Generation().Put("GET", srv.URL+"/app.js", Entry{
		Status: 200, ContentType: "application/javascript", Body: []byte("stale"),
	}))

	resp, err := m.HandleFetch(context.Background(), "GET", "/app.js")
	require.NoError(t, err)
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, []byte("stale"), resp.Body, "the hit serves stale content immediately")

	// The refresh lands for next time.
	require.Eventually(t, func() bool {
		e, err := m.Generation().Get("GET", srv.URL+"/app.js")
		return err == nil && e != nil && string(e.Body) == "fresh"
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHandleFetchColdMissWaitsForNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("network content"))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	resp, err := m.HandleFetch(context.Background(), "GET", "/index.html")
	require.NoError(t, err)
	assert.Equal(t, "network", resp.Source)
	assert.Equal(t, []byte("network content"), resp.Body)
}

func TestHandleFetchOfflineSynthesizes504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin := srv.URL
	srv.Close()

	m := newTestManager(t, origin)
	resp, err := m.HandleFetch(context.Background(), "GET", "/index.html")
	require.NoError(t, err, "a dead network is a response, not an error")
	assert.Equal(t, 504, resp.Status)
	assert.Equal(t, "offline", resp.Source)
	assert.Equal(t, []byte("Offline"), resp.Body)
}

func TestHandleFetchPassThrough(t *testing.T) {
	m := newTestManager(t, "http://localhost:8600")

	_, err := m.HandleFetch(context.Background(), "POST", "/api/data/patients")
	assert.ErrorIs(t, err, ErrPassThrough, "non-GET is never cached")

	_, err = m.HandleFetch(context.Background(), "GET", "https://cdn.example.com/lib.js")
	assert.ErrorIs(t, err, ErrPassThrough, "cross-origin is never cached")
}

func TestActivatePrunesOnlyMatchingGenerations(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"clinic-shell-v0", "clinic-shell-v0.9", "user-uploads"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	m, err := New(Config{Root: root, Version: "v1", Origin: "http://localhost:8600"}, nil, nil)
	require.NoError(t, err)

	var claimed []string
	m.OnActivate(func(pruned []string) { claimed = pruned })

	pruned, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"clinic-shell-v0", "clinic-shell-v0.9"}, pruned)
	assert.Equal(t, pruned, claimed, "the claim hook sees what was pruned")

	_, err = os.Stat(filepath.Join(root, "user-uploads"))
	assert.NoError(t, err, "directories outside the naming scheme survive")
	_, err = os.Stat(filepath.Join(root, "clinic-shell-v1"))
	assert.NoError(t, err, "the active generation survives")
}

func TestGenerationRoundTrip(t *testing.T) {
	g, err := OpenGeneration(t.TempDir(), "v1")
	require.NoError(t, err)

	entry := Entry{Status: 200, ContentType: "text/html", Body: []byte("<html></html>")}
	require.NoError(t, g.Put("GET", "http://localhost:8600/", entry))

	got, err := g.Get("GET", "http://localhost:8600/")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "text/html", got.ContentType)
	assert.Equal(t, []byte("<html></html>"), got.Body)
	assert.False(t, got.CapturedAt.IsZero())

	miss, err := g.Get("GET", "http://localhost:8600/missing")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"version: \"2026.08.1\"\norigin: http://localhost:8600\nassets:\n  - /\n  - /app.js\n"), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "2026.08.1", m.Version)
	assert.Equal(t, []string{"/", "/app.js"}, m.Assets)

	t.Run("missing version", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("assets:\n  - /\n"), 0o644))
		_, err := LoadManifest(bad)
		assert.Error(t, err)
	})

	t.Run("no assets", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("version: v1\n"), 0o644))
		_, err := LoadManifest(bad)
		assert.Error(t, err)
	})
}
