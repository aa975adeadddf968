package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blackhole-dns/pkg/cache"
	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/forwarder"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/rules"
	"blackhole-dns/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	blocklist := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(blocklist, []byte("ads.example.com\n*.tracker.net\n"), 0o644))

	return &config.Config{
		UpstreamResolvers: []string{"127.0.0.1:1"},
		UpstreamTimeout:   100 * time.Millisecond,
		BlocklistSources:  []string{blocklist},
		Cache: config.CacheConfig{
			Enabled:     true,
			MaxEntries:  1000,
			Shards:      4,
			MinTTL:      time.Minute,
			MaxTTL:      time.Hour,
			NegativeTTL: 5 * time.Minute,
		},
		API: config.APIConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:0",
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	logger := logging.NewDefault()
	manager := rules.NewManager(cfg, logger, nil, http.DefaultClient)
	require.NoError(t, manager.Reload(context.Background()))

	dnsCache, err := cache.New(&cfg.Cache, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dnsCache.Close() })

	fwd := forwarder.NewForwarder(cfg, logger, nil)

	return NewServer(cfg, manager, dnsCache, fwd, nil, logger)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestStats(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "blocklist")
	assert.Contains(t, body, "cache")
	// No storage configured, so no query statistics.
	assert.NotContains(t, body, "queries")
}

func TestBlocklist(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	rec := doRequest(t, s, http.MethodGet, "/api/blocklist")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), stats["total"])

	sources, ok := body["sources"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, sources["blocklists"], 1)
}

func TestUpstreams(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/api/upstreams")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	upstreams, ok := body["upstreams"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "closed", upstreams["127.0.0.1:1"])
}

func TestReload(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/api/reload")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "stats")
	assert.Contains(t, body, "last_updated")
}

func TestReloadFailure(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	// Remove the only source so the reload fails.
	require.NoError(t, os.Remove(cfg.BlocklistSources[0]))

	rec := doRequest(t, s, http.MethodPost, "/api/reload")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCacheClear(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodPost, "/api/cache/clear")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCacheClearDisabled(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	s.cache = nil

	rec := doRequest(t, s, http.MethodPost, "/api/cache/clear")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopDomains(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.NewDefault()
	manager := rules.NewManager(cfg, logger, nil, http.DefaultClient)
	require.NoError(t, manager.Reload(context.Background()))
	fwd := forwarder.NewForwarder(cfg, logger, nil)

	store, err := storage.NewSQLiteStorage(config.StorageConfig{
		Enabled:       true,
		DatabasePath:  filepath.Join(t.TempDir(), "api.db"),
		BufferSize:    100,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.LogQuery(ctx, &storage.QueryLog{
			ClientIP:  "192.0.2.100",
			Domain:    "ads.example.com",
			QueryType: "A",
			Outcome:   storage.OutcomeBlocked,
			Blocked:   true,
		}))
	}
	time.Sleep(200 * time.Millisecond)

	s := NewServer(cfg, manager, nil, fwd, store, logger)

	rec := doRequest(t, s, http.MethodGet, "/api/domains/top?blocked=true")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["blocked"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	top, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ads.example.com", top["domain"])
	assert.Equal(t, float64(3), top["query_count"])
}

func TestTopDomainsWithoutStorage(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/api/domains/top")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueriesWithoutStorage(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/api/queries")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemInfo(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := doRequest(t, s, http.MethodGet, "/api/system")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "uptime_seconds")
}

func TestQueryIntDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/queries?limit=abc&offset=-5", nil)
	assert.Equal(t, 100, queryInt(req, "limit", 100))
	assert.Equal(t, 0, queryInt(req, "offset", 0))
	assert.Equal(t, 25, queryInt(req, "missing", 25))
}
