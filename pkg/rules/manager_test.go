package rules

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestManager(cfg *config.Config) *Manager {
	return NewManager(cfg, logging.NewDefault(), nil, http.DefaultClient)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "ads.example.com\n*.tracker.net\n")
	allowPath := writeList(t, dir, "allow.txt", "metrics.tracker.net\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}
	cfg.AllowlistSources = []string{allowPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))

	assert.True(t, m.Classify("ads.example.com").Blocked)
	assert.True(t, m.Classify("x.tracker.net").Blocked)
	assert.False(t, m.Classify("metrics.tracker.net").Blocked)
	assert.False(t, m.LastUpdated().IsZero())
}

func TestManagerStartsEmpty(t *testing.T) {
	cfg := config.LoadWithDefaults()
	m := newTestManager(cfg)

	// Before any load, the empty store forwards everything.
	assert.False(t, m.Classify("anything.example.com").Blocked)
	assert.Equal(t, 0, m.Store().Size())
}

func TestReloadFailureKeepsPreviousStore(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "ads.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))
	require.True(t, m.Classify("ads.example.com").Blocked)
	before := m.Store()

	// Removing the only source makes the next reload fail completely.
	require.NoError(t, os.Remove(blockPath))
	err := m.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	// The previous store is still serving.
	assert.Same(t, before, m.Store())
	assert.True(t, m.Classify("ads.example.com").Blocked)
}

func TestPartialSourceFailureKeepsPreviousStore(t *testing.T) {
	dir := t.TempDir()
	adsPath := writeList(t, dir, "ads.txt", "ads.example.com\n")
	trackerPath := writeList(t, dir, "trackers.txt", "tracker.example.net\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{adsPath, trackerPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))
	require.True(t, m.Classify("tracker.example.net").Blocked)
	before := m.Store()

	// One of two sources becoming unreachable must not swap in a store
	// missing its rules.
	require.NoError(t, os.Remove(trackerPath))
	err := m.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	assert.Same(t, before, m.Store())
	assert.True(t, m.Classify("tracker.example.net").Blocked)
	assert.True(t, m.Classify("ads.example.com").Blocked)
}

func TestReloadSwapsStoreAtomically(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "old.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))
	assert.True(t, m.Classify("old.example.com").Blocked)

	writeList(t, dir, "block.txt", "new.example.com\n")
	require.NoError(t, m.Reload(context.Background()))

	assert.False(t, m.Classify("old.example.com").Blocked)
	assert.True(t, m.Classify("new.example.com").Blocked)
}

func TestAllowlistFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "ads.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}
	cfg.AllowlistSources = []string{"/nonexistent/allow.txt"}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))
	assert.True(t, m.Classify("ads.example.com").Blocked)
}

func TestConcurrentReloadAndUpdateConfig(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "ads.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Reload(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = m.Reload(context.Background())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				next := config.LoadWithDefaults()
				next.BlocklistSources = []string{blockPath}
				m.UpdateConfig(next)
			}
		}()
	}
	wg.Wait()

	assert.True(t, m.Classify("ads.example.com").Blocked)
}

func TestUpdateConfigAppliesReloadInterval(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "old.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}
	cfg.ReloadInterval = time.Hour

	m := newTestManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.True(t, m.Classify("old.example.com").Blocked)

	writeList(t, dir, "block.txt", "new.example.com\n")

	next := config.LoadWithDefaults()
	next.BlocklistSources = []string{blockPath}
	next.ReloadInterval = 20 * time.Millisecond
	m.UpdateConfig(next)

	// The shortened schedule picks up the rewritten list without a restart.
	assert.Eventually(t, func() bool {
		return m.Classify("new.example.com").Blocked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerStartStop(t *testing.T) {
	dir := t.TempDir()
	blockPath := writeList(t, dir, "block.txt", "ads.example.com\n")

	cfg := config.LoadWithDefaults()
	cfg.BlocklistSources = []string{blockPath}

	m := newTestManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Classify("ads.example.com").Blocked)
	m.Stop()
}
