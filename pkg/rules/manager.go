package rules

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/telemetry"
)

// Manager owns the compiled store and keeps it fresh. Reads are lock-free:
// the current store is held behind an atomic pointer and replaced wholesale
// on reload, so queries in flight always classify against one consistent
// snapshot. A failed reload leaves the previous store serving.
type Manager struct {
	cfg     atomic.Pointer[config.Config]
	loader  *Loader
	logger  *logging.Logger
	metrics *telemetry.Metrics

	current     atomic.Pointer[Store]
	lastUpdated atomic.Value

	reloadTicker *time.Ticker
	stopChan     chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
	reloadMu     sync.Mutex
}

// NewManager creates a rules manager. The HTTP client is used for remote
// sources and should resolve through the configured upstreams (pkg/resolver).
func NewManager(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics, httpClient *http.Client) *Manager {
	m := &Manager{
		loader:   NewLoader(logger, httpClient),
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}

	m.cfg.Store(cfg)
	m.current.Store(Compile(nil, nil))
	m.lastUpdated.Store(time.Time{})

	return m
}

// Start performs the initial load and begins the scheduled reload loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Rules manager already started")
		return nil
	}

	m.stopChan = make(chan struct{})
	cfg := m.cfg.Load()

	m.logger.Info("Starting rules manager",
		"blocklist_sources", len(cfg.BlocklistSources),
		"allowlist_sources", len(cfg.AllowlistSources),
		"reload_interval", cfg.ReloadInterval)

	if err := m.Reload(ctx); err != nil {
		// Keep running with the empty store; the next scheduled reload
		// retries every source.
		m.logger.Error("Initial rule load failed", "error", err)
	}

	if cfg.ReloadInterval > 0 {
		m.reloadMu.Lock()
		m.reloadTicker = time.NewTicker(cfg.ReloadInterval)
		m.reloadMu.Unlock()
		m.wg.Add(1)
		go m.reloadLoop(ctx)
	}

	return nil
}

// Stop gracefully stops the rules manager
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	m.logger.Info("Stopping rules manager")
	close(m.stopChan)
	m.reloadMu.Lock()
	if m.reloadTicker != nil {
		m.reloadTicker.Stop()
	}
	m.reloadMu.Unlock()
	m.wg.Wait()
	m.logger.Info("Rules manager stopped")
}

// Reload loads every configured source, compiles a new store off-path, and
// swaps it in atomically. Any failed block source fails the whole reload
// and the previous store remains active: swapping in a partial rule set
// would silently unblock whatever the dead source contributed.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	startTime := time.Now()
	oldSize := m.Store().Size()
	cfg := m.cfg.Load()

	blockResult, blockFailed, blockErr := m.loader.LoadAll(ctx, cfg.BlocklistSources)
	allowResult, allowFailed, allowErr := m.loader.LoadAll(ctx, cfg.AllowlistSources)

	if blockErr != nil {
		if m.metrics != nil {
			m.metrics.ReloadFailures.Add(ctx, 1)
		}
		m.logger.Error("Rule reload failed, previous store remains active",
			"failed_sources", blockFailed+allowFailed,
			"error", blockErr)
		return blockErr
	}
	if allowErr != nil {
		// A dead allowlist source is not fatal: blocking more than intended
		// is recoverable on the next reload, and the block sources loaded.
		m.logger.Warn("Allowlist sources failed, continuing with block rules",
			"error", allowErr)
	}

	store := Compile(blockResult.Patterns, allowResult.Patterns)
	m.current.Store(store)
	m.lastUpdated.Store(time.Now())

	newSize := store.Size()
	if m.metrics != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(newSize-oldSize))
	}

	m.logger.Info("Rules compiled",
		"block_entries", newSize,
		"allow_entries", len(store.allowExact)+len(store.allowWildcard),
		"malformed_lines", blockResult.Malformed+allowResult.Malformed,
		"failed_sources", blockFailed+allowFailed,
		"duration", time.Since(startTime))

	return nil
}

// Store returns the current compiled store (safe for concurrent use)
func (m *Manager) Store() *Store {
	return m.current.Load()
}

// Classify classifies a name against the current store.
func (m *Manager) Classify(name string) Decision {
	return m.Store().Classify(name)
}

// LastUpdated returns the timestamp of the most recent successful reload.
func (m *Manager) LastUpdated() time.Time {
	if v := m.lastUpdated.Load(); v != nil {
		if ts, ok := v.(time.Time); ok {
			return ts
		}
	}
	return time.Time{}
}

// UpdateConfig swaps the configuration used by future reloads and applies a
// changed reload interval to the running schedule.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	old := m.cfg.Swap(cfg)

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reloadTicker != nil && cfg.ReloadInterval > 0 && cfg.ReloadInterval != old.ReloadInterval {
		m.reloadTicker.Reset(cfg.ReloadInterval)
		m.logger.Info("Reload interval updated", "interval", cfg.ReloadInterval)
	}
}

// SetHTTPClient updates the HTTP client used for remote sources.
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.loader = NewLoader(m.logger, client)
}

// reloadLoop runs the scheduled reload
func (m *Manager) reloadLoop(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("Rule reload loop started", "interval", m.cfg.Load().ReloadInterval)

	for {
		select {
		case <-m.stopChan:
			m.logger.Info("Rule reload loop stopped")
			return

		case <-m.reloadTicker.C:
			m.logger.Debug("Running scheduled rule reload")

			reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := m.Reload(reloadCtx); err != nil {
				m.logger.Error("Scheduled rule reload failed", "error", err)
			}
			cancel()
		}
	}
}
