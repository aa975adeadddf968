package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blackhole-dns/pkg/api"
	"blackhole-dns/pkg/cache"
	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/dns"
	"blackhole-dns/pkg/forwarder"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/resolver"
	"blackhole-dns/pkg/rules"
	"blackhole-dns/pkg/storage"
	"blackhole-dns/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("blackhole-dns starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Rule list downloads resolve hostnames through the configured
	// upstreams, never through this process.
	bootstrap := resolver.New(cfg.UpstreamResolvers, logger)
	httpClient := bootstrap.NewHTTPClient(60 * time.Second)

	ruleManager := rules.NewManager(cfg, logger, metrics, httpClient)
	if err := ruleManager.Start(ctx); err != nil {
		logger.Error("Failed to start rule manager", "error", err)
		os.Exit(1)
	}
	selfCheck(ruleManager, logger)

	var store storage.Storage
	if cfg.Storage.Enabled {
		sqlStore, err := storage.NewSQLiteStorage(cfg.Storage, metrics)
		if err != nil {
			logger.Error("Failed to initialize query log storage", "error", err)
			os.Exit(1)
		}
		store = sqlStore
		logger.Info("Query log storage enabled", "path", cfg.Storage.DatabasePath)
	}

	fwd := forwarder.NewForwarder(cfg, logger, metrics)

	handler := dns.NewHandler(cfg, ruleManager, fwd, logger, metrics)
	if store != nil {
		handler.SetStorage(store)
	}

	var dnsCache *cache.Cache
	if cfg.Cache.Enabled {
		dnsCache, err = cache.New(&cfg.Cache, logger, metrics)
		if err != nil {
			logger.Error("Failed to initialize cache, continuing without cache", "error", err)
		} else {
			handler.SetCache(dnsCache)
			logger.Info("DNS cache enabled",
				"max_entries", cfg.Cache.MaxEntries,
				"min_ttl", cfg.Cache.MinTTL,
				"max_ttl", cfg.Cache.MaxTTL,
			)
		}
	} else {
		logger.Info("DNS cache disabled")
	}

	server := dns.NewServer(cfg, handler, logger, metrics)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 2)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, ruleManager, dnsCache, fwd, store, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				errChan <- fmt.Errorf("admin API failed: %w", err)
			}
		}()
	}

	watcher := startConfigWatcher(serverCtx, *configPath, ruleManager, logger)

	if store != nil && cfg.Storage.RetentionDays > 0 {
		go retentionLoop(serverCtx, store, cfg.Storage.RetentionDays, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("blackhole-dns is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", cfg.UpstreamResolvers,
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Server error", "error", err)
	}

	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during API shutdown", "error", err)
		}
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	ruleManager.Stop()
	if dnsCache != nil {
		_ = dnsCache.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("Error closing storage", "error", err)
		}
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("blackhole-dns stopped")
}

// selfCheck logs the compiled list sizes and classifies a probe name so an
// empty or never-loaded store is visible immediately at startup.
func selfCheck(ruleManager *rules.Manager, logger *logging.Logger) {
	store := ruleManager.Store()
	stats := store.Stats()

	decision := store.Classify("startup-probe.invalid")
	logger.Info("Rule store self-check",
		"stats", stats,
		"probe_blocked", decision.Blocked,
	)

	if store.Size() == 0 {
		logger.Warn("No block rules loaded; all queries will be forwarded")
	}
}

// startConfigWatcher watches the config file and applies rule source and
// schedule changes without a restart. Listener and storage settings still
// require one.
func startConfigWatcher(ctx context.Context, path string, ruleManager *rules.Manager, logger *logging.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", "error", err)
		return nil
	}

	watcher.OnChange(func(newCfg *config.Config) {
		logger.Info("Configuration changed, updating rule sources")
		ruleManager.UpdateConfig(newCfg)
		if err := ruleManager.Reload(ctx); err != nil {
			logger.Error("Reload after config change failed", "error", err)
		}
	})

	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher stopped", "error", err)
		}
	}()

	return watcher
}

// retentionLoop deletes old query log entries once a day.
func retentionLoop(ctx context.Context, store storage.Storage, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := store.Cleanup(ctx, cutoff); err != nil {
				logger.Error("Query log cleanup failed", "error", err)
			}
		}
	}
}
