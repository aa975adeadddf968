// Package api exposes the admin HTTP API: health, statistics, query log
// access, and operational actions like rule reloads and cache clearing.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"blackhole-dns/pkg/cache"
	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/forwarder"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/rules"
	"blackhole-dns/pkg/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the admin HTTP server
type Server struct {
	cfg       *config.Config
	rules     *rules.Manager
	cache     *cache.Cache
	fwd       *forwarder.Forwarder
	store     storage.Storage
	logger    *logging.Logger
	startTime time.Time
	srv       *http.Server
}

// NewServer creates the admin API server. Cache and store may be nil when
// those subsystems are disabled.
func NewServer(cfg *config.Config, ruleManager *rules.Manager, dnsCache *cache.Cache, fwd *forwarder.Forwarder, store storage.Storage, logger *logging.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		rules:     ruleManager,
		cache:     dnsCache,
		fwd:       fwd,
		store:     store,
		logger:    logger,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(30*time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/queries", s.handleQueries)
	r.Get("/api/domains/top", s.handleTopDomains)
	r.Get("/api/blocklist", s.handleBlocklist)
	r.Get("/api/upstreams", s.handleUpstreams)
	r.Get("/api/system", s.handleSystem)
	r.Post("/api/reload", s.handleReload)
	r.Post("/api/cache/clear", s.handleCacheClear)

	s.srv = &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the HTTP server until it fails or is shut down
func (s *Server) Start() error {
	s.logger.Info("Admin API listening", "address", s.cfg.API.ListenAddress)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"blocklist": s.rules.Store().Stats(),
	}

	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}

	if s.store != nil {
		since := time.Now().Add(-24 * time.Hour)
		stats, err := s.store.GetStatistics(r.Context(), since)
		if err != nil {
			s.logger.Error("Failed to load statistics", "error", err)
			http.Error(w, "failed to load statistics", http.StatusInternalServerError)
			return
		}
		resp["queries"] = stats
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "query logging disabled", http.StatusNotFound)
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)

	queries, err := s.store.GetRecentQueries(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("Failed to load recent queries", "error", err)
		http.Error(w, "failed to load queries", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": queries})
}

func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "query logging disabled", http.StatusNotFound)
		return
	}

	limit := queryInt(r, "limit", 25)
	if limit > 100 {
		limit = 100
	}
	blocked := r.URL.Query().Get("blocked") == "true"

	domains, err := s.store.GetTopDomains(r.Context(), limit, blocked)
	if err != nil {
		s.logger.Error("Failed to load top domains", "error", err)
		http.Error(w, "failed to load top domains", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"blocked": blocked,
		"items":   domains,
	})
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	store := s.rules.Store()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        store.Stats(),
		"last_updated": s.rules.LastUpdated(),
		"sources": map[string]any{
			"blocklists": s.cfg.BlocklistSources,
			"allowlists": s.cfg.AllowlistSources,
		},
	})
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	states := s.fwd.Health().GetAllStats()
	resp := make(map[string]string, len(states))
	for upstream, state := range states {
		resp[upstream] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"upstreams": resp})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Reload(r.Context()); err != nil {
		s.logger.Error("Manual reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        s.rules.Store().Stats(),
		"last_updated": s.rules.LastUpdated(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}

	s.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
