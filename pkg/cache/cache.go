// Package cache provides a sharded TTL+LRU cache for upstream DNS answers.
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

// ErrInvalidConfig is returned when cache configuration is invalid
var ErrInvalidConfig = errors.New("invalid cache configuration")

// Cache is a thread-safe DNS answer cache split into shards to reduce lock
// contention. Each shard has its own mutex, so updates to one key never
// block reads of keys in other shards; within a shard, a key's update is
// atomic under the shard lock.
type Cache struct {
	shards      []*shard
	shardCount  int
	logger      *logging.Logger
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type shard struct {
	cfg     *config.CacheConfig
	metrics *telemetry.Metrics
	entries map[string]*entry
	max     int
	stats   counters
	mu      sync.RWMutex
}

// entry holds one cached response. The message is deep-copied both on the
// way in and on the way out so callers can never mutate shared state.
type entry struct {
	msg        *dns.Msg
	expiresAt  time.Time
	lastAccess time.Time
}

type counters struct {
	hits      uint64
	misses    uint64
	entries   int
	evictions uint64
	sets      uint64
}

// Stats is a snapshot of aggregated cache statistics
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Sets      uint64
	HitRate   float64
}

// New creates a sharded DNS cache. Shard count should be a power of two.
func New(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg == nil || cfg.MaxEntries <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 64
	}

	perShard := cfg.MaxEntries / shardCount
	if perShard < 10 {
		perShard = 10
	}

	c := &Cache{
		shards:      make([]*shard, shardCount),
		shardCount:  shardCount,
		logger:      logger,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	for i := 0; i < shardCount; i++ {
		c.shards[i] = &shard{
			cfg:     cfg,
			metrics: metrics,
			entries: make(map[string]*entry, perShard),
			max:     perShard,
		}
	}

	go c.cleanupLoop()

	logger.Info("DNS cache initialized",
		"shards", shardCount,
		"entries_per_shard", perShard,
		"total_capacity", cfg.MaxEntries,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL)

	return c, nil
}

// Key builds the cache key for a (name, qtype) pair. Names are compared
// case-insensitively per RFC 1035, so the key is lowercased.
func Key(name string, qtype uint16) string {
	var buf [5]byte
	i := len(buf)
	q := qtype
	for {
		i--
		buf[i] = byte('0' + q%10)
		q /= 10
		if q == 0 {
			break
		}
	}
	return strings.ToLower(name) + ":" + string(buf[i:])
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.shardCount)]
}

// Get retrieves a cached response for the given request.
// Returns nil if not found or expired.
func (c *Cache) Get(ctx context.Context, r *dns.Msg) *dns.Msg {
	if len(r.Question) == 0 {
		return nil
	}

	question := r.Question[0]
	key := Key(question.Name, question.Qtype)
	sh := c.shardFor(key)

	sh.mu.RLock()
	e, found := sh.entries[key]
	sh.mu.RUnlock()

	if !found {
		c.recordMiss(ctx, sh)
		return nil
	}

	now := time.Now()
	if now.After(e.expiresAt) {
		c.recordMiss(ctx, sh)
		sh.removeExpired(ctx, key, e)
		return nil
	}

	sh.mu.Lock()
	e.lastAccess = now
	sh.mu.Unlock()

	c.recordHit(ctx, sh)

	return e.msg.Copy()
}

// Set stores a response keyed by the request's (name, qtype). The TTL comes
// from the answer, clamped to the configured bounds; zero-TTL responses are
// not cached.
func (c *Cache) Set(ctx context.Context, r *dns.Msg, resp *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}

	question := r.Question[0]
	key := Key(question.Name, question.Qtype)
	sh := c.shardFor(key)

	ttl := determineTTL(sh.cfg, resp)
	if ttl <= 0 {
		return
	}

	now := time.Now()
	e := &entry{
		msg:        resp.Copy(),
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if len(sh.entries) >= sh.max {
		evictOne(sh)
	}

	_, exists := sh.entries[key]
	sh.entries[key] = e
	sh.stats.entries = len(sh.entries)
	sh.stats.sets++

	if sh.metrics != nil && !exists {
		sh.metrics.CacheSize.Add(ctx, 1)
	}
}

// removeExpired deletes an entry seen to be expired under the read lock.
// A concurrent Set may have replaced it in the meantime, so only the exact
// entry that was observed is removed.
func (sh *shard) removeExpired(ctx context.Context, key string, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if !ok || cur != e {
		return
	}

	delete(sh.entries, key)
	sh.stats.entries = len(sh.entries)
	if sh.metrics != nil {
		sh.metrics.CacheSize.Add(ctx, -1)
	}
}

// evictOne removes an already-expired entry when the shard holds one,
// falling back to the least recently used entry otherwise.
// Must be called with the shard write lock held.
func evictOne(sh *shard) {
	now := time.Now()
	var victim string
	var oldest time.Time

	for key, e := range sh.entries {
		if now.After(e.expiresAt) {
			victim = key
			break
		}
		if victim == "" || e.lastAccess.Before(oldest) {
			victim = key
			oldest = e.lastAccess
		}
	}

	if victim != "" {
		delete(sh.entries, victim)
		sh.stats.evictions++
		if sh.metrics != nil {
			sh.metrics.CacheSize.Add(context.Background(), -1)
		}
	}
}

// determineTTL extracts the TTL from a response and applies min/max limits.
// Negative responses (NXDOMAIN, NODATA) use the configured negative TTL.
func determineTTL(cfg *config.CacheConfig, resp *dns.Msg) time.Duration {
	if resp.Rcode == dns.RcodeNameError || len(resp.Answer) == 0 {
		return cfg.NegativeTTL
	}

	var minTTL uint32
	for _, rr := range resp.Answer {
		ttl := rr.Header().Ttl
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	if minTTL == 0 {
		return cfg.NegativeTTL
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < cfg.MinTTL {
		ttl = cfg.MinTTL
	}
	if ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}

	return ttl
}

// Stats returns aggregated statistics across all shards.
func (c *Cache) Stats() Stats {
	var agg Stats

	for _, sh := range c.shards {
		sh.mu.RLock()
		agg.Hits += sh.stats.hits
		agg.Misses += sh.stats.misses
		agg.Entries += sh.stats.entries
		agg.Evictions += sh.stats.evictions
		agg.Sets += sh.stats.sets
		sh.mu.RUnlock()
	}

	total := agg.Hits + agg.Misses
	if total > 0 {
		agg.HitRate = float64(agg.Hits) / float64(total)
	}

	return agg
}

// Clear removes all entries from all shards.
func (c *Cache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		oldSize := len(sh.entries)
		sh.entries = make(map[string]*entry, sh.max)
		sh.stats.entries = 0
		if sh.metrics != nil && oldSize > 0 {
			sh.metrics.CacheSize.Add(context.Background(), int64(-oldSize))
		}
		sh.mu.Unlock()
	}

	c.logger.Info("Cache cleared")
}

// Close stops the cache and its cleanup goroutine.
func (c *Cache) Close() error {
	close(c.stopCleanup)
	<-c.cleanupDone

	stats := c.Stats()
	c.logger.Info("Cache closed",
		"final_hits", stats.Hits,
		"final_misses", stats.Misses,
		"final_entries", stats.Entries,
		"hit_rate", stats.HitRate)

	return nil
}

// cleanupLoop removes expired entries in the background. TTL expiry wins
// over LRU: expired entries are reaped before capacity pressure forces LRU
// eviction of live ones.
func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	totalRemoved := 0

	for _, sh := range c.shards {
		sh.mu.Lock()
		removed := 0
		for key, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		if removed > 0 {
			sh.stats.evictions += uint64(removed)
			sh.stats.entries = len(sh.entries)
			totalRemoved += removed
		}
		sh.mu.Unlock()
	}

	if totalRemoved > 0 {
		c.logger.Debug("Cleaned up expired cache entries", "removed", totalRemoved)
	}
}

func (c *Cache) recordHit(ctx context.Context, sh *shard) {
	sh.mu.Lock()
	sh.stats.hits++
	sh.mu.Unlock()

	if sh.metrics != nil {
		sh.metrics.CacheHits.Add(ctx, 1)
	}
}

func (c *Cache) recordMiss(ctx context.Context, sh *shard) {
	sh.mu.Lock()
	sh.stats.misses++
	sh.mu.Unlock()

	if sh.metrics != nil {
		sh.metrics.CacheMisses.Add(ctx, 1)
	}
}
