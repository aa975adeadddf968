package cache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		Enabled:     true,
		MaxEntries:  1000,
		Shards:      4,
		MinTTL:      time.Second,
		MaxTTL:      time.Hour,
		NegativeTTL: time.Minute,
	}
}

func newTestCache(t *testing.T, cfg *config.CacheConfig) *Cache {
	t.Helper()
	c, err := New(cfg, logging.NewDefault(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func makeQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func makeResponse(req *dns.Msg, ttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP("192.0.2.1").To4(),
	})
	return resp
}

func TestCacheRoundtrip(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("example.com", dns.TypeA)
	resp := makeResponse(req, 300)

	assert.Nil(t, c.Get(ctx, req))

	c.Set(ctx, req, resp)
	got := c.Get(ctx, req)
	require.NotNil(t, got)
	require.Len(t, got.Answer, 1)
	assert.Equal(t, resp.Answer[0].String(), got.Answer[0].String())
}

func TestCacheReturnsCopy(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("example.com", dns.TypeA)
	c.Set(ctx, req, makeResponse(req, 300))

	first := c.Get(ctx, req)
	require.NotNil(t, first)
	first.Answer = nil

	second := c.Get(ctx, req)
	require.NotNil(t, second)
	assert.Len(t, second.Answer, 1)
}

func TestCacheKeyIsCaseInsensitive(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("Example.COM", dns.TypeA)
	c.Set(ctx, req, makeResponse(req, 300))

	lower := makeQuery("example.com", dns.TypeA)
	assert.NotNil(t, c.Get(ctx, lower))
}

func TestCacheKeySeparatesQtypes(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	reqA := makeQuery("example.com", dns.TypeA)
	c.Set(ctx, reqA, makeResponse(reqA, 300))

	reqAAAA := makeQuery("example.com", dns.TypeAAAA)
	assert.Nil(t, c.Get(ctx, reqAAAA))
}

func TestCacheExpiry(t *testing.T) {
	cfg := testCacheConfig()
	cfg.NegativeTTL = 10 * time.Millisecond
	c := newTestCache(t, cfg)
	ctx := context.Background()

	req := makeQuery("missing.example.com", dns.TypeA)
	nx := new(dns.Msg)
	nx.SetRcode(req, dns.RcodeNameError)
	c.Set(ctx, req, nx)

	require.NotNil(t, c.Get(ctx, req))
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, c.Get(ctx, req))
}

func TestNegativeResponseUsesNegativeTTL(t *testing.T) {
	cfg := testCacheConfig()
	_ = newTestCache(t, cfg)

	req := makeQuery("missing.example.com", dns.TypeA)
	nx := new(dns.Msg)
	nx.SetRcode(req, dns.RcodeNameError)

	assert.Equal(t, cfg.NegativeTTL, determineTTL(cfg, nx))

	empty := new(dns.Msg)
	empty.SetReply(req)
	assert.Equal(t, cfg.NegativeTTL, determineTTL(cfg, empty))
}

func TestDetermineTTLClamping(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MinTTL = time.Minute
	cfg.MaxTTL = time.Hour

	req := makeQuery("example.com", dns.TypeA)

	short := makeResponse(req, 5)
	assert.Equal(t, time.Minute, determineTTL(cfg, short))

	long := makeResponse(req, 86400)
	assert.Equal(t, time.Hour, determineTTL(cfg, long))

	mid := makeResponse(req, 600)
	assert.Equal(t, 600*time.Second, determineTTL(cfg, mid))
}

func TestLRUEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 40 // 10 per shard, the per-shard floor
	cfg.Shards = 4
	c := newTestCache(t, cfg)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		req := makeQuery(fmt.Sprintf("host%d.example.com", i), dns.TypeA)
		c.Set(ctx, req, makeResponse(req, 300))
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Entries, 40)
	assert.Greater(t, stats.Evictions, uint64(0))
}

func TestEvictionPrefersExpiredEntries(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 10
	cfg.Shards = 1
	cfg.NegativeTTL = 10 * time.Millisecond
	c := newTestCache(t, cfg)
	ctx := context.Background()

	// Oldest lastAccess, so plain LRU would pick it first.
	keep := makeQuery("keep.example.com", dns.TypeA)
	c.Set(ctx, keep, makeResponse(keep, 300))

	gone := makeQuery("gone.example.com", dns.TypeA)
	nx := new(dns.Msg)
	nx.SetRcode(gone, dns.RcodeNameError)
	c.Set(ctx, gone, nx)

	for i := 0; i < 8; i++ {
		req := makeQuery(fmt.Sprintf("fill%d.example.com", i), dns.TypeA)
		c.Set(ctx, req, makeResponse(req, 300))
	}

	time.Sleep(30 * time.Millisecond)

	// The shard is full; this insert must evict the expired entry, not
	// the least recently used live one.
	trigger := makeQuery("trigger.example.com", dns.TypeA)
	c.Set(ctx, trigger, makeResponse(trigger, 300))

	assert.NotNil(t, c.Get(ctx, keep))
	assert.Nil(t, c.Get(ctx, gone))
}

func TestExpiredRemovalSparesReplacedEntry(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("flap.example.com", dns.TypeA)
	c.Set(ctx, req, makeResponse(req, 300))

	key := Key(req.Question[0].Name, dns.TypeA)
	sh := c.shardFor(key)

	sh.mu.RLock()
	fresh := sh.entries[key]
	sh.mu.RUnlock()
	require.NotNil(t, fresh)

	// Stands in for an entry observed under the read lock just before a
	// concurrent Set replaced it for the same key.
	stale := &entry{
		msg:        makeResponse(req, 300),
		expiresAt:  time.Now().Add(-time.Second),
		lastAccess: time.Now().Add(-time.Minute),
	}
	sh.removeExpired(ctx, key, stale)

	sh.mu.RLock()
	cur := sh.entries[key]
	sh.mu.RUnlock()
	assert.Same(t, fresh, cur)
	assert.NotNil(t, c.Get(ctx, req))
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("example.com", dns.TypeA)
	c.Set(ctx, req, makeResponse(req, 300))
	require.NotNil(t, c.Get(ctx, req))

	c.Clear()
	assert.Nil(t, c.Get(ctx, req))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	req := makeQuery("example.com", dns.TypeA)
	c.Get(ctx, req) // miss
	c.Set(ctx, req, makeResponse(req, 300))
	c.Get(ctx, req) // hit

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := newTestCache(t, testCacheConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				req := makeQuery(fmt.Sprintf("host%d.example.com", i%20), dns.TypeA)
				if i%2 == 0 {
					c.Set(ctx, req, makeResponse(req, 300))
				} else {
					c.Get(ctx, req)
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(nil, logging.NewDefault(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&config.CacheConfig{MaxEntries: 0}, logging.NewDefault(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
