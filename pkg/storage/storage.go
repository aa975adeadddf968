// Package storage persists the query log and serves the aggregate views the
// admin API exposes.
package storage

import (
	"context"
	"time"
)

// Storage is the query log backend. Implementations must be safe for
// concurrent use.
type Storage interface {
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)

	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error)

	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// Outcome values recorded per query.
const (
	OutcomeBlocked   = "blocked"
	OutcomeCached    = "cached"
	OutcomeForwarded = "forwarded"
	OutcomeError     = "error"
)

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Outcome        string    `json:"outcome"`
	Rule           string    `json:"rule,omitempty"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Blocked        bool      `json:"blocked"`
	Cached         bool      `json:"cached"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"`
	CacheHitRate      float64   `json:"cache_hit_rate"`
}

// DomainStats represents per-domain query counts
type DomainStats struct {
	LastQueried time.Time `json:"last_queried"`
	Domain      string    `json:"domain"`
	QueryCount  int64     `json:"query_count"`
	Blocked     bool      `json:"blocked"`
}
