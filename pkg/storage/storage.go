// Package storage persists the query log written by the DNS handler.
package storage

import (
	"context"
	"time"
)

// Storage defines the interface for all storage backends
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	// Query Logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	QueryClass     string    `json:"query_class"`
	Action         string    `json:"action"` // proxy, skip-proxy, reject
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Cached         bool      `json:"cached"`
	Remapped       bool      `json:"remapped"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	RemappedQueries   int64     `json:"remapped_queries"`
	RejectedQueries   int64     `json:"rejected_queries"`
	FailedQueries     int64     `json:"failed_queries"` // SERVFAIL for any reason
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	CacheHitRate      float64   `json:"cache_hit_rate"` // Percentage of cached responses
}
