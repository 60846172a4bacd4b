package api

import (
	"time"

	"tordnsd/pkg/cache"
	"tordnsd/pkg/storage"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Checks  map[string]string `json:"checks,omitempty"`
	Status  string            `json:"status"` // "ok" or "degraded"
	Uptime  string            `json:"uptime"`
	Version string            `json:"version"`
}

// StatsResponse represents query statistics
type StatsResponse struct {
	Period          string  `json:"period"`    // Time period for stats
	Timestamp       string  `json:"timestamp"` // ISO 8601 format
	TotalQueries    int64   `json:"total_queries"`
	CachedQueries   int64   `json:"cached_queries"`
	RemappedQueries int64   `json:"remapped_queries"`
	RejectedQueries int64   `json:"rejected_queries"`
	FailedQueries   int64   `json:"failed_queries"`
	UniqueDomains   int64   `json:"unique_domains"`
	UniqueClients   int64   `json:"unique_clients"`
	CacheHitRate    float64 `json:"cache_hit_rate"`  // Percentage
	AvgResponseMs   float64 `json:"avg_response_ms"` // Average response time
}

// QueryResponse represents a single DNS query log entry
type QueryResponse struct {
	Timestamp      string  `json:"timestamp"` // ISO 8601 format
	ClientIP       string  `json:"client_ip"`
	Domain         string  `json:"domain"`
	QueryType      string  `json:"query_type"`
	QueryClass     string  `json:"query_class"`
	Action         string  `json:"action"`
	Upstream       string  `json:"upstream,omitempty"`
	ID             int64   `json:"id"`
	ResponseCode   int     `json:"response_code"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Cached         bool    `json:"cached"`
	Remapped       bool    `json:"remapped"`
}

// QueriesResponse represents paginated query results
type QueriesResponse struct {
	Queries []QueryResponse `json:"queries"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// CacheResponse reports response cache statistics
type CacheResponse struct {
	Stats cache.Stats `json:"stats"`
}

// CachePurgeResponse reports the result of DELETE /api/cache
type CachePurgeResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// convertQueryLog converts storage.QueryLog to QueryResponse
func convertQueryLog(q *storage.QueryLog) QueryResponse {
	return QueryResponse{
		ID:             q.ID,
		Timestamp:      q.Timestamp.Format(time.RFC3339),
		ClientIP:       q.ClientIP,
		Domain:         q.Domain,
		QueryType:      q.QueryType,
		QueryClass:     q.QueryClass,
		Action:         q.Action,
		Upstream:       q.Upstream,
		ResponseCode:   q.ResponseCode,
		ResponseTimeMs: q.ResponseTimeMs,
		Cached:         q.Cached,
		Remapped:       q.Remapped,
	}
}
