package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"tordnsd/pkg/storage"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
		Checks:  map[string]string{},
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			response.Status = "degraded"
			response.Checks["storage"] = err.Error()
		} else {
			response.Checks["storage"] = "ok"
		}
	}
	if s.dns != nil {
		response.Checks["dns"] = "ok"
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return
	}

	// Parse 'since' query parameter (default: 24 hours)
	since := parseDuration(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.storage.GetStatistics(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("Failed to get statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		TotalQueries:    stats.TotalQueries,
		CachedQueries:   stats.CachedQueries,
		RemappedQueries: stats.RemappedQueries,
		RejectedQueries: stats.RejectedQueries,
		FailedQueries:   stats.FailedQueries,
		UniqueDomains:   stats.UniqueDomains,
		UniqueClients:   stats.UniqueClients,
		CacheHitRate:    stats.CacheHitRate,
		AvgResponseMs:   stats.AvgResponseTimeMs,
		Period:          since.String(),
		Timestamp:       time.Now().Format(time.RFC3339),
	})
}

// handleQueries handles GET /api/queries
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return
	}

	params := r.URL.Query()
	limit := defaultQueryLimit
	if l, err := strconv.Atoi(params.Get("limit")); err == nil && l > 0 && l <= maxQueryLimit {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(params.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		queries []*storage.QueryLog
		err     error
	)
	if domain := params.Get("domain"); domain != "" {
		queries, err = s.storage.GetQueriesByDomain(ctx, domain, limit)
		offset = 0
	} else {
		queries, err = s.storage.GetRecentQueries(ctx, limit, offset)
	}
	if err != nil {
		s.logger.Error("Failed to get queries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve queries")
		return
	}

	queryResponses := make([]QueryResponse, 0, len(queries))
	for _, q := range queries {
		queryResponses = append(queryResponses, convertQueryLog(q))
	}

	s.writeJSON(w, http.StatusOK, QueriesResponse{
		Queries: queryResponses,
		Total:   len(queryResponses),
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCacheStats handles GET /api/cache
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.dns == nil {
		s.writeError(w, http.StatusServiceUnavailable, "DNS handler not available")
		return
	}

	s.writeJSON(w, http.StatusOK, CacheResponse{Stats: s.dns.Cache().Stats()})
}

// handleCachePurge handles DELETE /api/cache
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.dns == nil {
		s.writeError(w, http.StatusServiceUnavailable, "DNS handler not available")
		return
	}

	removed := s.dns.Cache().Len()
	s.dns.ClearCache()
	s.logger.Info("Cache purged via API", "removed", removed)

	s.writeJSON(w, http.StatusOK, CachePurgeResponse{
		Status:  "ok",
		Removed: removed,
	})
}
