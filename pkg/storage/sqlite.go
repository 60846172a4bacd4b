package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tordnsd/pkg/config"
)

// MetricsRecorder defines the interface for recording storage metrics
// This interface breaks the import cycle between storage and telemetry packages
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// retentionInterval is how often expired query log rows are deleted.
const retentionInterval = time.Hour

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *config.StorageConfig
	metrics         MetricsRecorder
	buffer          chan *QueryLog
	flushReq        chan chan error
	stop            chan struct{}
	stmtInsertQuery *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (or creates) the database at cfg.DatabasePath,
// applies migrations and starts the flush and retention workers.
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.DatabasePath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, query_class, action, response_code, cached, remapped, upstream, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	bufferSize := max(cfg.BufferSize, 1)
	s := &SQLiteStorage{
		db:              db,
		cfg:             cfg,
		metrics:         metrics,
		buffer:          make(chan *QueryLog, bufferSize),
		flushReq:        make(chan chan error),
		stop:            make(chan struct{}),
		stmtInsertQuery: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	if cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.retentionWorker()
	}

	return s, nil
}

// LogQuery logs a DNS query (async, buffered)
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	// Non-blocking write to buffer
	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered entries and writes them when the batch is full,
// the flush interval passes or Flush asks for it. It drains the buffer and
// exits once the buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	interval := s.cfg.FlushInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batchSize := max(s.cfg.BatchSize, 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.flushBatch(batch)
		if err != nil {
			slog.Default().Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				_ = flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= batchSize {
				_ = flush()
			}
		case done := <-s.flushReq:
		drain:
			for {
				select {
				case query, ok := <-s.buffer:
					if !ok {
						break drain
					}
					batch = append(batch, query)
				default:
					break drain
				}
			}
			done <- flush()
		case <-ticker.C:
			_ = flush()
		}
	}
}

// flushBatch writes a batch of queries to the database in a single transaction.
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertQuery)
	for _, q := range queries {
		var upstream any
		if q.Upstream != "" {
			upstream = q.Upstream
		}
		_, err := stmt.Exec(
			toUnixMillis(q.Timestamp),
			q.ClientIP,
			q.Domain,
			q.QueryType,
			q.QueryClass,
			q.Action,
			q.ResponseCode,
			q.Cached,
			q.Remapped,
			upstream,
			q.ResponseTimeMs,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// retentionWorker deletes entries older than the retention period.
func (s *SQLiteStorage) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := s.Cleanup(ctx, cutoff); err != nil {
				slog.Default().Error("Query log retention cleanup failed", "error", err)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

const selectColumns = `
	SELECT id, timestamp, client_ip, domain, query_type, query_class, action,
	       response_code, cached, remapped, upstream, response_time_ms
	FROM queries`

// GetRecentQueries returns the most recent queries with pagination support
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByDomain returns queries for a specific domain
func (s *SQLiteStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE domain = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns query statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN remapped THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN action = 'reject' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN response_code = 2 THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			AVG(response_time_ms)
		FROM queries
		WHERE timestamp >= ?
	`, toUnixMillis(since)).Scan(
		&stats.TotalQueries,
		&stats.CachedQueries,
		&stats.RemappedQueries,
		&stats.RejectedQueries,
		&stats.FailedQueries,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stats.AvgResponseTimeMs = avg.Float64
	if stats.TotalQueries > 0 {
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// Cleanup removes old queries based on retention policy
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, toUnixMillis(olderThan))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	// VACUUM to reclaim space (only if significant deletions)
	if rows, _ := result.RowsAffected(); rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			slog.Default().Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}

	return nil
}

// Flush writes everything buffered so far and waits for the write to finish.
func (s *SQLiteStorage) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	done := make(chan error, 1)
	s.flushReq <- done
	return <-done
}

// Close closes the storage backend
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertQuery != nil {
		_ = s.stmtInsertQuery.Close()
	}
	return s.db.Close()
}

// Ping checks if the storage is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

// scanQueryLogs scans rows produced by selectColumns. The caller closes rows.
func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	queries := []*QueryLog{}

	for rows.Next() {
		var (
			q        QueryLog
			ts       int64
			upstream sql.NullString
		)
		err := rows.Scan(
			&q.ID,
			&ts,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&q.QueryClass,
			&q.Action,
			&q.ResponseCode,
			&q.Cached,
			&q.Remapped,
			&upstream,
			&q.ResponseTimeMs,
		)
		if err != nil {
			return nil, err
		}

		q.Timestamp = fromUnixMillis(ts)
		if upstream.Valid {
			q.Upstream = upstream.String
		}
		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return queries, nil
}
