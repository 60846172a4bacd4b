// Package cache stores upstream DNS answers between queries.
package cache

import (
	"math"
	"sync"
	"time"

	"github.com/miekg/dns"

	"tordnsd/pkg/logging"
)

// Entry is one cached answer for a question.
type Entry struct {
	Question dns.Question
	Records  []dns.RR
	Since    time.Time // creation time, never changes
	LastHit  time.Time
	Hits     uint64
}

// hit marks the entry as used to answer a query.
func (e *Entry) hit(now time.Time) {
	e.LastHit = now
	e.Hits++
}

// snapshot returns a copy of e that callers may keep and modify.
func (e *Entry) snapshot() Entry {
	out := *e
	out.Records = copyRecords(e.Records)
	return out
}

// Cache is a thread-safe store of upstream answers keyed by question.
// Entries expire lazily on lookup and the least recently hit entry is evicted
// when an insert pushes the store over capacity.
type Cache struct {
	logger  *logging.Logger
	now     func() time.Time
	entries map[dns.Question]*Entry
	stats   cacheStats
	mu      sync.Mutex
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits        uint64
	misses      uint64
	inserts     uint64
	evictions   uint64
	expirations uint64
}

// Stats returns a copy of the current cache statistics
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Inserts     uint64  `json:"inserts"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"` // hits / (hits + misses)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(logger *logging.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Cache{
		logger:  logger,
		now:     time.Now,
		entries: make(map[dns.Question]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the entry for q and marks it hit. With ttl > 0, an entry not
// hit within ttl is removed and reported as a miss.
func (c *Cache) Lookup(q dns.Question, ttl time.Duration) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[q]
	if !found {
		c.stats.misses++
		return Entry{}, false
	}

	now := c.now()
	if ttl > 0 && now.Sub(entry.LastHit) > ttl {
		delete(c.entries, q)
		c.stats.expirations++
		c.stats.misses++
		c.logger.Debug("Expired cache entry",
			"domain", q.Name,
			"qtype", dns.TypeToString[q.Qtype],
			"idle", now.Sub(entry.LastHit))
		return Entry{}, false
	}

	entry.hit(now)
	c.stats.hits++
	return entry.snapshot(), true
}

// Insert stores records for q unless an entry already exists, in which case
// it returns false. Record TTLs are overridden to ttl, or to the largest
// allowed DNS TTL when ttl is zero. With maxEntries > 0 the least recently hit
// entry is evicted once the store grows past maxEntries.
func (c *Cache) Insert(q dns.Question, records []dns.RR, ttl time.Duration, maxEntries int) bool {
	recordTTL := uint32(math.MaxInt32)
	if ttl > 0 {
		recordTTL = uint32(min(ttl/time.Second, math.MaxInt32))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[q]; exists {
		return false
	}

	now := c.now()
	entry := &Entry{
		Question: q,
		Records:  copyRecords(records),
		Since:    now,
	}
	for _, rr := range entry.Records {
		rr.Header().Ttl = recordTTL
	}
	entry.hit(now)

	c.entries[q] = entry
	c.stats.inserts++

	if maxEntries > 0 && len(c.entries) > maxEntries {
		c.evictLocked()
	}
	return true
}

// evictLocked removes the entry with the oldest LastHit.
// Must be called with mu held.
func (c *Cache) evictLocked() {
	var oldest *Entry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastHit.Before(oldest.LastHit) {
			oldest = entry
		}
	}
	if oldest == nil {
		return
	}

	delete(c.entries, oldest.Question)
	c.stats.evictions++
	c.logger.Debug("Evicted cache entry",
		"domain", oldest.Question.Name,
		"qtype", dns.TypeToString[oldest.Question.Qtype],
		"hits", oldest.Hits)
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[dns.Question]*Entry)
	c.mu.Unlock()

	c.logger.Info("Cache cleared", "removed", n)
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.hits + c.stats.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.stats.hits) / float64(total)
	}

	return Stats{
		Hits:        c.stats.hits,
		Misses:      c.stats.misses,
		Inserts:     c.stats.inserts,
		Evictions:   c.stats.evictions,
		Expirations: c.stats.expirations,
		Entries:     len(c.entries),
		HitRate:     hitRate,
	}
}

func copyRecords(records []dns.RR) []dns.RR {
	if records == nil {
		return nil
	}
	out := make([]dns.RR, len(records))
	for i, rr := range records {
		out[i] = dns.Copy(rr)
	}
	return out
}
