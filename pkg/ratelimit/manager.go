// Package ratelimit throttles DNS clients with per-IP token buckets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"

	"golang.org/x/time/rate"
)

// Manager enforces simple per-client rate limiting using token buckets.
type Manager struct {
	cfg    *config.RateLimitConfig
	logger *logging.Logger

	exemptIPs   map[netip.Addr]struct{}
	exemptCIDRs []netip.Prefix

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager creates a rate limit manager when rate limiting is enabled.
// A nil Manager allows everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = logging.Discard()
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		exemptIPs: make(map[netip.Addr]struct{}),
		clients:   make(map[string]*clientLimiter, 128),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	m.parseExempt()

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Allow reports whether the client may proceed. When it may not, action says
// what to do with the query.
func (m *Manager) Allow(clientIP string) (allowed bool, action config.RateLimitAction) {
	if m == nil || clientIP == "" {
		return true, config.RateLimitActionDrop
	}
	if m.isExempt(clientIP) {
		return true, m.cfg.Action
	}

	m.mu.Lock()
	entry := m.getLimiterLocked(clientIP)
	entry.lastSeen = m.now()
	m.mu.Unlock()

	return entry.limiter.AllowN(m.now(), 1), m.cfg.Action
}

// LogViolations reports whether violations should be logged.
func (m *Manager) LogViolations() bool {
	if m == nil || m.cfg == nil {
		return false
	}
	return m.cfg.LogViolations
}

// Tracked returns the number of clients that currently hold a bucket.
func (m *Manager) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates background cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup forgets clients idle for longer than the cleanup interval.
func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval.Duration() {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiterLocked(clientIP string) *clientLimiter {
	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
		m.evictOldestLocked()
	}

	entry := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst),
		lastSeen: m.now(),
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}

func (m *Manager) isExempt(clientIP string) bool {
	if len(m.exemptIPs) == 0 && len(m.exemptCIDRs) == 0 {
		return false
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if _, ok := m.exemptIPs[addr]; ok {
		return true
	}
	for _, prefix := range m.exemptCIDRs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (m *Manager) parseExempt() {
	for idx, raw := range m.cfg.ExemptClients {
		if addr, err := netip.ParseAddr(raw); err == nil {
			m.exemptIPs[addr.Unmap()] = struct{}{}
			continue
		}

		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			m.logger.Warn("Invalid rate limit exemption",
				"value", raw,
				"index", idx,
				"error", err)
			continue
		}
		m.exemptCIDRs = append(m.exemptCIDRs, prefix.Masked())
	}
}
