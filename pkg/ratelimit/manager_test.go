package ratelimit

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, cfg *config.RateLimitConfig) (*Manager, *fakeClock) {
	t.Helper()
	mgr := NewManager(cfg, logging.Discard())
	require.NotNil(t, mgr)
	t.Cleanup(mgr.Stop)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr.now = clock.Now
	return mgr, clock
}

func TestNewManager_Disabled(t *testing.T) {
	assert.Nil(t, NewManager(nil, nil))
	assert.Nil(t, NewManager(&config.RateLimitConfig{Enabled: false}, nil))

	var mgr *Manager
	allowed, _ := mgr.Allow("192.168.1.1")
	assert.True(t, allowed, "nil manager allows everything")
	assert.False(t, mgr.LogViolations())
	assert.Zero(t, mgr.Tracked())
	mgr.Stop()
}

func TestManagerAllow(t *testing.T) {
	mgr, clock := newTestManager(t, &config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             1,
		Action:            config.RateLimitActionRefuse,
		MaxTrackedClients: 10,
	})

	allowed, _ := mgr.Allow("192.168.1.1")
	assert.True(t, allowed, "first request uses the burst")

	allowed, action := mgr.Allow("192.168.1.1")
	assert.False(t, allowed, "second request immediately is limited")
	assert.Equal(t, config.RateLimitActionRefuse, action)

	allowed, _ = mgr.Allow("192.168.1.2")
	assert.True(t, allowed, "other clients have their own bucket")

	clock.now = clock.now.Add(time.Second)
	allowed, _ = mgr.Allow("192.168.1.1")
	assert.True(t, allowed, "bucket refills over time")
}

func TestManagerAllow_EmptyClient(t *testing.T) {
	mgr, _ := newTestManager(t, &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})

	for range 5 {
		allowed, _ := mgr.Allow("")
		assert.True(t, allowed)
	}
	assert.Zero(t, mgr.Tracked())
}

func TestManagerExemptClients(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, &config.LoggingConfig{Level: "warn", Format: "text"})

	mgr := NewManager(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             1,
		ExemptClients:     []string{"127.0.0.1", "10.1.0.0/16", "not-an-ip"},
	}, logger)
	require.NotNil(t, mgr)
	defer mgr.Stop()

	assert.Contains(t, buf.String(), "Invalid rate limit exemption")

	for _, ip := range []string{"127.0.0.1", "::ffff:127.0.0.1", "10.1.2.3"} {
		for range 3 {
			allowed, _ := mgr.Allow(ip)
			assert.True(t, allowed, "%s is exempt", ip)
		}
	}

	_, _ = mgr.Allow("10.2.0.1")
	allowed, _ := mgr.Allow("10.2.0.1")
	assert.False(t, allowed, "outside the exempt prefix")
}

func TestManagerMaxTrackedClients(t *testing.T) {
	mgr, clock := newTestManager(t, &config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             1,
		MaxTrackedClients: 3,
	})

	for i := range 5 {
		clock.now = clock.now.Add(time.Millisecond)
		_, _ = mgr.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.Equal(t, 3, mgr.Tracked())

	mgr.mu.Lock()
	_, oldest := mgr.clients["10.0.0.0"]
	_, newest := mgr.clients["10.0.0.4"]
	mgr.mu.Unlock()
	assert.False(t, oldest, "least recently seen client is evicted")
	assert.True(t, newest)
}

func TestManagerCleanup(t *testing.T) {
	mgr, clock := newTestManager(t, &config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 1,
		Burst:             1,
		CleanupInterval:   config.Seconds(time.Hour), // loop never ticks during the test
	})

	_, _ = mgr.Allow("10.0.0.1")
	clock.now = clock.now.Add(30 * time.Minute)
	_, _ = mgr.Allow("10.0.0.2")

	clock.now = clock.now.Add(31 * time.Minute)
	mgr.cleanup()

	assert.Equal(t, 1, mgr.Tracked())
}

func TestManagerLogViolations(t *testing.T) {
	mgr, _ := newTestManager(t, &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1, LogViolations: true})
	assert.True(t, mgr.LogViolations())

	mgr.Stop()
	mgr.Stop() // idempotent
}
