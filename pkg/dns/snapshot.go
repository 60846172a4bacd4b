package dns

import (
	"context"
	"fmt"
	"math"
	"time"

	"tordnsd/pkg/config"
	"tordnsd/pkg/filter"
	"tordnsd/pkg/forwarder"
	"tordnsd/pkg/logging"
	"tordnsd/pkg/remap"

	"github.com/miekg/dns"
)

// Resolver answers a single question from an upstream source.
type Resolver interface {
	Resolve(ctx context.Context, name string, qtype, qclass uint16) (*dns.Msg, error)
}

// Snapshot is the configuration a query runs against. It is never modified
// after it has been handed to RefreshConfiguration.
type Snapshot struct {
	Filters []filter.Rule
	Remaps  []remap.Rule

	// Direct is nil when no direct resolver is configured; Tunnel is nil
	// when tunneled resolution is disabled.
	Direct Resolver
	Tunnel Resolver

	CacheTTL        time.Duration
	CacheMaxEntries int
	RemapTTL        uint32

	Enabled      bool
	CacheEnabled bool
}

// BuildSnapshot compiles cfg into a Snapshot and constructs its resolvers.
// Malformed remap rules are skipped; an invalid filter action is an error.
func BuildSnapshot(cfg *config.Config, logger *logging.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	filters, err := filter.CompileRules(cfg.Filters)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Filters:         filters,
		Remaps:          remap.ParseRules(cfg.Remap.Rules, logger),
		CacheTTL:        cfg.Cache.TTL.Duration(),
		CacheMaxEntries: cfg.Cache.MaxEntries,
		RemapTTL:        ttlSeconds(cfg.Remap.TTL.Duration()),
		Enabled:         cfg.Server.Enabled,
		CacheEnabled:    cfg.Cache.Enabled,
	}

	if len(cfg.Direct.Servers) > 0 {
		direct, err := forwarder.NewDirect(&cfg.Direct, logger)
		if err != nil {
			return nil, fmt.Errorf("direct resolver: %w", err)
		}
		s.Direct = direct
	}

	if cfg.Tunnel.Enabled {
		tunnel, err := forwarder.NewTunnel(&cfg.Tunnel, logger)
		if err != nil {
			return nil, fmt.Errorf("tunnel resolver: %w", err)
		}
		s.Tunnel = tunnel
	}

	logger.Debug("Built configuration snapshot",
		"filters", len(s.Filters),
		"remaps", len(s.Remaps),
		"skipped_remaps", len(cfg.Remap.Rules)-len(s.Remaps),
		"cache", s.CacheEnabled,
		"tunnel", s.Tunnel != nil)

	return s, nil
}

// resolver returns the upstream for action, or nil for Reject and for a path
// that is not configured.
func (s *Snapshot) resolver(action filter.Action) Resolver {
	switch action {
	case filter.ActionProxy:
		return s.Tunnel
	case filter.ActionSkipProxy:
		return s.Direct
	default:
		return nil
	}
}

func ttlSeconds(d time.Duration) uint32 {
	secs := d / time.Second
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	if secs < 0 {
		return 0
	}
	return uint32(secs)
}

// resolverName labels a resolver in logs and metrics.
func resolverName(r Resolver) string {
	if named, ok := r.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", r)
}
