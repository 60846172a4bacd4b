package dns

import (
	"context"
	"time"

	"tordnsd/pkg/filter"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// The record* helpers are no-ops without metrics.

func (h *Handler) recordQuery(ctx context.Context, d time.Duration) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.QueriesTotal.Add(ctx, 1)
	h.Metrics.QueryDuration.Record(ctx, float64(d.Microseconds())/1000)
}

func (h *Handler) recordFilterDecision(ctx context.Context, action filter.Action) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.FilterDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action.String())))
}

func (h *Handler) recordRemap(ctx context.Context, q dns.Question) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.RemappedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("type", dns.Type(q.Qtype).String())))
}

func (h *Handler) recordCache(ctx context.Context, hit bool) {
	if h.Metrics == nil {
		return
	}
	if hit {
		h.Metrics.CacheHits.Add(ctx, 1)
		return
	}
	h.Metrics.CacheMisses.Add(ctx, 1)
}

func (h *Handler) recordServerFailure(ctx context.Context, reason string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.ServerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// recordUpstream counts one resolution against the named resolver.
func (h *Handler) recordUpstream(ctx context.Context, resolver string, d time.Duration, ok bool) {
	if h.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("resolver", resolver))
	h.Metrics.UpstreamQueries.Add(ctx, 1, attrs)
	h.Metrics.UpstreamDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	if !ok {
		h.Metrics.UpstreamFailures.Add(ctx, 1, attrs)
	}
}

// recordRateLimit captures rate limit violations and drops with consistent attributes.
func (h *Handler) recordRateLimit(ctx context.Context, action string, dropped bool) {
	if h.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	h.Metrics.RateLimitViolations.Add(ctx, 1, attrs)
	if dropped {
		h.Metrics.RateLimitDropped.Add(ctx, 1, attrs)
	}
}
