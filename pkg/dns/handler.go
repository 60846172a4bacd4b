// Package dns contains the query dispatcher used by tordnsd and the UDP/TCP
// listeners that feed it.
package dns

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"tordnsd/pkg/cache"
	"tordnsd/pkg/filter"
	"tordnsd/pkg/logging"
	"tordnsd/pkg/ratelimit"
	"tordnsd/pkg/remap"
	"tordnsd/pkg/storage"
	"tordnsd/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Reasons attached to SERVFAIL metrics and query logs.
const (
	failDisabled    = "disabled"
	failMalformed   = "malformed"
	failRejected    = "rejected"
	failUnavailable = "resolver_unavailable"
	failUpstream    = "upstream"
)

// Handler dispatches DNS questions to remap rules, the cache or an upstream
// resolver, according to the current Snapshot.
type Handler struct {
	snapshot    atomic.Pointer[Snapshot]
	cache       *cache.Cache
	Storage     storage.Storage
	RateLimiter *ratelimit.Manager
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Logger      *logging.Logger
}

// outcome describes how a query was answered.
type outcome struct {
	action     filter.Action
	upstream   string
	failure    string
	classified bool
	remapped   bool
	cached     bool
}

// NewHandler creates a handler serving snap. A nil snap answers every query
// with SERVFAIL until RefreshConfiguration is called.
func NewHandler(snap *Snapshot, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{
		cache:  cache.New(logger.WithField("component", "cache")),
		Tracer: tracenoop.NewTracerProvider().Tracer("tordnsd"),
		Logger: logger,
	}
	if snap == nil {
		snap = &Snapshot{}
	}
	h.snapshot.Store(snap)
	return h
}

// SetCache replaces the response cache, e.g. with one using a fake clock.
func (h *Handler) SetCache(c *cache.Cache) {
	h.cache = c
}

// SetStorage sets the query logging storage
func (h *Handler) SetStorage(s storage.Storage) {
	h.Storage = s
}

// SetRateLimiter wires a rate limiter implementation.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.RateLimiter = rl
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetTracer sets the tracer used for per-query spans.
func (h *Handler) SetTracer(t trace.Tracer) {
	h.Tracer = t
}

// Cache returns the response cache.
func (h *Handler) Cache() *cache.Cache {
	return h.cache
}

// Snapshot returns the configuration currently in effect.
func (h *Handler) Snapshot() *Snapshot {
	return h.snapshot.Load()
}

// RefreshConfiguration publishes snap. Queries already running finish on the
// snapshot they started with.
func (h *Handler) RefreshConfiguration(snap *Snapshot) {
	if snap == nil {
		return
	}
	h.snapshot.Store(snap)
	h.Logger.Info("Configuration refreshed",
		"enabled", snap.Enabled,
		"filters", len(snap.Filters),
		"remaps", len(snap.Remaps),
		"cache", snap.CacheEnabled,
		"tunnel", snap.Tunnel != nil,
		"direct", snap.Direct != nil)
}

// ClearCache drops every cached answer.
func (h *Handler) ClearCache() {
	h.cache.Clear()
}

// HandleQuery answers r. The reply always carries r's ID and question; every
// failure is reported as SERVFAIL.
func (h *Handler) HandleQuery(ctx context.Context, r *dns.Msg) *dns.Msg {
	reply, _ := h.handle(ctx, r)
	return reply
}

func (h *Handler) handle(ctx context.Context, r *dns.Msg) (*dns.Msg, outcome) {
	var out outcome
	snap := h.snapshot.Load()

	msg := new(dns.Msg)
	if r == nil {
		msg.Rcode = dns.RcodeServerFailure
		out.failure = failMalformed
		return msg, out
	}
	msg.SetReply(r)
	msg.RecursionAvailable = true

	if !snap.Enabled {
		h.Logger.Warn("Query refused, service is disabled", "id", r.Id)
		return h.servfail(ctx, msg, &out, failDisabled)
	}
	if r.Response || r.Opcode != dns.OpcodeQuery || len(r.Question) != 1 {
		return h.servfail(ctx, msg, &out, failMalformed)
	}

	q := r.Question[0]
	out.action = filter.Classify(strings.TrimSuffix(q.Name, "."), snap.Filters)
	out.classified = true
	h.recordFilterDecision(ctx, out.action)

	h.Logger.Debug("QUERY",
		"name", q.Name,
		"class", dns.Class(q.Qclass).String(),
		"type", dns.Type(q.Qtype).String(),
		"action", out.action.String())

	if out.action != filter.ActionReject {
		if records := remap.Remap(q, snap.Remaps, snap.RemapTTL); len(records) > 0 {
			msg.Answer = append(msg.Answer, records...)
			msg.Rcode = dns.RcodeSuccess
			out.remapped = true
			h.recordRemap(ctx, q)
			return msg, out
		}

		if snap.CacheEnabled {
			if entry, ok := h.cache.Lookup(q, snap.CacheTTL); ok {
				msg.Answer = append(msg.Answer, entry.Records...)
				msg.Rcode = dns.RcodeSuccess
				out.cached = true
				h.recordCache(ctx, true)
				return msg, out
			}
			h.recordCache(ctx, false)
		}
	}

	if out.action == filter.ActionReject {
		return h.servfail(ctx, msg, &out, failRejected)
	}

	resolver := snap.resolver(out.action)
	if resolver == nil {
		h.Logger.Debug("No resolver for action",
			"name", q.Name,
			"action", out.action.String())
		return h.servfail(ctx, msg, &out, failUnavailable)
	}
	out.upstream = resolverName(resolver)

	start := time.Now()
	resp, err := resolver.Resolve(ctx, q.Name, q.Qtype, q.Qclass)
	records := answerRecords(resp)
	h.recordUpstream(ctx, out.upstream, time.Since(start), err == nil && len(records) > 0)

	if err != nil || len(records) == 0 {
		h.Logger.Debug("Upstream returned no answer",
			"name", q.Name,
			"type", dns.Type(q.Qtype).String(),
			"resolver", out.upstream,
			"error", err)
		return h.servfail(ctx, msg, &out, failUpstream)
	}

	msg.Answer = append(msg.Answer, records...)
	msg.Rcode = dns.RcodeSuccess

	if snap.CacheEnabled {
		h.cache.Insert(q, records, snap.CacheTTL, snap.CacheMaxEntries)
	}

	return msg, out
}

func (h *Handler) servfail(ctx context.Context, msg *dns.Msg, out *outcome, reason string) (*dns.Msg, outcome) {
	msg.Rcode = dns.RcodeServerFailure
	msg.Answer = nil
	out.failure = reason
	h.recordServerFailure(ctx, reason)
	return msg, *out
}

// answerRecords returns the answer and additional sections of resp, without
// EDNS0 pseudo-records.
func answerRecords(resp *dns.Msg) []dns.RR {
	if resp == nil {
		return nil
	}
	records := make([]dns.RR, 0, len(resp.Answer)+len(resp.Extra))
	records = append(records, resp.Answer...)
	for _, rr := range resp.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		records = append(records, rr)
	}
	return records
}

// ServeDNS answers r on w. It applies the rate limiter, runs the dispatcher
// and records the query log entry, metrics and span.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	clientIP := getClientIP(w)

	if h.Metrics != nil {
		h.Metrics.ActiveClients.Add(ctx, 1)
		defer h.Metrics.ActiveClients.Add(ctx, -1)
	}

	ctx, span := h.Tracer.Start(ctx, "dns.query", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("client.address", clientIP))
	if r != nil && len(r.Question) > 0 {
		span.SetAttributes(
			attribute.String("dns.question.name", r.Question[0].Name),
			attribute.String("dns.question.type", dns.Type(r.Question[0].Qtype).String()),
		)
	}

	if reply, limited := h.enforceRateLimit(ctx, r, clientIP); limited {
		span.SetAttributes(attribute.Bool("dns.rate_limited", true))
		if reply != nil {
			h.writeMsg(w, reply)
		}
		return
	}

	reply, out := h.handle(ctx, r)
	h.writeMsg(w, reply)

	duration := time.Since(start)
	h.recordQuery(ctx, duration)

	span.SetAttributes(
		attribute.String("dns.action", out.action.String()),
		attribute.String("dns.rcode", dns.RcodeToString[reply.Rcode]),
		attribute.Bool("dns.cached", out.cached),
		attribute.Bool("dns.remapped", out.remapped),
	)
	if out.failure != "" {
		span.SetStatus(codes.Error, out.failure)
	}

	h.logQuery(ctx, r, reply, out, clientIP, duration)
}

// writeMsg writes a DNS message to the response writer. A failed write means
// the client went away; there is no one left to tell.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.Logger.Debug("Failed to write DNS response", "error", err)
	}
}

func (h *Handler) logQuery(ctx context.Context, r, reply *dns.Msg, out outcome, clientIP string, duration time.Duration) {
	if h.Storage == nil || r == nil || len(r.Question) == 0 {
		return
	}

	q := r.Question[0]
	entry := &storage.QueryLog{
		Timestamp:      time.Now(),
		ClientIP:       clientIP,
		Domain:         q.Name,
		QueryType:      dns.Type(q.Qtype).String(),
		QueryClass:     dns.Class(q.Qclass).String(),
		Upstream:       out.upstream,
		ResponseCode:   reply.Rcode,
		ResponseTimeMs: float64(duration.Microseconds()) / 1000,
		Cached:         out.cached,
		Remapped:       out.remapped,
	}
	if out.classified {
		entry.Action = out.action.String()
	} else {
		entry.Action = out.failure
	}

	if err := h.Storage.LogQuery(context.WithoutCancel(ctx), entry); err != nil {
		h.Logger.Debug("Failed to log query", "domain", q.Name, "error", err)
	}
}

// getClientIP extracts the client IP address from the DNS ResponseWriter.
// Returns "unknown" if RemoteAddr() is nil.
func getClientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() != nil {
		host, _, err := net.SplitHostPort(w.RemoteAddr().String())
		if err == nil {
			return host
		}
		return w.RemoteAddr().String()
	}
	return "unknown"
}
