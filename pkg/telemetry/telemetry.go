// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"tordnsd/pkg/cache"
	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"
)

// InstrumentationName names the meter and tracer used by tordnsd.
const InstrumentationName = "tordnsd"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	prometheusAddr   net.Addr
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query pipeline
	QueriesTotal    metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	FilterDecisions metric.Int64Counter
	RemappedQueries metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	ServerFailures  metric.Int64Counter

	// Upstream resolvers
	UpstreamQueries  metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	UpstreamDuration metric.Float64Histogram

	// Rate limiting metrics
	RateLimitViolations metric.Int64Counter
	RateLimitDropped    metric.Int64Counter

	// System metrics
	ActiveClients metric.Int64UpDownCounter

	// Storage metrics
	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	// A private registry keeps repeated initialisation (tests, reloads) from
	// colliding in the global one.
	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "address", t.prometheusAddr.String())
	return nil
}

// setupTracing installs an SDK tracer provider. Spans are sampled in-process;
// callers attach exporters or processors through TracerProvider.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)
	t.logger.Info("Tracing enabled")
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.MetricsHandler())

	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(t.cfg.PrometheusPort)))
	if err != nil {
		return err
	}
	t.prometheusAddr = l.Addr()

	t.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// MetricsHandler serves the Prometheus exposition of this instance's metrics.
// Without a Prometheus registry it answers 404.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// PrometheusAddr returns the bound metrics listener address, or nil.
func (t *Telemetry) PrometheusAddr() net.Addr {
	return t.prometheusAddr
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return NewMetrics(t.meterProvider.Meter(InstrumentationName))
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.FilterDecisions, "dns.filter.decisions", "Filter classifications by action"},
		{&m.RemappedQueries, "dns.queries.remapped", "Queries answered from remap rules"},
		{&m.CacheHits, "dns.cache.hits", "Number of DNS cache hits"},
		{&m.CacheMisses, "dns.cache.misses", "Number of DNS cache misses"},
		{&m.ServerFailures, "dns.responses.servfail", "SERVFAIL responses by reason"},
		{&m.UpstreamQueries, "dns.upstream.queries", "Queries sent to an upstream resolver"},
		{&m.UpstreamFailures, "dns.upstream.failures", "Upstream resolutions that produced no answer"},
		{&m.RateLimitViolations, "rate_limit.violations", "Number of rate limit violations"},
		{&m.RateLimitDropped, "rate_limit.dropped", "Number of dropped requests due to rate limiting"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Number of queries dropped due to full buffer"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.UpstreamDuration, err = meter.Float64Histogram(
		"dns.upstream.duration",
		metric.WithDescription("Upstream resolution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	m.ActiveClients, err = meter.Int64UpDownCounter(
		"clients.active",
		metric.WithDescription("Number of queries being processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active clients gauge: %w", err)
	}

	return &m, nil
}

// ObserveCache exports the cache's size and eviction counters, read at
// collection time.
func (t *Telemetry) ObserveCache(c *cache.Cache) error {
	meter := t.meterProvider.Meter(InstrumentationName)

	size, err := meter.Int64ObservableGauge("cache.size",
		metric.WithDescription("Number of entries in DNS cache"))
	if err != nil {
		return fmt.Errorf("failed to create cache size gauge: %w", err)
	}
	evictions, err := meter.Int64ObservableCounter("cache.evictions",
		metric.WithDescription("Entries evicted because the cache was full"))
	if err != nil {
		return fmt.Errorf("failed to create cache evictions counter: %w", err)
	}
	expirations, err := meter.Int64ObservableCounter("cache.expirations",
		metric.WithDescription("Entries removed on lookup after their TTL passed"))
	if err != nil {
		return fmt.Errorf("failed to create cache expirations counter: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := c.Stats()
		o.ObserveInt64(size, int64(stats.Entries))
		o.ObserveInt64(evictions, int64(stats.Evictions))
		o.ObserveInt64(expirations, int64(stats.Expirations))
		return nil
	}, size, evictions, expirations)
	if err != nil {
		return fmt.Errorf("failed to register cache callback: %w", err)
	}
	return nil
}

// ObserveTrackedClients exports how many clients the rate limiter holds a
// bucket for.
func (t *Telemetry) ObserveTrackedClients(count func() int) error {
	meter := t.meterProvider.Meter(InstrumentationName)
	_, err := meter.Int64ObservableGauge("rate_limit.tracked_clients",
		metric.WithDescription("Clients with an active rate limit bucket"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("failed to create tracked clients gauge: %w", err)
	}
	return nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the tordnsd tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(InstrumentationName)
}

// AddDroppedQuery implements storage.MetricsRecorder interface
// This allows Metrics to be passed to storage without creating import cycles
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
