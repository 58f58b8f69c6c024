package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/events"
	"github.com/qorelogic/failsafe/pkg/router"
)

// Proxy outcome labels for RecordProxyOutcome.
const (
	ProxyOutcomeRelayed          = "relayed"
	ProxyOutcomeBlocked          = "blocked"
	ProxyOutcomeUpstreamTimeout  = "upstream_timeout"
	ProxyOutcomeUpstreamRejected = "upstream_rejected"
	ProxyOutcomeBreakerOpen      = "breaker_open"
)

// Metrics holds the process's Prometheus collectors behind a private
// registry, so tests can run several instances without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	evaluateSeconds prometheus.Histogram
	rateLimited     prometheus.Counter
	proxyRequests   *prometheus.CounterVec

	routerStats *routerCollector
}

// NewMetrics builds the registry and registers every collector, including
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "decisions_total",
			Help:      "Evaluations by terminal verdict.",
		}, []string{"verdict"}),
		evaluateSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "failsafe",
			Name:      "evaluate_duration_seconds",
			Help:      "Wall time of one policy evaluation.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected with 429.",
		}),
		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "failsafe",
			Name:      "proxy_requests_total",
			Help:      "Governed proxy requests by outcome.",
		}, []string{"outcome"}),
		routerStats: newRouterCollector(),
	}

	reg.MustRegister(m.routerStats)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDecision counts one terminal verdict.
func (m *Metrics) RecordDecision(v contracts.Verdict) {
	m.decisions.WithLabelValues(string(v)).Inc()
}

// RecordEvaluateLatency observes one evaluation's wall time.
func (m *Metrics) RecordEvaluateLatency(d time.Duration) {
	m.evaluateSeconds.Observe(d.Seconds())
}

// RecordRateLimited counts one 429.
func (m *Metrics) RecordRateLimited() { m.rateLimited.Inc() }

// RecordProxyOutcome counts one governed proxy request.
func (m *Metrics) RecordProxyOutcome(outcome string) {
	m.proxyRequests.WithLabelValues(outcome).Inc()
}

// RegisterQueueDepth publishes the L3 approval backlog as a gauge. depth is
// read on every scrape.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "failsafe",
		Name:      "l3_queue_depth",
		Help:      "Pending L3 approval requests.",
	}, func() float64 { return float64(depth()) }))
}

// WatchBus mirrors the router's periodic metrics snapshots into the
// registry. The returned stop func detaches the subscription.
func (m *Metrics) WatchBus(bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(events.TopicRouterMetrics)
	go func() {
		for ev := range ch {
			if snap, ok := ev.Data.(router.Metrics); ok {
				m.routerStats.store(snap)
			}
		}
	}()
	return cancel
}

// routerCollector re-emits the latest router metrics snapshot on scrape.
// The snapshot's counters are cumulative already, so values are exposed as
// const metrics rather than incremented locally.
type routerCollector struct {
	snapshot atomic.Pointer[router.Metrics]

	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheEntries *prometheus.Desc
	cacheBytes   *prometheus.Desc
	routed       *prometheus.Desc
	novelty      *prometheus.Desc
	confidence   *prometheus.Desc
}

func newRouterCollector() *routerCollector {
	return &routerCollector{
		cacheHits: prometheus.NewDesc("failsafe_cache_hits_total",
			"Cache hits by cache name.", []string{"cache"}, nil),
		cacheMisses: prometheus.NewDesc("failsafe_cache_misses_total",
			"Cache misses by cache name.", []string{"cache"}, nil),
		cacheEntries: prometheus.NewDesc("failsafe_cache_entries",
			"Live cache entries by cache name.", []string{"cache"}, nil),
		cacheBytes: prometheus.NewDesc("failsafe_cache_bytes",
			"Approximate bytes held by cache name.", []string{"cache"}, nil),
		routed: prometheus.NewDesc("failsafe_router_routed_events_total",
			"Events graded by the triage router.", nil, nil),
		novelty: prometheus.NewDesc("failsafe_router_novelty_events_total",
			"Routed events by novelty bucket.", []string{"novelty"}, nil),
		confidence: prometheus.NewDesc("failsafe_router_mean_confidence",
			"Mean numeric confidence across routed events.", nil, nil),
	}
}

func (c *routerCollector) store(snap router.Metrics) {
	c.snapshot.Store(&snap)
}

func (c *routerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEntries
	ch <- c.cacheBytes
	ch <- c.routed
	ch <- c.novelty
	ch <- c.confidence
}

func (c *routerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot.Load()
	if snap == nil {
		return
	}

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.cacheHits, float64(snap.Caches.FingerprintHits), "fingerprint")
	counter(c.cacheHits, float64(snap.Caches.NoveltyHits), "novelty")
	counter(c.cacheMisses, float64(snap.Caches.FingerprintMisses), "fingerprint")
	counter(c.cacheMisses, float64(snap.Caches.NoveltyMisses), "novelty")
	gauge(c.cacheEntries, float64(snap.Caches.FingerprintCount), "fingerprint")
	gauge(c.cacheEntries, float64(snap.Caches.NoveltyCount), "novelty")
	gauge(c.cacheBytes, float64(snap.Caches.FingerprintBytes), "fingerprint")
	counter(c.routed, float64(snap.RoutedEvents))
	for bucket, n := range snap.NoveltyCounts {
		counter(c.novelty, float64(n), string(bucket))
	}
	gauge(c.confidence, snap.MeanConfidence)
}
