// Package metrics owns the Prometheus registry for the notifier.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/truck-notifier/internal/logic"
)

const namespace = "truck_notifier"

// Collector holds every metric the notifier exports, registered on a
// private registry so tests can build as many as they like.
type Collector struct {
	reg *prometheus.Registry

	// result label: ok|transient|error
	FetchTotal    *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	// result label: hit|miss
	CacheLookups *prometheus.CounterVec
	Retries      prometheus.Counter

	// to label: idle|nearby
	Transitions *prometheus.CounterVec
	// outcome label: transition|no_change|not_found|invalid_order
	Evaluations   *prometheus.CounterVec
	CycleErrors   *prometheus.CounterVec // kind label: api|system
	CycleDuration prometheus.Histogram
	Nearby        prometheus.Gauge

	// sink label: mqtt|nats
	NotifyTotal  *prometheus.CounterVec
	NotifyErrors *prometheus.CounterVec
	Connected    *prometheus.GaugeVec
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_fetch_total",
			Help:      "Upstream GetAroundPoints requests by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_fetch_duration_seconds",
			Help:      "Duration of a single upstream request.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_cache_lookups_total",
			Help:      "Snapshot cache lookups by result (hit/miss).",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Upstream requests retried after a transient failure.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions applied, by target state.",
		}, []string{"to"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Route evaluations by outcome.",
		}, []string{"outcome"}),
		CycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Evaluation cycles that ended in error, by kind.",
		}, []string{"kind"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one fetch-and-evaluate cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Nearby: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nearby",
			Help:      "1 while the tracked truck is inside the window, 0 otherwise.",
		}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_published_total",
			Help:      "Transition events published, by sink.",
		}, []string{"sink"}),
		NotifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Transition events that failed to publish, by sink.",
		}, []string{"sink"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_connected",
			Help:      "1 if the notification sink connection is up, 0 otherwise.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		c.FetchTotal, c.FetchDuration, c.CacheLookups, c.Retries,
		c.Transitions, c.Evaluations, c.CycleErrors, c.CycleDuration, c.Nearby,
		c.NotifyTotal, c.NotifyErrors, c.Connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry, for wiring HTTP middleware metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// FetchObserve records one upstream request.
func (c *Collector) FetchObserve(result string, d time.Duration) {
	c.FetchTotal.WithLabelValues(result).Inc()
	c.FetchDuration.Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if hit {
		c.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.CacheLookups.WithLabelValues("miss").Inc()
}

// RetryInc records one retry.
func (c *Collector) RetryInc() { c.Retries.Inc() }

// EvaluationObserve records one route evaluation outcome.
func (c *Collector) EvaluationObserve(o logic.Outcome) {
	c.Evaluations.WithLabelValues(o.String()).Inc()
}

// TransitionInc records an applied transition and updates the state gauge.
func (c *Collector) TransitionInc(to logic.State) {
	c.Transitions.WithLabelValues(string(to)).Inc()
	c.SetState(to)
}

// SetState updates the nearby gauge.
func (c *Collector) SetState(s logic.State) {
	if s == logic.StateNearby {
		c.Nearby.Set(1)
		return
	}
	c.Nearby.Set(0)
}

// CycleObserve records the duration of one cycle.
func (c *Collector) CycleObserve(d time.Duration) { c.CycleDuration.Observe(d.Seconds()) }

// CycleErrorInc records a failed cycle.
func (c *Collector) CycleErrorInc(kind string) { c.CycleErrors.WithLabelValues(kind).Inc() }

// Sink returns a per-sink view used by notification publishers.
func (c *Collector) Sink(name string) *SinkMetrics {
	return &SinkMetrics{c: c, name: name}
}

// SinkMetrics records publish results for one notification sink.
type SinkMetrics struct {
	c    *Collector
	name string
}

// PublishedInc records a successful publish.
func (s *SinkMetrics) PublishedInc() { s.c.NotifyTotal.WithLabelValues(s.name).Inc() }

// PublishErrInc records a failed publish.
func (s *SinkMetrics) PublishErrInc() { s.c.NotifyErrors.WithLabelValues(s.name).Inc() }

// SetConnected records the sink's connection state.
func (s *SinkMetrics) SetConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	s.c.Connected.WithLabelValues(s.name).Set(v)
}
