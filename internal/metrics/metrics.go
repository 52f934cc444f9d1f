// Package metrics exposes gateway measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/wa-gateway/internal/domain"
)

const namespace = "wa_gateway"

// Metrics holds every gateway collector on a private registry. It implements
// session.Observer, ingest.Observer and fanout.Sink.
type Metrics struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Launches         *prometheus.CounterVec
	LaunchDuration   *prometheus.HistogramVec
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	MessagesIngested *prometheus.CounterVec
	PersistRetries   *prometheus.CounterVec
	PersistDropped   *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
}

// New creates the collectors and registers them with Go and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session state transitions",
			},
			[]string{"from", "to"},
		),
		Launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "launches_total",
				Help:      "Driver launches by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		LaunchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "launch_duration_seconds",
				Help:      "Time from launch request to a running driver",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			},
			[]string{"tier"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Events delivered to subscribers",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped on fan-out overflow",
			},
			[]string{"type"},
		),
		MessagesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Inbound messages ingested",
			},
			[]string{"monitored"},
		),
		PersistRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "persist_retries_total",
				Help:      "Persistence attempts that had to be retried",
			},
			[]string{"op"},
		),
		PersistDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "persist_dropped_total",
				Help:      "Records not queued because the persist queue stayed full",
			},
			[]string{"op"},
		),
		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "evictions_total",
				Help:      "Sessions evicted by reason",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Transitions,
		m.Launches,
		m.LaunchDuration,
		m.EventsPublished,
		m.EventsDropped,
		m.MessagesIngested,
		m.PersistRetries,
		m.PersistDropped,
		m.Evictions,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveTransition implements session.Observer.
func (m *Metrics) ObserveTransition(from, to domain.State) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveLaunch implements session.Observer.
func (m *Metrics) ObserveLaunch(tier string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Launches.WithLabelValues(tier, outcome).Inc()
	if err == nil {
		m.LaunchDuration.WithLabelValues(tier).Observe(d.Seconds())
	}
}

// ObserveMessage implements ingest.Observer.
func (m *Metrics) ObserveMessage(monitored bool) {
	m.MessagesIngested.WithLabelValues(strconv.FormatBool(monitored)).Inc()
}

// ObservePersistRetry implements ingest.Observer.
func (m *Metrics) ObservePersistRetry(op string) {
	m.PersistRetries.WithLabelValues(op).Inc()
}

// ObservePersistDrop implements ingest.Observer.
func (m *Metrics) ObservePersistDrop(op string) {
	m.PersistDropped.WithLabelValues(op).Inc()
}

// TrackPersistQueue exports the persistence queue depth.
func (m *Metrics) TrackPersistQueue(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "persist_queue_depth",
			Help:      "Records waiting to be persisted",
		},
		func() float64 { return float64(pending()) },
	))
}

// Deliver implements fanout.Sink.
func (m *Metrics) Deliver(ev domain.Event) {
	m.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// EventDropped counts an event lost on fan-out overflow.
func (m *Metrics) EventDropped(t domain.EventType) {
	m.EventsDropped.WithLabelValues(string(t)).Inc()
}

// ObserveEviction counts evicted sessions.
func (m *Metrics) ObserveEviction(reason string, n int) {
	if n > 0 {
		m.Evictions.WithLabelValues(reason).Add(float64(n))
	}
}

// TrackSessions exports the live session count per state, read at scrape time.
func (m *Metrics) TrackSessions(count func() map[domain.State]int) {
	m.registry.MustRegister(&sessionCollector{count: count, desc: sessionsDesc})
}

// TrackStreams exports the number of open realtime streams.
func (m *Metrics) TrackStreams(kind string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "fanout",
			Name:        "streams",
			Help:        "Open realtime subscriber streams",
			ConstLabels: prometheus.Labels{"kind": kind},
		},
		func() float64 { return float64(count()) },
	))
}

var sessionsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "session", "active"),
	"Registered sessions by state",
	[]string{"state"}, nil,
)

type sessionCollector struct {
	count func() map[domain.State]int
	desc  *prometheus.Desc
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.count()
	for _, st := range domain.AllStates {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
