// Package metrics defines the Prometheus collectors exported on /metrics.
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchcore"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	submissions       *prometheus.CounterVec
	submitLatency     prometheus.Histogram
	matches           prometheus.Counter
	cancels           *prometheus.CounterVec
	expirations       prometheus.Counter
	isLeader          prometheus.Gauge
	leaderTransitions *prometheus.CounterVec
	proxyRequests     *prometheus.CounterVec
	circuitOpen       *prometheus.GaugeVec
	recoveryDuration  prometheus.Histogram
	recoveredBooks    prometheus.Gauge
	snapshots         *prometheus.CounterVec
	published         *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_submissions_total",
			Help:      "Order submissions by outcome (accepted or error kind).",
		}, []string{"outcome"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_submit_seconds",
			Help:      "Latency of accepted submissions, commit included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Executed matches.",
		}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_cancels_total",
			Help:      "Canceled orders by reason.",
		}, []string{"reason"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_expirations_total",
			Help:      "Resting orders removed at expiry.",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_is_leader",
			Help:      "1 while this node holds the matching leader lease.",
		}),
		leaderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_leader_transitions_total",
			Help:      "Leadership changes of this node by direction.",
		}, []string{"to"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_proxy_requests_total",
			Help:      "Follower to leader proxy attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_proxy_circuit_open",
			Help:      "1 while the proxy circuit for a path is open.",
		}, []string{"path"}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_seconds",
			Help:      "Duration of snapshot plus replay recovery.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		recoveredBooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_books",
			Help:      "Books rebuilt by the last recovery.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Book snapshots by outcome.",
		}, []string{"outcome"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Market events handed to publishers by sink and outcome.",
		}, []string{"sink", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions, m.submitLatency, m.matches, m.cancels, m.expirations,
		m.isLeader, m.leaderTransitions, m.proxyRequests, m.circuitOpen,
		m.recoveryDuration, m.recoveredBooks, m.snapshots, m.published,
		m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Submission(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.submitLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) Matches(n int) {
	if m == nil || n == 0 {
		return
	}
	m.matches.Add(float64(n))
}

func (m *Metrics) Cancel(reason string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(reason).Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.expirations.Add(float64(n))
}

// Leader records the node's current role. transition is true on a change.
func (m *Metrics) Leader(leader, transition bool) {
	if m == nil {
		return
	}
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
	if !transition {
		return
	}
	to := "follower"
	if leader {
		to = "leader"
	}
	m.leaderTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ProxyRequest(path, outcome string) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) CircuitOpen(path string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.circuitOpen.WithLabelValues(path).Set(v)
}

func (m *Metrics) Recovery(books int, d time.Duration) {
	if m == nil {
		return
	}
	m.recoveredBooks.Set(float64(books))
	m.recoveryDuration.Observe(d.Seconds())
}

func (m *Metrics) Snapshot(outcome string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Published(sink, outcome string, n int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(sink, outcome).Add(float64(n))
}

func (m *Metrics) HTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, statusClass(code)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
