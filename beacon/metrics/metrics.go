// Package metrics exposes engine counters and gauges to Prometheus.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and never check for it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon"

// Metrics holds the engine collectors.
type Metrics struct {
	reg prometheus.Gatherer

	handshakes    prometheus.Counter
	contacts      prometheus.Counter
	batches       prometheus.Counter
	knownCases    prometheus.Counter
	exposureDays  prometheus.Gauge
	syncs         *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	lastSync      prometheus.Gauge
	reports       *prometheus.CounterVec
	pendingUpload prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

// NewWith registers the collectors on r and serves them from g.
func NewWith(r prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		reg: g,
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_recorded_total",
			Help: "Handshakes recorded from the radio layer.",
		}),
		contacts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contacts_created_total",
			Help: "Contacts created by aggregation.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_batches_applied_total",
			Help: "Published batches fetched, verified and applied.",
		}),
		knownCases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "known_cases_added_total",
			Help: "Published case keys newly ingested.",
		}),
		exposureDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "exposure_days",
			Help: "Exposure days currently retained.",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "syncs_total",
			Help: "Sync runs by outcome.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_duration_seconds",
			Help:    "Duration of sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_sync_timestamp_seconds",
			Help: "Unix time of the last successful sync.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reports_sent_total",
			Help: "Reports sent to the backend by kind.",
		}, []string{"kind"}),
		pendingUpload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_uploads",
			Help: "Delayed key uploads waiting in the queue.",
		}),
	}
	r.MustRegister(m.handshakes, m.contacts, m.batches, m.knownCases, m.exposureDays,
		m.syncs, m.syncDuration, m.lastSync, m.reports, m.pendingUpload)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) HandshakeRecorded() {
	if m != nil {
		m.handshakes.Inc()
	}
}

func (m *Metrics) ContactsCreated(n int) {
	if m != nil {
		m.contacts.Add(float64(n))
	}
}

func (m *Metrics) BatchApplied(newCases int) {
	if m != nil {
		m.batches.Inc()
		m.knownCases.Add(float64(newCases))
	}
}

func (m *Metrics) SetExposureDays(n int) {
	if m != nil {
		m.exposureDays.Set(float64(n))
	}
}

// SyncFinished records a sync run. outcome is "ok" or the error state name.
func (m *Metrics) SyncFinished(outcome string, seconds float64, at int64) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(seconds)
	if outcome == "ok" {
		m.lastSync.Set(float64(at))
	}
}

// ReportSent counts a report of kind "key", "temporary_keys", "decoy" or
// "delayed_key".
func (m *Metrics) ReportSent(kind string) {
	if m != nil {
		m.reports.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetPendingUploads(n int) {
	if m != nil {
		m.pendingUpload.Set(float64(n))
	}
}
