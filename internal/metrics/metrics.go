// Package metrics exposes the engine's Prometheus instrumentation:
// commit/abort/kill counters and a blocked-queue depth gauge.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can construct as many
// independent instances as they like without colliding on the
// default global registry. A nil *Recorder is valid and every method
// on it is a no-op, so components can be built without metrics wired
// at all (as in most unit tests).
type Recorder struct {
	registry *prometheus.Registry

	commits  prometheus.Counter
	aborts   prometheus.Counter
	kills    *prometheus.CounterVec
	blocked  prometheus.Gauge
	siteDown *prometheus.CounterVec
}

// NewRecorder constructs and registers a fresh set of metrics.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repcrec_transactions_committed_total",
			Help: "Total number of transactions that reached commit.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repcrec_transactions_aborted_total",
			Help: "Total number of transactions that reached abort.",
		}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repcrec_transactions_killed_total",
			Help: "Total number of transactions killed during a read or write (by wait-die, or because no site could serve a read), by operation.",
		}, []string{"operation"}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repcrec_blocked_queue_depth",
			Help: "Current number of transactions waiting in the blocked queue.",
		}),
		siteDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repcrec_site_down_events_total",
			Help: "Total number of fail() commands processed, by site.",
		}, []string{"site"}),
	}

	registry.MustRegister(r.commits, r.aborts, r.kills, r.blocked, r.siteDown)
	return r
}

// Handler returns the HTTP handler serving this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// CommitRecorded increments the commit counter.
func (r *Recorder) CommitRecorded() {
	if r == nil {
		return
	}
	r.commits.Inc()
}

// AbortRecorded increments the abort counter.
func (r *Recorder) AbortRecorded() {
	if r == nil {
		return
	}
	r.aborts.Inc()
}

// KillRecorded increments the kill counter for operation ("read" or
// "write"). It counts wait-die kills and, for reads, kills because no
// site could serve the variable.
func (r *Recorder) KillRecorded(operation string) {
	if r == nil {
		return
	}
	r.kills.WithLabelValues(operation).Inc()
}

// BlockedQueueDepthSet reports the current blocked-queue length.
func (r *Recorder) BlockedQueueDepthSet(depth int) {
	if r == nil {
		return
	}
	r.blocked.Set(float64(depth))
}

// SiteDownRecorded increments the fail-event counter for a site.
func (r *Recorder) SiteDownRecorded(site int) {
	if r == nil {
		return
	}
	r.siteDown.WithLabelValues(strconv.Itoa(site)).Inc()
}
