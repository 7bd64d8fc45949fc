// Package metrics holds the prometheus collectors shared by room sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qaroom"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder is safe to share between sessions. A nil *Recorder records nothing.
type Recorder struct {
	snapshots     *prometheus.CounterVec
	remoteEvents  *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	sessions      prometheus.Gauge
}

// New registers the collectors with registerer. A nil registerer yields
// working but unregistered collectors.
func New(registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "full question list reloads by result",
		}, []string{"result"}),
		remoteEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_events_total",
			Help:      "ledger events seen by room sessions, by event and merge outcome",
		}, []string{"event", "outcome"}),
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "ledger writes by operation and result",
		}, []string{"operation", "result"}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "time from submission to finality",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "room sessions currently open",
		}),
	}
}

func (r *Recorder) Snapshot(result string) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(result).Inc()
}

func (r *Recorder) RemoteEvent(event, outcome string) {
	if r == nil {
		return
	}
	r.remoteEvents.WithLabelValues(event, outcome).Inc()
}

// Write counts one write and its latency.
func (r *Recorder) Write(operation, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(operation, result).Inc()
	r.writeDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}
