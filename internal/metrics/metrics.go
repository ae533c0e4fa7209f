// Package metrics exposes transfer counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buffershare"

// Metrics holds the collectors of one node. The zero value is not usable;
// build it with New.
type Metrics struct {
	segmentsSent      prometheus.Counter
	segmentsReceived  prometheus.Counter
	creditsSent       prometheus.Counter
	transfersStarted  *prometheus.CounterVec
	transfersFinished *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	activeTransfers   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		segmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Segments pushed to peers.",
		}),
		segmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Segments accepted from peers.",
		}),
		creditsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_sent_total",
			Help:      "Flow-control credits returned to senders.",
		}),
		transfersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_started_total",
			Help:      "Transfers started, by role.",
		}, []string{"role"}),
		transfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "Transfers finished, by role and outcome.",
		}, []string{"role", "outcome"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved, by role.",
		}, []string{"role"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Wall time from start to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "outcome"}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Transfers currently in flight.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.segmentsSent,
		m.segmentsReceived,
		m.creditsSent,
		m.transfersStarted,
		m.transfersFinished,
		m.transferBytes,
		m.transferDuration,
		m.activeTransfers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SegmentSent()     { m.segmentsSent.Inc() }
func (m *Metrics) SegmentReceived() { m.segmentsReceived.Inc() }
func (m *Metrics) CreditSent()      { m.creditsSent.Inc() }

func (m *Metrics) TransferStarted(role string) {
	m.transfersStarted.WithLabelValues(role).Inc()
	m.activeTransfers.Inc()
}

func (m *Metrics) TransferFinished(role, outcome string, bytes int, elapsed time.Duration) {
	m.transfersFinished.WithLabelValues(role, outcome).Inc()
	m.transferBytes.WithLabelValues(role).Add(float64(bytes))
	m.transferDuration.WithLabelValues(role, outcome).Observe(elapsed.Seconds())
	m.activeTransfers.Dec()
}
