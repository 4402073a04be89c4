package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Rejection reasons recorded against samples_rejected_total.
const (
	ReasonMalformed = "malformed"
	ReasonInvalid   = "invalid"
)

// Flush stages recorded against flush_failures_total.
const (
	StageInsert = "insert"
	StageUpsert = "upsert"
)

// Metrics holds the Prometheus collectors for the ingestion pipeline. A nil
// *Metrics is valid and records nothing, so components can be built without
// a registry in tests.
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	SamplesAccepted    prometheus.Counter
	SamplesRejected    *prometheus.CounterVec
	BufferedSamples    prometheus.Gauge
	FlushBatches       prometheus.Counter
	FlushedSamples     prometheus.Counter
	FlushFailures      *prometheus.CounterVec
	FlushDuration      prometheus.Histogram
	HandshakeResponses *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_report_messages_received_total",
			Help: "Broker messages received, by topic.",
		}, []string{"topic"}),
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_report_samples_accepted_total",
			Help: "Telemetry samples validated, reconciled and buffered.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_report_samples_rejected_total",
			Help: "Telemetry payloads rejected by validation, by reason.",
		}, []string{"reason"}),
		BufferedSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vehicle_report_buffered_samples",
			Help: "Samples waiting in the ingestion buffer for the next flush.",
		}),
		FlushBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_report_flush_batches_total",
			Help: "Non-empty batches drained by the flush scheduler.",
		}),
		FlushedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_report_flushed_samples_total",
			Help: "Samples durably written by the flush scheduler.",
		}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_report_flush_failures_total",
			Help: "Failed store writes during a flush cycle, by stage.",
		}, []string{"stage"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vehicle_report_flush_duration_seconds",
			Help:    "Wall time of one flush cycle including summary upserts.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		HandshakeResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_report_handshake_responses_total",
			Help: "Responses published on handshake topics, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.SamplesAccepted,
			m.SamplesRejected,
			m.BufferedSamples,
			m.FlushBatches,
			m.FlushedSamples,
			m.FlushFailures,
			m.FlushDuration,
			m.HandshakeResponses,
		)
	}
	return m
}

func (m *Metrics) ObserveMessage(topic string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveAccepted(buffered int) {
	if m == nil {
		return
	}
	m.SamplesAccepted.Inc()
	m.BufferedSamples.Set(float64(buffered))
}

func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.SamplesRejected.WithLabelValues(reason).Inc()
}

// ObserveFlush records a completed flush cycle. written is the number of
// samples the store accepted, zero when the insert failed.
func (m *Metrics) ObserveFlush(written int, buffered int, took time.Duration) {
	if m == nil {
		return
	}
	m.FlushBatches.Inc()
	m.FlushedSamples.Add(float64(written))
	m.BufferedSamples.Set(float64(buffered))
	m.FlushDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveFlushFailure(stage string) {
	if m == nil {
		return
	}
	m.FlushFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveHandshake(kind string) {
	if m == nil {
		return
	}
	m.HandshakeResponses.WithLabelValues(kind).Inc()
}
