package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AcquisitionMetrics contains Prometheus metrics for sessions, decoders and streamers
type AcquisitionMetrics struct {
	registry *prometheus.Registry

	sessionsActive       prometheus.Gauge
	operationsTotal      *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	operationErrorsTotal *prometheus.CounterVec

	samplesPushedTotal *prometheus.CounterVec
	framesDroppedTotal *prometheus.CounterVec
	bufferFillRatio    *prometheus.GaugeVec

	streamerErrorsTotal *prometheus.CounterVec
}

// NewAcquisitionMetrics creates and registers new acquisition metrics
func NewAcquisitionMetrics(registry *prometheus.Registry) (*AcquisitionMetrics, error) {
	m := &AcquisitionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AcquisitionMetrics) initMetrics() {
	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "boardkit_sessions_active",
		Help: "Number of prepared board sessions",
	})

	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardkit_session_operations_total",
			Help: "Total number of session operations by outcome",
		},
		[]string{"operation", "status"},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boardkit_session_operation_duration_seconds",
			Help:    "Time taken by session operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	m.operationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardkit_session_operation_errors_total",
			Help: "Total number of failed session operations by exit code",
		},
		[]string{"operation", "error_type"},
	)

	m.samplesPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardkit_samples_pushed_total",
			Help: "Total number of samples decoded and stored",
		},
		[]string{"board", "preset"},
	)

	m.framesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardkit_frames_dropped_total",
			Help: "Total number of device frames discarded by decoders",
		},
		[]string{"board", "reason"},
	)

	m.bufferFillRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boardkit_buffer_fill_ratio",
			Help: "Ring buffer occupancy between 0 and 1",
		},
		[]string{"board", "preset"},
	)

	m.streamerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardkit_streamer_errors_total",
			Help: "Total number of failed streamer writes",
		},
		[]string{"kind"},
	)
}

// RecordOperation records a session operation
func (m *AcquisitionMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration records how long an operation took
func (m *AcquisitionMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError records a failed operation
func (m *AcquisitionMetrics) RecordError(operation, errorType string) {
	m.operationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordSamples adds count stored samples
func (m *AcquisitionMetrics) RecordSamples(board, preset string, count int) {
	m.samplesPushedTotal.WithLabelValues(board, preset).Add(float64(count))
}

// RecordFrameDropped counts a discarded frame
func (m *AcquisitionMetrics) RecordFrameDropped(board, reason string) {
	m.framesDroppedTotal.WithLabelValues(board, reason).Inc()
}

// RecordBufferFill updates buffer occupancy
func (m *AcquisitionMetrics) RecordBufferFill(board, preset string, ratio float64) {
	m.bufferFillRatio.WithLabelValues(board, preset).Set(ratio)
}

// RecordStreamerError counts a failed sink write
func (m *AcquisitionMetrics) RecordStreamerError(kind string) {
	m.streamerErrorsTotal.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the prepared session gauge
func (m *AcquisitionMetrics) SetActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// Describe implements the prometheus.Collector interface
func (m *AcquisitionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionsActive.Describe(ch)
	m.operationsTotal.Describe(ch)
	m.operationDuration.Describe(ch)
	m.operationErrorsTotal.Describe(ch)
	m.samplesPushedTotal.Describe(ch)
	m.framesDroppedTotal.Describe(ch)
	m.bufferFillRatio.Describe(ch)
	m.streamerErrorsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *AcquisitionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionsActive.Collect(ch)
	m.operationsTotal.Collect(ch)
	m.operationDuration.Collect(ch)
	m.operationErrorsTotal.Collect(ch)
	m.samplesPushedTotal.Collect(ch)
	m.framesDroppedTotal.Collect(ch)
	m.bufferFillRatio.Collect(ch)
	m.streamerErrorsTotal.Collect(ch)
}
