package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquisitionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewAcquisitionMetrics(registry)
	require.NoError(t, err)

	m.RecordOperation("prepare_session", "success")
	m.RecordOperation("prepare_session", "success")
	m.RecordError("start_stream", "SyncTimeoutError")
	m.RecordSamples("cyton", "default", 250)
	m.RecordSamples("cyton", "default", 250)
	m.RecordFrameDropped("cyton", "bad_end_byte")
	m.RecordBufferFill("cyton", "default", 0.5)
	m.RecordStreamerError("file")
	m.SetActiveSessions(3)
	m.RecordDuration("prepare_session", 0.02)

	assert.InDelta(t, 2, testutil.ToFloat64(m.operationsTotal.WithLabelValues("prepare_session", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operationErrorsTotal.WithLabelValues("start_stream", "SyncTimeoutError")), 0)
	assert.InDelta(t, 500, testutil.ToFloat64(m.samplesPushedTotal.WithLabelValues("cyton", "default")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.framesDroppedTotal.WithLabelValues("cyton", "bad_end_byte")), 0)
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.bufferFillRatio.WithLabelValues("cyton", "default")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.streamerErrorsTotal.WithLabelValues("file")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.sessionsActive), 0)

	count, err := testutil.GatherAndCount(registry, "boardkit_session_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewAcquisitionMetrics(registry)
	require.NoError(t, err)

	_, err = NewAcquisitionMetrics(registry)
	assert.Error(t, err)
}
