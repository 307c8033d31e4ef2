// Package metrics provides Prometheus metrics for board acquisition.
package metrics

// Recorder defines a minimal interface for recording metrics.
type Recorder interface {
	// RecordOperation records an operation ("prepare", "start_stream", ...) with its status.
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type.
	RecordError(operation, errorType string)
}

// AcquisitionRecorder extends Recorder with the data path counters used by
// acquisition goroutines and streamers.
type AcquisitionRecorder interface {
	Recorder

	RecordSamples(board, preset string, count int)
	RecordFrameDropped(board, reason string)
	RecordBufferFill(board, preset string, ratio float64)
	RecordStreamerError(kind string)
	SetActiveSessions(n int)
}

// NoopRecorder discards everything. Used when metrics are disabled.
type NoopRecorder struct{}

func (NoopRecorder) RecordOperation(string, string)            {}
func (NoopRecorder) RecordDuration(string, float64)            {}
func (NoopRecorder) RecordError(string, string)                {}
func (NoopRecorder) RecordSamples(string, string, int)         {}
func (NoopRecorder) RecordFrameDropped(string, string)         {}
func (NoopRecorder) RecordBufferFill(string, string, float64)  {}
func (NoopRecorder) RecordStreamerError(string)                {}
func (NoopRecorder) SetActiveSessions(int)                     {}

var (
	_ AcquisitionRecorder = NoopRecorder{}
	_ AcquisitionRecorder = (*AcquisitionMetrics)(nil)
)
