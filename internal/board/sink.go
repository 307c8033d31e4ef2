package board

import (
	"sync"

	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/databuffer"
	"github.com/brainwire/boardkit/internal/observability/metrics"
	"github.com/brainwire/boardkit/internal/streamer"
)

// fillReportInterval is how many pushes pass between buffer fill reports.
const fillReportInterval = 256

// markerQueues holds markers waiting for the next sample of each preset.
type markerQueues struct {
	mu sync.Mutex
	q  map[catalog.Preset][]float64
}

func newMarkerQueues() *markerQueues {
	return &markerQueues{q: make(map[catalog.Preset][]float64)}
}

func (m *markerQueues) push(p catalog.Preset, v float64) {
	m.mu.Lock()
	m.q[p] = append(m.q[p], v)
	m.mu.Unlock()
}

func (m *markerQueues) pop(p catalog.Preset) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.q[p]
	if len(q) == 0 {
		return 0, false
	}
	v := q[0]
	m.q[p] = q[1:]
	return v, true
}

func (m *markerQueues) reset() {
	m.mu.Lock()
	clear(m.q)
	m.mu.Unlock()
}

// sessionSink routes samples of one streaming run into the session buffers.
// Only the acquisition goroutine calls Push.
type sessionSink struct {
	board     string
	layout    map[catalog.Preset]catalog.Descriptor
	buffers   map[catalog.Preset]*databuffer.RingBuffer
	streamers map[catalog.Preset]*streamer.Set
	markers   *markerQueues
	first     *Event
	recorder  metrics.AcquisitionRecorder
	pushed    map[catalog.Preset]uint64
}

func (s *sessionSink) Push(preset catalog.Preset, sample []float64) {
	rb, ok := s.buffers[preset]
	if !ok {
		s.recorder.RecordFrameDropped(s.board, "unknown_preset")
		return
	}
	desc := s.layout[preset]
	if len(sample) != desc.NumRows {
		s.recorder.RecordFrameDropped(s.board, "row_count")
		return
	}
	if v, ok := s.markers.pop(preset); ok {
		sample[desc.MarkerChannel] = v
	}

	rb.Push(sample)
	if set := s.streamers[preset]; set != nil {
		set.Stream(sample)
	}
	s.first.Set()

	s.pushed[preset]++
	s.recorder.RecordSamples(s.board, preset.String(), 1)
	if s.pushed[preset]%fillReportInterval == 0 {
		s.recorder.RecordBufferFill(s.board, preset.String(), rb.FillRatio())
	}
}

func (s *sessionSink) Dropped(reason string) {
	s.recorder.RecordFrameDropped(s.board, reason)
}
