// Package board runs one acquisition session: the lifecycle state machine,
// the per-preset ring buffers and streamers, and the goroutine that drives a
// device Driver.
package board

import (
	"context"
	"time"

	"github.com/brainwire/boardkit/internal/catalog"
)

// Sink receives decoded samples from Driver.Run.
type Sink interface {
	// Push stores one sample for preset. The sink copies the sample but may
	// write the marker slot of the slice first.
	Push(preset catalog.Preset, sample []float64)
	// Dropped counts a frame the decoder discarded.
	Dropped(reason string)
}

// Driver talks to one device. A Session calls its methods from at most one
// goroutine at a time, except that Config may run while Run is active.
type Driver interface {
	// Name is a short lower case label used in logs and metrics.
	Name() string
	// Layout returns the presets the driver produces, with their layout.
	Layout() map[catalog.Preset]catalog.Descriptor
	// Connect brings the device to the data-ready state.
	Connect(ctx context.Context) error
	// StartDevice asks the device to begin sending data.
	StartDevice(ctx context.Context) error
	// Run decodes device data into sink until ctx is done. Every blocking
	// read must be bounded so cancellation is seen promptly. Malformed input
	// is counted and skipped, never returned.
	Run(ctx context.Context, sink Sink) error
	// StopDevice asks the device to stop sending data.
	StopDevice(ctx context.Context) error
	// Config forwards a device command. Drivers without run-time
	// configuration return UnsupportedBoard.
	Config(ctx context.Context, cmd string, streaming bool) (string, error)
	// Close releases the transport.
	Close() error
}

// FirstPacketWaiter is implemented by drivers whose start must be confirmed
// by the first decoded sample.
type FirstPacketWaiter interface {
	FirstPacketTimeout() time.Duration
}
