package decode

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// Probe sends one time request to the device and returns the device clock
// reading from the reply, in seconds.
type Probe func(ctx context.Context) (float64, error)

// HostClock returns the host time in seconds.
type HostClock func() float64

// UnixSeconds is the default HostClock.
func UnixSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ClockSync converts device timestamps to host time with an offset measured
// by round trips. The offset is taken from the round with the lowest latency.
type ClockSync struct {
	now HostClock
	// JumpThreshold is the largest step in device time, in seconds, accepted
	// without asking for recalibration.
	JumpThreshold float64

	mu          sync.Mutex
	offset      float64
	latency     float64
	calibrated  bool
	lastDevice  float64
	haveLast    bool
	recalibrate bool
}

// NewClockSync returns an uncalibrated converter. A nil now uses UnixSeconds.
func NewClockSync(now HostClock, jumpThreshold float64) *ClockSync {
	if now == nil {
		now = UnixSeconds
	}
	return &ClockSync{now: now, JumpThreshold: jumpThreshold}
}

// Calibrate runs rounds probes and keeps the offset of the fastest one. It
// fails with SyncTimeoutError when no probe succeeds.
func (c *ClockSync) Calibrate(ctx context.Context, rounds int, probe Probe) error {
	best := math.Inf(1)
	var bestOffset float64
	var lastErr error

	for range max(rounds, 1) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		sent := c.now()
		device, err := probe(ctx)
		received := c.now()
		if err != nil {
			lastErr = err
			continue
		}
		latency := received - sent
		if latency < best {
			best = latency
			bestOffset = sent + latency/2 - device
		}
	}

	if math.IsInf(best, 1) {
		return errors.New(errors.Join(errcode.SyncTimeoutError, lastErr)).
			Component("decode").
			Category(errors.CategoryTimeout).
			Context("rounds", rounds).
			Build()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = bestOffset
	c.latency = best
	c.calibrated = true
	c.recalibrate = false
	c.haveLast = false
	return nil
}

// Offset returns the current offset and the round trip it was measured with.
func (c *ClockSync) Offset() (offset, latency float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.latency, c.calibrated
}

// Convert maps a device timestamp to host time. Before calibration, or when
// the device clock has jumped, it falls back to the host clock and flags
// recalibration.
func (c *ClockSync) Convert(device float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveLast {
		step := device - c.lastDevice
		if step < 0 || (c.JumpThreshold > 0 && step > c.JumpThreshold) {
			c.recalibrate = true
		}
	}
	c.lastDevice = device
	c.haveLast = true

	if !c.calibrated || c.recalibrate {
		return c.now()
	}
	return device + c.offset
}

// NeedsRecalibration reports whether a device clock jump was seen since the
// last calibration.
func (c *ClockSync) NeedsRecalibration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.calibrated || c.recalibrate
}
