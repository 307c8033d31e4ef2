package decode

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainwire/boardkit/internal/errcode"
)

const (
	testStart = 0xA0
	testSize  = 33
)

func validCytonEnd(b byte) bool { return b >= 0xC0 && b <= 0xC6 }

func makeFrame(seq byte, end byte) []byte {
	f := make([]byte, testSize)
	f[0] = testStart
	f[1] = seq
	for i := 2; i < testSize-1; i++ {
		f[i] = byte(i) ^ seq
	}
	f[testSize-1] = end
	return f
}

func TestFrameSyncResync(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := range 50 {
		const frames = 40
		var stream []byte
		for i := range frames {
			garbage := rng.IntN(6)
			for range garbage {
				// Never a start byte, so no spurious frame can form.
				b := byte(rng.IntN(256))
				if b == testStart {
					b = 0x00
				}
				stream = append(stream, b)
			}
			stream = append(stream, makeFrame(byte(i), 0xC0+byte(i%7))...)
		}

		fs := NewFrameSync(testStart, testSize, validCytonEnd, 4096)
		var seqs []byte
		for len(stream) > 0 {
			n := min(len(stream), 1+rng.IntN(50))
			fs.Feed(stream[:n])
			stream = stream[n:]
			for {
				f, ok := fs.Next()
				if !ok {
					break
				}
				seqs = append(seqs, f[1])
			}
		}
		require.Len(t, seqs, frames, "trial %d", trial)
		for i, s := range seqs {
			assert.Equal(t, byte(i), s)
		}
	}
}

func TestFrameSyncDropsOnlyStartByteOnBadEnd(t *testing.T) {
	t.Parallel()
	fs := NewFrameSync(testStart, testSize, validCytonEnd, 1024)

	// A stray start byte 5 bytes before a real frame: its would-be end byte
	// lands inside the real frame and is not a valid end.
	stray := []byte{testStart, 1, 2, 3, 4}
	real := makeFrame(7, 0xC1)
	real[testSize-1-5] = 0x11
	fs.Feed(append(stray, real...))

	f, ok := fs.Next()
	require.True(t, ok)
	assert.Equal(t, byte(7), f[1])
	assert.Equal(t, uint64(1), fs.Invalid())
	assert.Equal(t, uint64(5), fs.Skipped())

	_, ok = fs.Next()
	assert.False(t, ok)
}

func TestFrameSyncPartialFrame(t *testing.T) {
	t.Parallel()
	fs := NewFrameSync(testStart, testSize, validCytonEnd, 1024)
	frame := makeFrame(3, 0xC0)

	fs.Feed(frame[:10])
	_, ok := fs.Next()
	assert.False(t, ok)

	fs.Feed(frame[10:])
	f, ok := fs.Next()
	require.True(t, ok)
	assert.Equal(t, frame, f)
}

func TestInt24(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   []byte
		want int32
	}{
		{[]byte{0x00, 0x00, 0x00}, 0},
		{[]byte{0x00, 0x00, 0x01}, 1},
		{[]byte{0x7F, 0xFF, 0xFF}, 8388607},
		{[]byte{0x80, 0x00, 0x00}, -8388608},
		{[]byte{0xFF, 0xFF, 0xFF}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Int24(tt.in))
		buf := make([]byte, 3)
		PutInt24(buf, tt.want)
		assert.Equal(t, tt.in, buf)
	}
	assert.Equal(t, int16(-2), Int16([]byte{0xFF, 0xFE}))
}

func TestMicrovolts(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 4.5/8388607/24*1e6, Microvolts(1, 24), 1e-12)
	assert.InDelta(t, 4.5*1e6, Microvolts(8388607, 1), 1e-6)
}

func TestGainTrackerApplyAndRevert(t *testing.T) {
	t.Parallel()
	gt := NewGainTracker(16)
	assert.InDelta(t, DefaultGain, gt.Gain(0), 0)

	prev, changed := gt.Apply("x1030110X")
	require.True(t, changed)
	assert.InDelta(t, 6.0, gt.Gain(0), 0)
	assert.InDelta(t, DefaultGain, gt.Gain(1), 0)

	_, changed = gt.Apply("xQ000000XxI060110X")
	require.True(t, changed)
	assert.InDelta(t, 1.0, gt.Gain(8), 0)
	assert.InDelta(t, 24.0, gt.Gain(15), 0)

	gt.Revert(prev)
	assert.InDelta(t, DefaultGain, gt.Gain(0), 0)
	assert.InDelta(t, DefaultGain, gt.Gain(8), 0)

	_, changed = gt.Apply("b")
	assert.False(t, changed)

	gt.Apply("x1000000X")
	_, changed = gt.Apply("d")
	require.True(t, changed)
	assert.InDelta(t, DefaultGain, gt.Gain(0), 0)

	// Channels beyond the tracker are ignored.
	small := NewGainTracker(8)
	_, changed = small.Apply("xQ000000X")
	assert.False(t, changed)

	scales := make([]float64, 2)
	gt.Apply("x2000000X")
	gt.Scales(scales, 0)
	assert.InDelta(t, ADS1299Scale(24), scales[0], 1e-12)
	assert.InDelta(t, ADS1299Scale(1), scales[1], 1e-12)
}

func TestDeltaRoundTrip(t *testing.T) {
	t.Parallel()
	for _, fw := range []Firmware{Firmware2, Firmware3} {
		rng := rand.New(rand.NewPCG(uint64(fw), 9))
		dec := NewDeltaDecoder(fw)

		ref := [GanglionChannels]int32{1000, -2000, 300000, -7}
		res, err := dec.Decode(PackRaw(ref))
		require.NoError(t, err)
		require.Equal(t, PacketRaw, res.Kind)
		assert.Equal(t, ref, res.Samples[0])

		// Full precision signal and the encoder's view of the decoder state.
		truth := ref
		recon := ref
		for i := range 500 {
			tag := byte(1 + i%200)
			width := fw.deltaWidth(tag)
			var deltas [2 * GanglionChannels]int32
			var want [2][GanglionChannels]int32
			for s := range 2 {
				for ch := range GanglionChannels {
					truth[ch] += int32(rng.IntN(4001) - 2000)
					d := QuantizeDelta(recon[ch]-truth[ch], width)
					deltas[s*GanglionChannels+ch] = d
					recon[ch] -= d
					want[s][ch] = truth[ch]
				}
			}

			res, err := dec.Decode(PackDeltas(fw, tag, deltas))
			require.NoError(t, err)
			require.Equal(t, PacketDelta, res.Kind)
			require.Equal(t, 2, res.N)
			for s := range 2 {
				for ch := range GanglionChannels {
					assert.InDelta(t, want[s][ch], res.Samples[s][ch], 1, "fw %d packet %d", fw, i)
				}
			}
		}
	}
}

func TestDeltaDecoderEdgeCases(t *testing.T) {
	t.Parallel()
	dec := NewDeltaDecoder(Firmware2)

	res, err := dec.Decode(PackDeltas(Firmware2, 5, [8]int32{}))
	require.NoError(t, err)
	assert.Equal(t, PacketNoReference, res.Kind)

	res, err = dec.Decode(append([]byte{230}, make([]byte, 19)...))
	require.Error(t, err)
	assert.Equal(t, PacketUnknown, res.Kind)

	_, err = dec.Decode([]byte{0, 1, 2})
	require.Error(t, err)

	imp := make([]byte, GanglionPacketSize)
	imp[0] = 203
	copy(imp[1:], "512Z")
	res, err = dec.Decode(imp)
	require.NoError(t, err)
	assert.Equal(t, PacketImpedance, res.Kind)
	assert.Equal(t, 2, res.ImpedanceChannel)
	assert.InDelta(t, 512, res.ImpedanceKOhm, 0)

	_, err = dec.Decode(PackRaw([4]int32{}))
	require.NoError(t, err)
	pkt := PackDeltas(Firmware2, 12, [8]int32{})
	pkt[19] = 0xF0
	res, err = dec.Decode(pkt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AccelAxis)
	assert.Equal(t, int8(-16), res.Accel)
}

func TestQuantizeDelta(t *testing.T) {
	t.Parallel()
	lo, hi := DeltaRange(18)
	assert.Equal(t, int32(-262143), lo)
	assert.Equal(t, int32(262142), hi)
	assert.Equal(t, int32(4), QuantizeDelta(5, 18))
	assert.Equal(t, int32(-5), QuantizeDelta(-6, 18))
	assert.Equal(t, hi, QuantizeDelta(1<<20, 18))
	assert.Equal(t, lo, QuantizeDelta(-1<<20, 18))
}

func TestClockSyncCalibrate(t *testing.T) {
	t.Parallel()
	host := 1000.0
	now := func() float64 { return host }

	latencies := []float64{0.050, 0.010, 0.030}
	round := 0
	probe := func(context.Context) (float64, error) {
		lat := latencies[round]
		round++
		host += lat / 2
		device := host - 900 // device clock lags by 900 s
		host += lat / 2
		return device, nil
	}

	cs := NewClockSync(now, 1.0)
	assert.True(t, cs.NeedsRecalibration())
	require.NoError(t, cs.Calibrate(context.Background(), len(latencies), probe))

	offset, latency, ok := cs.Offset()
	require.True(t, ok)
	assert.InDelta(t, 900, offset, 1e-9)
	assert.InDelta(t, 0.010, latency, 1e-9)

	assert.InDelta(t, 1100.0, cs.Convert(200), 1e-9)
	assert.InDelta(t, 1100.5, cs.Convert(200.5), 1e-9)
	assert.False(t, cs.NeedsRecalibration())

	// A device reset moves its clock backwards.
	assert.InDelta(t, host, cs.Convert(1), 1e-9)
	assert.True(t, cs.NeedsRecalibration())
}

func TestClockSyncAllProbesFail(t *testing.T) {
	t.Parallel()
	cs := NewClockSync(nil, 0)
	err := cs.Calibrate(context.Background(), 3, func(context.Context) (float64, error) {
		return 0, errors.New("no reply")
	})
	require.Error(t, err)
	assert.Equal(t, errcode.SyncTimeoutError, errcode.Of(err))
}
