package decode

import "fmt"

// GanglionPacketSize is the length of one Ganglion BLE notification.
const GanglionPacketSize = 20

// GanglionChannels is the number of EXG channels of a Ganglion.
const GanglionChannels = 4

// PacketKind classifies a Ganglion notification.
type PacketKind int

const (
	PacketUnknown PacketKind = iota
	PacketRaw
	PacketDelta
	PacketImpedance
	PacketMessage
	// PacketNoReference is a delta packet received before any raw packet.
	PacketNoReference
)

func (k PacketKind) String() string {
	switch k {
	case PacketRaw:
		return "raw"
	case PacketDelta:
		return "delta"
	case PacketImpedance:
		return "impedance"
	case PacketMessage:
		return "message"
	case PacketNoReference:
		return "no_reference"
	default:
		return "unknown"
	}
}

// Firmware selects the compression table.
type Firmware int

const (
	Firmware2 Firmware = 2
	Firmware3 Firmware = 3
)

// deltaWidth returns the bit width of the deltas carried by tag, 0 when the
// tag is not a delta packet.
func (fw Firmware) deltaWidth(tag byte) int {
	switch {
	case tag >= 1 && tag <= 100:
		if fw == Firmware3 {
			return 19
		}
		return 18
	case tag >= 101 && tag <= 200:
		return 19
	}
	return 0
}

// DeltaResult is the outcome of decoding one notification. Samples[:N] hold
// reconstructed channel counts in decode order.
type DeltaResult struct {
	Kind     PacketKind
	PacketID byte
	Samples  [2][GanglionChannels]int32
	N        int

	// AccelAxis is 0, 1 or 2 when the packet carries one accelerometer
	// axis, otherwise -1.
	AccelAxis int
	Accel     int8

	// ImpedanceChannel is 0-3 for channels and 4 for the reference.
	ImpedanceChannel int
	ImpedanceKOhm    float64

	Message string
}

// DeltaDecoder reconstructs Ganglion samples from raw and delta packets.
type DeltaDecoder struct {
	fw      Firmware
	last    [GanglionChannels]int32
	haveRef bool
	deltas  [2 * GanglionChannels]int32
}

// NewDeltaDecoder returns a decoder for firmware fw.
func NewDeltaDecoder(fw Firmware) *DeltaDecoder {
	return &DeltaDecoder{fw: fw}
}

// Reset forgets the reference sample.
func (d *DeltaDecoder) Reset() {
	d.haveRef = false
	d.last = [GanglionChannels]int32{}
}

// Decode interprets one notification.
func (d *DeltaDecoder) Decode(pkt []byte) (DeltaResult, error) {
	res := DeltaResult{AccelAxis: -1}
	if len(pkt) < GanglionPacketSize {
		return res, fmt.Errorf("ganglion packet too short: %d bytes", len(pkt))
	}
	tag := pkt[0]
	res.PacketID = tag

	switch {
	case tag == 0:
		for ch := range GanglionChannels {
			d.last[ch] = Int24(pkt[1+3*ch:])
		}
		d.haveRef = true
		res.Kind = PacketRaw
		res.Samples[0] = d.last
		res.N = 1
		return res, nil

	case tag >= 201 && tag <= 205:
		res.Kind = PacketImpedance
		res.ImpedanceChannel = int(tag - 201)
		res.ImpedanceKOhm = parseImpedance(pkt[1:])
		return res, nil

	case tag == 206 || tag == 207:
		res.Kind = PacketMessage
		res.Message = string(pkt[1:])
		return res, nil
	}

	width := d.fw.deltaWidth(tag)
	if width == 0 {
		res.Kind = PacketUnknown
		return res, fmt.Errorf("unknown ganglion packet tag %d", tag)
	}
	if !d.haveRef {
		res.Kind = PacketNoReference
		return res, nil
	}

	unpackDeltas(pkt[1:], width, d.deltas[:])
	for s := range 2 {
		for ch := range GanglionChannels {
			d.last[ch] -= d.deltas[s*GanglionChannels+ch]
		}
		res.Samples[s] = d.last
	}
	res.Kind = PacketDelta
	res.N = 2

	if d.fw == Firmware2 && width == 18 {
		if axis := int(tag%10) - 1; axis >= 0 && axis <= 2 {
			res.AccelAxis = axis
			res.Accel = int8(pkt[19])
		}
	}
	return res, nil
}

// parseImpedance reads ASCII digits up to the 'Z' terminator.
func parseImpedance(b []byte) float64 {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int(c-'0')
	}
	return float64(v)
}

// unpackDeltas reads len(out) values of width bits from a big-endian bit
// stream. A set least significant bit marks a negative value.
func unpackDeltas(src []byte, width int, out []int32) {
	var acc uint64
	nbits, idx := 0, 0
	mask := uint64(1)<<width - 1
	for i := range out {
		for nbits < width {
			acc = acc<<8 | uint64(src[idx])
			idx++
			nbits += 8
		}
		v := (acc >> (nbits - width)) & mask
		nbits -= width
		acc &= uint64(1)<<nbits - 1
		if v&1 != 0 {
			v |= ^mask
		}
		out[i] = int32(int64(v))
	}
}

// DeltaRange returns the smallest and largest delta representable at width.
func DeltaRange(width int) (lo, hi int32) {
	return -(1 << width) + 1, 1<<width - 2
}

// QuantizeDelta maps v to the nearest value representable at width: even
// when non-negative, odd when negative.
func QuantizeDelta(v int32, width int) int32 {
	lo, hi := DeltaRange(width)
	v = min(max(v, lo), hi)
	if v >= 0 && v&1 != 0 {
		v--
	} else if v < 0 && v&1 == 0 {
		v++
	}
	return v
}

// PackDeltas writes a delta notification for tag. deltas must already be
// quantized for the tag's width. Used by tests and simulators.
func PackDeltas(fw Firmware, tag byte, deltas [2 * GanglionChannels]int32) []byte {
	width := fw.deltaWidth(tag)
	pkt := make([]byte, GanglionPacketSize)
	pkt[0] = tag
	mask := uint64(1)<<width - 1

	var acc uint64
	nbits, idx := 0, 1
	for _, d := range deltas {
		acc = acc<<width | uint64(int64(d))&mask
		nbits += width
		for nbits >= 8 {
			pkt[idx] = byte(acc >> (nbits - 8))
			idx++
			nbits -= 8
		}
	}
	if nbits > 0 {
		pkt[idx] = byte(acc << (8 - nbits))
	}
	return pkt
}

// PackRaw writes an uncompressed reference notification.
func PackRaw(values [GanglionChannels]int32) []byte {
	pkt := make([]byte, GanglionPacketSize)
	for ch, v := range values {
		PutInt24(pkt[1+3*ch:], v)
	}
	return pkt
}
