package decode

// Int24 decodes a 24-bit big-endian two's complement value.
func Int24(b []byte) int32 {
	_ = b[2]
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v |= ^0xFFFFFF
	}
	return v
}

// PutInt24 encodes v as 24-bit big-endian two's complement.
func PutInt24(b []byte, v int32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Int16 decodes a 16-bit big-endian two's complement value.
func Int16(b []byte) int16 {
	_ = b[1]
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

// ADS1299 reference voltage.
const ADS1299Vref = 4.5

// ADS1299Scale returns the microvolts per count for gain.
func ADS1299Scale(gain float64) float64 {
	return ADS1299Vref / float64(1<<23-1) / gain * 1e6
}

// Microvolts converts a raw ADS1299 count at gain to microvolts.
func Microvolts(raw int32, gain float64) float64 {
	return float64(raw) * ADS1299Scale(gain)
}

// CytonAccelScale is g per LSB of the Cyton LIS3DH accelerometer.
const CytonAccelScale = 0.002 / 16

// GanglionScale is microvolts per count of the Ganglion MCP3912 front end.
const GanglionScale = 1.2 * 1e6 / (8388607.0 * 1.5 * 51.0)

// GanglionAccelScale is g per LSB of the Ganglion accelerometer byte.
const GanglionAccelScale = 0.016
