package board

// ToChannelMajor transposes sample-major rows into numRows channel rows,
// one column per sample.
func ToChannelMajor(samples [][]float64, numRows int) [][]float64 {
	out := make([][]float64, numRows)
	backing := make([]float64, numRows*len(samples))
	for ch := range out {
		out[ch] = backing[ch*len(samples) : (ch+1)*len(samples) : (ch+1)*len(samples)]
	}
	for col, sample := range samples {
		for ch := range min(numRows, len(sample)) {
			out[ch][col] = sample[ch]
		}
	}
	return out
}
