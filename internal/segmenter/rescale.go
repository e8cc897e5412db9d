package segmenter

// Rescale converts value from one timescale to another in floating point,
// truncating the result. A zero source timescale yields 0.
func Rescale(value uint64, from, to uint32) uint64 {
	if from == 0 {
		return 0
	}
	return uint64(float64(value) / float64(from) * float64(to))
}
