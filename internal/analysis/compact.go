package analysis

// Downsample reduces a series to at most max points by bucket averaging, for
// persisting compact metrics alongside a session record. Series at or under
// the limit come back as copies.
func Downsample(x []float64, max int) []float64 {
	if max <= 0 || len(x) == 0 {
		return nil
	}
	if len(x) <= max {
		return append([]float64(nil), x...)
	}

	out := make([]float64, max)
	for i := 0; i < max; i++ {
		start := i * len(x) / max
		end := (i + 1) * len(x) / max
		if end <= start {
			end = start + 1
		}
		out[i] = mean(x[start:end])
	}
	return out
}
