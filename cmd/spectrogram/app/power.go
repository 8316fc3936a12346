package app

import "math"

const (
	defaultMinPower = -60.0 // dB
	defaultMaxPower = 40.0  // dB

	minimumSampleCount = 20
)

// PowerBounds is the dB range mapped onto the color gradient.
type PowerBounds struct {
	Min  float64
	Max  float64
	Mean float64
}

func defaultPowerBounds() PowerBounds {
	return PowerBounds{
		Min:  defaultMinPower,
		Max:  defaultMaxPower,
		Mean: (defaultMinPower + defaultMaxPower) / 2,
	}
}

// PowerHistogram accumulates dB values in 1 dB bins so percentile bounds
// can be derived without keeping every sample.
type PowerHistogram struct {
	bins       map[int]uint32
	totalCount uint64
	minBin     int
	maxBin     int
}

func NewPowerHistogram() *PowerHistogram {
	return &PowerHistogram{
		bins:   make(map[int]uint32),
		minBin: math.MaxInt32,
		maxBin: math.MinInt32,
	}
}

// Update adds one dB reading.
func (h *PowerHistogram) Update(db float64) {
	bin := int(math.Floor(db))

	h.bins[bin]++
	h.totalCount++

	if bin < h.minBin {
		h.minBin = bin
	}
	if bin > h.maxBin {
		h.maxBin = bin
	}
}

// PercentileBounds returns the 5th..95th percentile dB range, widened to a
// minimum 30 dB span with a 10% margin so the gradient is never squeezed
// onto a flat spectrum.
func (h *PowerHistogram) PercentileBounds() PowerBounds {
	if h.totalCount < minimumSampleCount {
		return defaultPowerBounds()
	}

	target := h.totalCount * 5 / 100
	if target == 0 {
		target = 1
	}

	var count uint64
	var min5th, max95th int

	for bin := h.minBin; bin <= h.maxBin; bin++ {
		count += uint64(h.bins[bin])
		if count >= target {
			min5th = bin
			break
		}
	}

	count = 0
	for bin := h.maxBin; bin >= h.minBin; bin-- {
		count += uint64(h.bins[bin])
		if count >= target {
			max95th = bin
			break
		}
	}

	var sumProduct float64
	for bin, c := range h.bins {
		sumProduct += float64(bin) * float64(c)
	}
	mean := sumProduct / float64(h.totalCount)

	if max95th-min5th < 30 {
		center := (max95th + min5th) / 2
		min5th = center - 15
		max95th = center + 15
	}

	margin := (max95th - min5th) / 10
	return PowerBounds{
		Min:  float64(min5th - margin),
		Max:  float64(max95th + margin),
		Mean: mean,
	}
}
