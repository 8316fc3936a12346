package analysis

import (
	"math"
	"time"
)

// SegmentConfig bounds what counts as a steady-throttle window. Takeoff,
// landing and punch-outs would contaminate noise estimates, so segments must
// sit inside the cruise throttle band with low local variance.
type SegmentConfig struct {
	MinDuration  time.Duration
	MinThrottle  float64
	MaxThrottle  float64
	MaxVariance  float64 // throttle variance within the sliding window
	WindowLength time.Duration
}

// DefaultSegmentConfig returns the cruise-window bounds used by the pipeline.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		MinDuration:  2 * time.Second,
		MinThrottle:  1150,
		MaxThrottle:  1850,
		MaxVariance:  2500, // standard deviation of 50 throttle units
		WindowLength: 250 * time.Millisecond,
	}
}

// Segment is a half-open sample range [Start, End) of steady flight.
type Segment struct {
	Start        int
	End          int
	MeanThrottle float64
}

// Len returns the segment length in samples.
func (s Segment) Len() int { return s.End - s.Start }

// SegmentSteadyThrottle partitions the flight into steady-throttle segments:
// sliding-window throttle variance below the threshold, mean throttle within
// the cruise band, and a minimum duration. Adjacent qualifying windows merge
// into one segment.
func SegmentSteadyThrottle(throttle []float64, sampleRate float64, cfg SegmentConfig) []Segment {
	if sampleRate <= 0 || len(throttle) == 0 {
		return nil
	}

	win := int(cfg.WindowLength.Seconds() * sampleRate)
	if win < 2 {
		win = 2
	}
	if win > len(throttle) {
		return nil
	}
	minLen := int(cfg.MinDuration.Seconds() * sampleRate)

	// steady[i] marks sample i as belonging to a qualifying window.
	steady := make([]bool, len(throttle))

	var sum, sumSq float64
	for i := 0; i < win; i++ {
		sum += throttle[i]
		sumSq += throttle[i] * throttle[i]
	}

	mark := func(start int) {
		n := float64(win)
		mean := sum / n
		variance := sumSq/n - mean*mean
		if variance <= cfg.MaxVariance && mean >= cfg.MinThrottle && mean <= cfg.MaxThrottle {
			for i := start; i < start+win; i++ {
				steady[i] = true
			}
		}
	}

	mark(0)
	for start := 1; start+win <= len(throttle); start++ {
		out := throttle[start-1]
		in := throttle[start+win-1]
		sum += in - out
		sumSq += in*in - out*out
		mark(start)
	}

	// Collect runs of steady samples long enough to keep.
	var segments []Segment
	runStart := -1
	for i := 0; i <= len(steady); i++ {
		if i < len(steady) && steady[i] {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			if i-runStart >= minLen {
				segments = append(segments, Segment{
					Start:        runStart,
					End:          i,
					MeanThrottle: mean(throttle[runStart:i]),
				})
			}
			runStart = -1
		}
	}
	return segments
}

// Coverage returns the fraction of the flight the segments cover.
func Coverage(segments []Segment, total int) float64 {
	if total == 0 {
		return 0
	}
	covered := 0
	for _, s := range segments {
		covered += s.Len()
	}
	return float64(covered) / float64(total)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func stddev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	m := mean(x)
	var sum float64
	for _, v := range x {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(x)))
}
