package analysis

import (
	"context"
	"math"
)

// Chirp detection parameters: the dominant setpoint frequency must rise
// monotonically through most of the trace, span at least two octaves and
// last at least five seconds.
const (
	chirpTrackWindow   = 256
	chirpTrackOverlap  = 0.75
	chirpMonotonicFrac = 0.70
	chirpMinOctaves    = 2.0
	chirpMinDuration   = 5.0 // seconds

	chirpDefaultPhaseMarginDeg = 90.0
	chirpDefaultGainMarginDB   = 20.0
)

// ChirpResult is the system-identification output for one detected sweep.
type ChirpResult struct {
	Detected bool `json:"detected"`
	Axis     int  `json:"axis"`
	Start    int  `json:"start"`
	End      int  `json:"end"`

	Freqs     []float64 `json:"freqs"`
	Magnitude []float64 `json:"magnitude"`
	PhaseDeg  []float64 `json:"phaseDeg"`
	Coherence []float64 `json:"coherence"`

	Bandwidth3dB    float64 `json:"bandwidth3db"` // Hz, 0 when no crossing
	PeakResonanceHz float64 `json:"peakResonanceHz"`
	PeakResonanceDB float64 `json:"peakResonanceDb"`

	PhaseMarginDeg      float64 `json:"phaseMarginDeg"`
	PhaseMarginMeasured bool    `json:"phaseMarginMeasured"`
	GainMarginDB        float64 `json:"gainMarginDb"`
	GainMarginMeasured  bool    `json:"gainMarginMeasured"`

	Quality float64 `json:"quality"`
}

// AnalyzeChirp looks for a swept-sine excitation on each axis and, when one
// is found, estimates the closed-loop frequency response from setpoint to
// gyro. A header-declared sweep range may be passed via forced; a nil forced
// falls back to detection from the setpoint pattern.
func AnalyzeChirp(ctx context.Context, data *FlightData, forced *Segment, progress ProgressFunc) (*ChirpResult, error) {
	if err := checkpoint(ctx, progress, CheckpointSegmenting); err != nil {
		return nil, err
	}

	result := &ChirpResult{
		PhaseMarginDeg: chirpDefaultPhaseMarginDeg,
		GainMarginDB:   chirpDefaultGainMarginDB,
	}

	axis, start, end := -1, 0, 0
	if forced != nil {
		axis, start, end = AxisRoll, forced.Start, forced.End
	} else {
		for a := 0; a < 3; a++ {
			if s, e, ok := detectChirp(data.Setpoint[a], data.SampleRate); ok {
				axis, start, end = a, s, e
				break
			}
		}
	}
	if axis < 0 {
		return result, nil // no sweep; not an error
	}

	if err := checkpoint(ctx, progress, CheckpointSpectral); err != nil {
		return nil, err
	}

	if end > len(data.Gyro[axis]) {
		end = len(data.Gyro[axis])
	}
	if end-start < chirpTrackWindow {
		return result, nil
	}

	est, err := WelchTransfer(data.Setpoint[axis][start:end], data.Gyro[axis][start:end], data.SampleRate, 0)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx, progress, CheckpointScoring); err != nil {
		return nil, err
	}

	result.Detected = true
	result.Axis = axis
	result.Start = start
	result.End = end
	result.Freqs = est.Freqs
	result.Magnitude = est.Magnitude()
	result.PhaseDeg = est.PhaseDeg()
	result.Coherence = est.Coherence

	measureBode(result)

	meanCoherence := mean(result.Coherence)
	result.Quality = qualityScore(data.Duration(), 1, data.CorruptRatio, meanCoherence)
	return result, nil
}

// detectChirp tracks the dominant frequency of short overlapping windows and
// applies the monotonicity, span and duration requirements.
func detectChirp(sp []float64, sampleRate float64) (int, int, bool) {
	if sampleRate <= 0 || len(sp) < chirpTrackWindow*2 {
		return 0, 0, false
	}

	step := int(float64(chirpTrackWindow) * (1 - chirpTrackOverlap))
	if step < 1 {
		step = 1
	}

	type track struct {
		start int
		freq  float64
	}
	var tracks []track
	for start := 0; start+chirpTrackWindow <= len(sp); start += step {
		f := dominantFrequency(sp[start:start+chirpTrackWindow], sampleRate)
		tracks = append(tracks, track{start: start, freq: f})
	}
	if len(tracks) < 3 {
		return 0, 0, false
	}

	// Longest run of windows whose dominant frequency does not decrease in
	// at least the required fraction of consecutive pairs. Quantization
	// makes the tracked frequency plateau between bins, so equality counts
	// as holding the trend.
	bestStart, bestEnd := 0, 0
	runStart := 0
	ok := 0
	for i := 1; i < len(tracks); i++ {
		pairs := i - runStart
		if tracks[i].freq >= tracks[i-1].freq {
			ok++
		}
		if float64(ok) < chirpMonotonicFrac*float64(pairs) {
			runStart = i
			ok = 0
			continue
		}
		if i+1-runStart > bestEnd-bestStart {
			bestStart, bestEnd = runStart, i+1
		}
	}
	if bestEnd <= bestStart {
		return 0, 0, false
	}

	lowF := tracks[bestStart].freq
	highF := tracks[bestEnd-1].freq
	startSample := tracks[bestStart].start
	endSample := tracks[bestEnd-1].start + chirpTrackWindow

	if lowF <= 0 || math.Log2(highF/lowF) < chirpMinOctaves {
		return 0, 0, false
	}
	if float64(endSample-startSample)/sampleRate < chirpMinDuration {
		return 0, 0, false
	}
	return startSample, endSample, true
}

// dominantFrequency returns the peak-bin frequency of one window.
func dominantFrequency(x []float64, sampleRate float64) float64 {
	n := nextPow2Below(len(x))
	window, _ := hannWindow(n)

	buf := make([]complex128, n)
	m := mean(x[:n])
	for i := 0; i < n; i++ {
		buf[i] = complex((x[i] - m) * window[i], 0)
	}
	fft(buf)

	best, bestPower := 0, 0.0
	for i := 1; i < n/2; i++ {
		p := real(buf[i])*real(buf[i]) + imag(buf[i])*imag(buf[i])
		if p > bestPower {
			best, bestPower = i, p
		}
	}
	return float64(best) * sampleRate / float64(n)
}

// measureBode extracts the scalar frequency-domain metrics from the
// estimated response.
func measureBode(r *ChirpResult) {
	if len(r.Magnitude) < 3 {
		return
	}

	// DC-relative -3 dB crossing, linearly interpolated. Bin 0 is skipped:
	// the Hann window smears DC.
	ref := r.Magnitude[1]
	threshold := ref / math.Sqrt2
	for i := 2; i < len(r.Magnitude); i++ {
		if r.Magnitude[i] < threshold && r.Magnitude[i-1] >= threshold {
			frac := (r.Magnitude[i-1] - threshold) / (r.Magnitude[i-1] - r.Magnitude[i])
			r.Bandwidth3dB = r.Freqs[i-1] + frac*(r.Freqs[i]-r.Freqs[i-1])
			break
		}
	}

	peakI := 1
	for i := 2; i < len(r.Magnitude); i++ {
		if r.Magnitude[i] > r.Magnitude[peakI] {
			peakI = i
		}
	}
	r.PeakResonanceHz = r.Freqs[peakI]
	if ref > 0 {
		r.PeakResonanceDB = 20 * math.Log10(r.Magnitude[peakI]/ref)
	}

	// Phase margin at the first unity-gain crossing from above.
	for i := 2; i < len(r.Magnitude); i++ {
		if r.Magnitude[i-1] >= 1 && r.Magnitude[i] < 1 {
			r.PhaseMarginDeg = 180 + r.PhaseDeg[i]
			r.PhaseMarginMeasured = true
			break
		}
	}

	// Gain margin at the first -180 degree phase crossing.
	for i := 2; i < len(r.PhaseDeg); i++ {
		if r.PhaseDeg[i-1] > -180 && r.PhaseDeg[i] <= -180 {
			if r.Magnitude[i] > 0 {
				r.GainMarginDB = -20 * math.Log10(r.Magnitude[i])
				r.GainMarginMeasured = true
			}
			break
		}
	}
}
