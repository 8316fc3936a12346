package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/skylark-fpv/fctuner/internal/device"
)

// Peak classification by frequency pattern.
type PeakClass string

const (
	PeakFrameResonance PeakClass = "frame_resonance" // structural, below ~120 Hz
	PeakMotorHarmonic  PeakClass = "motor_harmonic"
	PeakElectrical     PeakClass = "electrical" // above ~400 Hz
	PeakUnknown        PeakClass = "unknown"
)

const (
	frameResonanceMaxHz = 120.0
	electricalMinHz     = 400.0
	peakProminenceDB    = 8.0
	motorHarmonicTol    = 0.05
)

// Safety clamps per setting. Software filters are never recommended outside
// these bounds; an RPM-driven notch bank justifies relaxing lowpass cutoffs
// upward because it removes the dominant motor noise before the software
// chain sees it.
var filterClamps = map[string][2]int{
	"gyro_lpf1_static_hz":  {0, 500},
	"gyro_lpf2_static_hz":  {0, 500},
	"dterm_lpf1_static_hz": {0, 250},
	"dterm_lpf2_static_hz": {0, 250},
}

// Peak is one spectral peak above the prominence threshold.
type Peak struct {
	Frequency  float64   `json:"frequency"`
	PowerDB    float64   `json:"powerDb"`
	Prominence float64   `json:"prominenceDb"`
	Class      PeakClass `json:"class"`
}

// AxisNoise is the spectral summary for one gyro axis.
type AxisNoise struct {
	Axis         int       `json:"axis"`
	Spectrum     *Spectrum `json:"-"`
	NoiseFloorDB float64   `json:"noiseFloorDb"`
	Peaks        []Peak    `json:"peaks"`
}

// NoiseResult is the full noise analysis output.
type NoiseResult struct {
	Axes            []AxisNoise      `json:"axes"`
	Segments        []Segment        `json:"segments"`
	MotorBaseHz     float64          `json:"motorBaseHz"`
	Recommendations []Recommendation `json:"recommendations"`
	Quality         float64          `json:"quality"`
}

// AnalyzeNoise computes per-axis noise spectra over steady-throttle segments
// and derives filter recommendations from them.
func AnalyzeNoise(ctx context.Context, data *FlightData, filters *device.FilterConfig, progress ProgressFunc) (*NoiseResult, error) {
	if err := checkpoint(ctx, progress, CheckpointSegmenting); err != nil {
		return nil, err
	}

	segments := SegmentSteadyThrottle(data.Throttle, data.SampleRate, DefaultSegmentConfig())
	samples := concatSegments(data, segments)

	if err := checkpoint(ctx, progress, CheckpointSpectral); err != nil {
		return nil, err
	}

	result := &NoiseResult{Segments: segments}
	for axis := 0; axis < 3; axis++ {
		spectrum, err := WelchPSD(samples[axis], data.SampleRate, 0)
		if err != nil {
			return nil, fmt.Errorf("axis %s spectrum: %w", AxisName(axis), err)
		}
		result.Axes = append(result.Axes, AxisNoise{
			Axis:         axis,
			Spectrum:     spectrum,
			NoiseFloorDB: noiseFloorDB(spectrum),
		})
	}

	if err := checkpoint(ctx, progress, CheckpointScoring); err != nil {
		return nil, err
	}

	result.MotorBaseHz = estimateMotorBase(data, segments)
	for i := range result.Axes {
		ax := &result.Axes[i]
		ax.Peaks = detectPeaks(ax.Spectrum, ax.NoiseFloorDB)
		for j := range ax.Peaks {
			ax.Peaks[j].Class = classifyPeak(ax.Peaks[j].Frequency, result.MotorBaseHz)
		}
	}

	if err := checkpoint(ctx, progress, CheckpointRecommending); err != nil {
		return nil, err
	}

	result.Recommendations = recommendFilters(result, filters)
	result.Quality = qualityScore(
		data.Duration(),
		Coverage(segments, data.Samples()),
		data.CorruptRatio,
		1,
	)
	return result, nil
}

// concatSegments joins the gyro samples of all steady segments per axis,
// falling back to the whole flight when nothing qualified.
func concatSegments(data *FlightData, segments []Segment) [3][]float64 {
	var out [3][]float64
	for axis := 0; axis < 3; axis++ {
		if len(segments) == 0 {
			out[axis] = data.Gyro[axis]
			continue
		}
		for _, seg := range segments {
			end := seg.End
			if end > len(data.Gyro[axis]) {
				end = len(data.Gyro[axis])
			}
			if seg.Start < end {
				out[axis] = append(out[axis], data.Gyro[axis][seg.Start:end]...)
			}
		}
	}
	return out
}

// noiseFloorDB estimates the broadband floor as the 25th percentile of the
// spectrum, a level peaks must clear to count.
func noiseFloorDB(s *Spectrum) float64 {
	if len(s.Power) == 0 {
		return 0
	}
	sorted := append([]float64(nil), s.Power...)
	sort.Float64s(sorted)
	return powerDB(sorted[len(sorted)/4])
}

// detectPeaks finds local maxima at least peakProminenceDB above the floor.
// Runs of adjacent qualifying bins collapse to their maximum.
func detectPeaks(s *Spectrum, floorDB float64) []Peak {
	var peaks []Peak

	inPeak := false
	var best Peak
	for i := 1; i < len(s.Power)-1; i++ {
		db := powerDB(s.Power[i])
		qualifies := db >= floorDB+peakProminenceDB &&
			s.Power[i] >= s.Power[i-1] && s.Power[i] >= s.Power[i+1]

		if qualifies {
			p := Peak{Frequency: s.Freqs[i], PowerDB: db, Prominence: db - floorDB}
			if !inPeak || p.PowerDB > best.PowerDB {
				best = p
			}
			inPeak = true
		} else if inPeak && db < floorDB+peakProminenceDB/2 {
			peaks = append(peaks, best)
			inPeak = false
		}
	}
	if inPeak {
		peaks = append(peaks, best)
	}

	sort.Slice(peaks, func(i, j int) bool { return peaks[i].PowerDB > peaks[j].PowerDB })
	return peaks
}

// estimateMotorBase guesses the motor fundamental from mean motor output,
// assuming output scales linearly to a plausible rotation band. Zero when no
// motor data is available.
func estimateMotorBase(data *FlightData, segments []Segment) float64 {
	if len(data.Motor) == 0 || len(data.Motor[0]) == 0 {
		return 0
	}

	var sum float64
	var n int
	for _, seg := range segments {
		end := seg.End
		if end > len(data.Motor[0]) {
			end = len(data.Motor[0])
		}
		for i := seg.Start; i < end; i++ {
			sum += data.Motor[0][i]
			n++
		}
	}
	if n == 0 {
		sum = mean(data.Motor[0]) * float64(len(data.Motor[0]))
		n = len(data.Motor[0])
	}

	// Map the 1000..2000 command range onto a 0..420 Hz rotation band, the
	// usual span for 5-inch props.
	cmd := clampF(sum/float64(n), 1000, 2000)
	return (cmd - 1000) / 1000 * 420
}

func classifyPeak(freq, motorBase float64) PeakClass {
	if motorBase > 0 {
		harmonic := math.Round(freq / motorBase)
		if harmonic >= 1 && math.Abs(freq-harmonic*motorBase) <= motorHarmonicTol*freq {
			return PeakMotorHarmonic
		}
	}
	if freq < frameResonanceMaxHz {
		return PeakFrameResonance
	}
	if freq > electricalMinHz {
		return PeakElectrical
	}
	return PeakUnknown
}

// recommendFilters derives cutoff changes from the noise picture: a quiet
// spectrum earns higher cutoffs (less filter latency), a loud one lower
// cutoffs, both clamped to the safety bounds. Active RPM filtering widens the
// allowance for raising software cutoffs.
func recommendFilters(result *NoiseResult, filters *device.FilterConfig) []Recommendation {
	var recs []Recommendation

	loud := 0
	var worstFloor float64 = math.Inf(-1)
	for _, ax := range result.Axes {
		if len(ax.Peaks) > 2 {
			loud++
		}
		if ax.NoiseFloorDB > worstFloor {
			worstFloor = ax.NoiseFloorDB
		}
	}
	quiet := loud == 0

	rpmActive := filters.RPMFilterEnabled()
	raiseLimit := 1.25
	if rpmActive {
		raiseLimit = 1.5
	}

	gyroConf := confidenceFromPeaks(result.Axes)
	if quiet {
		recs = appendCutoffRec(recs, "gyro_lpf1_static_hz", int(filters.GyroLowpass1Hz),
			int(float64(filters.GyroLowpass1Hz)*raiseLimit), gyroConf,
			"low gyro noise allows a higher cutoff for less filter delay", ImpactLatency)
		recs = appendCutoffRec(recs, "dterm_lpf1_static_hz", int(filters.DtermLowpass1Hz),
			int(float64(filters.DtermLowpass1Hz)*1.2), gyroConf,
			"low noise floor allows a higher D-term cutoff", ImpactLatency)
	} else {
		recs = appendCutoffRec(recs, "gyro_lpf1_static_hz", int(filters.GyroLowpass1Hz),
			int(float64(filters.GyroLowpass1Hz)*0.8), gyroConf,
			fmt.Sprintf("%d axes show spectral peaks above the noise floor", loud), ImpactNoise)
		recs = appendCutoffRec(recs, "dterm_lpf1_static_hz", int(filters.DtermLowpass1Hz),
			int(float64(filters.DtermLowpass1Hz)*0.8), gyroConf,
			"noisy spectrum needs a lower D-term cutoff to protect motors", ImpactNoise)
	}

	// A strong frame resonance below the dynamic notch range wants the
	// notch floor moved down to reach it.
	for _, ax := range result.Axes {
		for _, p := range ax.Peaks {
			if p.Class == PeakFrameResonance && filters.DynNotchMinHz > 0 &&
				p.Frequency < float64(filters.DynNotchMinHz) {
				recs = append(recs, Recommendation{
					Setting:     "dyn_notch_min_hz",
					Current:     int(filters.DynNotchMinHz),
					Recommended: clampInt(int(p.Frequency*0.9), 20, int(filters.DynNotchMinHz)),
					Confidence:  0.6,
					Reason: fmt.Sprintf("frame resonance at %.0f Hz sits below the dynamic notch floor on %s",
						p.Frequency, AxisName(ax.Axis)),
					Impact: ImpactNoise,
				})
				break
			}
		}
	}

	return recs
}

func appendCutoffRec(recs []Recommendation, setting string, current, proposed int, confidence float64, reason string, impact Impact) []Recommendation {
	bounds, ok := filterClamps[setting]
	if !ok {
		return recs
	}
	if current == 0 {
		// Disabled stages stay disabled.
		return recs
	}

	proposed = clampInt(proposed, bounds[0], bounds[1])
	if proposed == current {
		return recs
	}
	return append(recs, Recommendation{
		Setting:     setting,
		Current:     current,
		Recommended: proposed,
		Confidence:  confidence,
		Reason:      reason,
		Impact:      impact,
	})
}

func confidenceFromPeaks(axes []AxisNoise) float64 {
	// More detected structure means a clearer picture to act on.
	total := 0
	for _, ax := range axes {
		total += len(ax.Peaks)
	}
	return clampF(0.5+float64(total)*0.05, 0.5, 0.9)
}

func powerDB(p float64) float64 {
	if p <= 0 {
		return -200
	}
	return 10 * math.Log10(p)
}
