package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/skylark-fpv/fctuner/internal/device"
)

// Style selects how aggressively the craft is expected to respond; it scales
// the acceptance thresholds around the balanced baseline.
type Style string

const (
	StyleSmooth     Style = "smooth"
	StyleBalanced   Style = "balanced"
	StyleAggressive Style = "aggressive"
)

// scale returns the threshold multiplier for this style.
func (s Style) scale() float64 {
	switch s {
	case StyleSmooth:
		return 0.7
	case StyleAggressive:
		return 1.4
	default:
		return 1.0
	}
}

// Step detection thresholds.
const (
	stepMinAmplitude = 30.0 // deg/s change that counts as a step
	stepMaxRiseSpan  = 40 * time.Millisecond
	stepMinHold      = 100 * time.Millisecond
	stepWindowAfter  = 500 * time.Millisecond

	settleBand = 0.05 // fraction of step amplitude

	// Degenerate response: an unmeasurable step, not a real oscillation.
	degenerateMaxRiseSamples = 2
	degenerateMinOvershoot   = 150.0
)

// Balanced-style acceptance baselines.
const (
	acceptableOvershootPct = 15.0
	acceptableSettleMs     = 120.0
	acceptableRiseMs       = 60.0
)

// StepMetrics are the measurements of one detected step response.
type StepMetrics struct {
	Axis      int           `json:"axis"`
	Index     int           `json:"index"` // sample where the step begins
	Amplitude float64       `json:"amplitude"`
	RiseTime  time.Duration `json:"riseTime"`  // 10% to 90% of target
	Latency   time.Duration `json:"latency"`   // to 10% of target motion
	Settling  time.Duration `json:"settling"`  // into the ±5% band, staying
	Overshoot float64       `json:"overshoot"` // percent of amplitude
	Ringing   int           `json:"ringing"`   // oscillation cycles before settling

	Degenerate bool `json:"degenerate"`
}

// AxisSteps aggregates the responses of one axis.
type AxisSteps struct {
	Axis  int           `json:"axis"`
	Steps []StepMetrics `json:"steps"`

	MeanRiseTime  time.Duration `json:"meanRiseTime"`
	MeanSettling  time.Duration `json:"meanSettling"`
	MeanOvershoot float64       `json:"meanOvershoot"`
	MeanRinging   float64       `json:"meanRinging"`

	// DegenerateOnly is set when every step was degenerate and the
	// aggregates had to fall back to the full set.
	DegenerateOnly bool `json:"degenerateOnly"`
}

// StepResult is the full step-response analysis output.
type StepResult struct {
	Style           Style            `json:"style"`
	Axes            []AxisSteps      `json:"axes"`
	Recommendations []Recommendation `json:"recommendations"`
	Quality         float64          `json:"quality"`
}

// AnalyzeSteps detects setpoint steps on each axis, measures the gyro
// response to each and derives PID recommendations from the aggregate
// pattern.
func AnalyzeSteps(ctx context.Context, data *FlightData, pids *device.PIDProfile, style Style, progress ProgressFunc) (*StepResult, error) {
	if err := checkpoint(ctx, progress, CheckpointSegmenting); err != nil {
		return nil, err
	}

	result := &StepResult{Style: style}
	totalSteps := 0
	for axis := 0; axis < 3; axis++ {
		steps := detectSteps(data, axis)
		totalSteps += len(steps)
		result.Axes = append(result.Axes, aggregateSteps(axis, steps))
	}

	if err := checkpoint(ctx, progress, CheckpointScoring); err != nil {
		return nil, err
	}

	if err := checkpoint(ctx, progress, CheckpointRecommending); err != nil {
		return nil, err
	}

	result.Recommendations = recommendPIDs(result, pids, style)

	estQuality := clampF(float64(totalSteps)/20, 0, 1)
	result.Quality = qualityScore(data.Duration(), 1, data.CorruptRatio, estQuality)
	return result, nil
}

// detectSteps scans one axis' setpoint for sharp sustained changes and
// measures the gyro response to each.
func detectSteps(data *FlightData, axis int) []StepMetrics {
	sp := data.Setpoint[axis]
	gyro := data.Gyro[axis]
	if len(sp) == 0 || len(gyro) == 0 || data.SampleRate <= 0 {
		return nil
	}
	n := len(sp)
	if len(gyro) < n {
		n = len(gyro)
	}

	riseSpan := samplesOf(stepMaxRiseSpan, data.SampleRate)
	hold := samplesOf(stepMinHold, data.SampleRate)
	window := samplesOf(stepWindowAfter, data.SampleRate)

	var steps []StepMetrics
	i := 1
	for i+riseSpan+hold < n {
		delta := sp[i+riseSpan] - sp[i]
		if math.Abs(delta) < stepMinAmplitude {
			i++
			continue
		}

		// The change must complete within the rise span...
		target := sp[i+riseSpan]
		// ...and hold near the new value for the minimum duration.
		sustained := true
		for j := i + riseSpan; j < i+riseSpan+hold && j < n; j++ {
			if math.Abs(sp[j]-target) > stepMinAmplitude/2 {
				sustained = false
				break
			}
		}
		if !sustained {
			i++
			continue
		}

		end := i + window
		if end > n {
			end = n
		}
		m := measureStep(sp[i], target, gyro[i:end], data.SampleRate)
		m.Axis = axis
		m.Index = i
		steps = append(steps, m)

		i = end // skip past the measured window
	}
	return steps
}

// measureStep computes the response metrics for one step from `from` to
// `target` given the gyro trace starting at the step.
func measureStep(from, target float64, gyro []float64, sampleRate float64) StepMetrics {
	amplitude := target - from
	m := StepMetrics{Amplitude: math.Abs(amplitude)}

	// Normalize so the step goes 0 -> 1 regardless of direction.
	norm := make([]float64, len(gyro))
	for i, g := range gyro {
		norm[i] = (g - from) / amplitude
	}

	dt := time.Duration(float64(time.Second) / sampleRate)

	t10, t90 := -1, -1
	for i, v := range norm {
		if t10 < 0 && v >= 0.1 {
			t10 = i
		}
		if t90 < 0 && v >= 0.9 {
			t90 = i
			break
		}
	}

	if t10 >= 0 {
		m.Latency = time.Duration(t10) * dt
	}
	riseSamples := len(norm)
	if t10 >= 0 && t90 >= 0 {
		riseSamples = t90 - t10
		m.RiseTime = time.Duration(riseSamples) * dt
	}

	peak := 0.0
	for _, v := range norm {
		if v > peak {
			peak = v
		}
	}
	if peak > 1 {
		m.Overshoot = (peak - 1) * 100
	}

	// Settling: last time the trace was outside the band.
	settled := len(norm)
	for i := len(norm) - 1; i >= 0; i-- {
		if math.Abs(norm[i]-1) > settleBand {
			settled = i + 1
			break
		}
		settled = i
	}
	m.Settling = time.Duration(settled) * dt

	// Ringing: mean crossings around the target before settling, two
	// crossings per oscillation cycle.
	crossings := 0
	for i := 1; i < settled && i < len(norm); i++ {
		if (norm[i-1]-1)*(norm[i]-1) < 0 {
			crossings++
		}
	}
	m.Ringing = crossings / 2

	m.Degenerate = riseSamples < degenerateMaxRiseSamples && m.Overshoot > degenerateMinOvershoot
	return m
}

// aggregateSteps averages an axis' step metrics, excluding degenerate
// responses unless nothing else is left.
func aggregateSteps(axis int, steps []StepMetrics) AxisSteps {
	ax := AxisSteps{Axis: axis, Steps: steps}

	usable := make([]StepMetrics, 0, len(steps))
	for _, s := range steps {
		if !s.Degenerate {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		usable = steps
		ax.DegenerateOnly = len(steps) > 0
	}
	if len(usable) == 0 {
		return ax
	}

	var rise, settle time.Duration
	var overshoot, ringing float64
	for _, s := range usable {
		rise += s.RiseTime
		settle += s.Settling
		overshoot += s.Overshoot
		ringing += float64(s.Ringing)
	}
	n := time.Duration(len(usable))
	ax.MeanRiseTime = rise / n
	ax.MeanSettling = settle / n
	ax.MeanOvershoot = overshoot / float64(len(usable))
	ax.MeanRinging = ringing / float64(len(usable))
	return ax
}

// recommendPIDs maps each axis' response pattern onto gain changes:
// overshoot with ringing wants more D relative to P, sluggish rise wants more
// P, slow settling without overshoot wants more I. All gains stay within
// ±25% of current and absolute safe bounds.
func recommendPIDs(result *StepResult, pids *device.PIDProfile, style Style) []Recommendation {
	var recs []Recommendation

	terms := [3]device.PIDTerms{pids.Roll, pids.Pitch, pids.Yaw}
	maxOvershoot := acceptableOvershootPct * style.scale()
	maxSettleMs := acceptableSettleMs * style.scale()
	maxRiseMs := acceptableRiseMs / style.scale()

	for axis, ax := range result.Axes {
		if len(ax.Steps) == 0 || ax.DegenerateOnly {
			continue
		}
		t := terms[axis]
		name := AxisName(axis)
		conf := clampF(0.4+float64(len(ax.Steps))*0.05, 0.4, 0.85)

		settleMs := float64(ax.MeanSettling) / float64(time.Millisecond)
		riseMs := float64(ax.MeanRiseTime) / float64(time.Millisecond)

		switch {
		case ax.MeanOvershoot > maxOvershoot && ax.MeanRinging >= 1:
			recs = appendGainRec(recs, fmt.Sprintf("%s D gain", name), int(t.D),
				int(float64(t.D)*1.15), conf,
				fmt.Sprintf("%.0f%% overshoot with ringing on %s wants more damping", ax.MeanOvershoot, name))

		case ax.MeanOvershoot > maxOvershoot:
			recs = appendGainRec(recs, fmt.Sprintf("%s P gain", name), int(t.P),
				int(float64(t.P)*0.9), conf,
				fmt.Sprintf("%.0f%% overshoot without ringing on %s wants less P", ax.MeanOvershoot, name))

		case riseMs > maxRiseMs:
			recs = appendGainRec(recs, fmt.Sprintf("%s P gain", name), int(t.P),
				int(float64(t.P)*1.1), conf,
				fmt.Sprintf("%.0f ms rise time on %s is sluggish", riseMs, name))

		case settleMs > maxSettleMs:
			recs = appendGainRec(recs, fmt.Sprintf("%s I gain", name), int(t.I),
				int(float64(t.I)*1.1), conf,
				fmt.Sprintf("%.0f ms settling without overshoot on %s wants more I", settleMs, name))
		}
	}
	return recs
}

// Absolute gain bounds; recommendations never leave them.
const (
	gainMin = 10
	gainMax = 250
)

func appendGainRec(recs []Recommendation, setting string, current, proposed int, confidence float64, reason string) []Recommendation {
	if current == 0 {
		return recs
	}
	proposed = clampInt(proposed, gainMin, gainMax)

	// Never move more than 25% in one cycle.
	lo := current - current/4
	hi := current + current/4
	proposed = clampInt(proposed, lo, hi)
	if proposed == current {
		return recs
	}
	return append(recs, Recommendation{
		Setting:     setting,
		Current:     current,
		Recommended: proposed,
		Confidence:  confidence,
		Reason:      reason,
		Impact:      ImpactBoth,
	})
}

func samplesOf(d time.Duration, sampleRate float64) int {
	n := int(d.Seconds() * sampleRate)
	if n < 1 {
		n = 1
	}
	return n
}
