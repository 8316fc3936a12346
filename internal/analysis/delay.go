package analysis

import (
	"fmt"
	"math"

	"github.com/skylark-fpv/fctuner/internal/device"
)

const (
	// DefaultDelayReferenceHz is where the filter chain's group delay is
	// evaluated: representative of the band where control authority lives.
	DefaultDelayReferenceHz = 80.0

	// DefaultDelayWarnMs is the gyro-path delay above which the chain is
	// slow enough to cost propwash handling.
	DefaultDelayWarnMs = 2.0

	biquadQ = 0.7071 // Butterworth
)

// DelayContribution is one filter stage's share of the total.
type DelayContribution struct {
	Stage   string  `json:"stage"`
	Path    string  `json:"path"` // "gyro" or "dterm"
	DelayMs float64 `json:"delayMs"`
}

// GroupDelayResult sums closed-form group delays of the active filter chain
// at the reference frequency, per signal path.
type GroupDelayResult struct {
	ReferenceHz   float64             `json:"referenceHz"`
	GyroPathMs    float64             `json:"gyroPathMs"`
	DtermPathMs   float64             `json:"dtermPathMs"`
	Contributions []DelayContribution `json:"contributions"`
	Warning       string              `json:"warning,omitempty"`
}

// EstimateGroupDelay computes the filter chain's group delay at refHz (0
// selects the default) and warns when the gyro path exceeds warnMs (0 selects
// the default). Filter types: 0 is PT1, 1 is biquad.
func EstimateGroupDelay(f *device.FilterConfig, refHz, warnMs float64) *GroupDelayResult {
	if refHz <= 0 {
		refHz = DefaultDelayReferenceHz
	}
	if warnMs <= 0 {
		warnMs = DefaultDelayWarnMs
	}

	r := &GroupDelayResult{ReferenceHz: refHz}

	add := func(stage, path string, ms float64) {
		if ms <= 0 {
			return
		}
		r.Contributions = append(r.Contributions, DelayContribution{Stage: stage, Path: path, DelayMs: ms})
		if path == "gyro" {
			r.GyroPathMs += ms
		} else {
			r.DtermPathMs += ms
		}
	}

	add("gyro_lpf1", "gyro", lowpassDelayMs(float64(f.GyroLowpass1Hz), f.GyroLowpass1Type, refHz))
	add("gyro_lpf2", "gyro", lowpassDelayMs(float64(f.GyroLowpass2Hz), f.GyroLowpass2Type, refHz))
	add("gyro_notch1", "gyro", notchDelayMs(float64(f.GyroNotch1Hz), float64(f.GyroNotch1Cutoff), refHz))
	add("gyro_notch2", "gyro", notchDelayMs(float64(f.GyroNotch2Hz), float64(f.GyroNotch2Cutoff), refHz))

	add("dterm_lpf1", "dterm", lowpassDelayMs(float64(f.DtermLowpass1Hz), f.DtermLowpass1Type, refHz))
	add("dterm_lpf2", "dterm", lowpassDelayMs(float64(f.DtermLowpass2Hz), f.DtermLowpass2Type, refHz))
	add("dterm_notch", "dterm", notchDelayMs(float64(f.DtermNotchHz), float64(f.DtermNotchCutoff), refHz))

	if r.GyroPathMs > warnMs {
		r.Warning = fmt.Sprintf("gyro path group delay %.2f ms exceeds %.1f ms at %.0f Hz", r.GyroPathMs, warnMs, refHz)
	}
	return r
}

// lowpassDelayMs returns the group delay of a PT1 or biquad lowpass with the
// given cutoff, evaluated at refHz. Zero cutoff means the stage is disabled.
func lowpassDelayMs(cutoffHz float64, filterType uint8, refHz float64) float64 {
	if cutoffHz <= 0 {
		return 0
	}
	if filterType == 1 {
		return biquadLowpassDelayMs(cutoffHz, refHz)
	}
	return pt1DelayMs(cutoffHz, refHz)
}

// pt1DelayMs is the closed form for a first-order lowpass:
// tau / (1 + (2*pi*f*tau)^2) with tau = 1/(2*pi*fc).
func pt1DelayMs(cutoffHz, refHz float64) float64 {
	tau := 1 / (2 * math.Pi * cutoffHz)
	w := 2 * math.Pi * refHz
	return tau / (1 + w*w*tau*tau) * 1000
}

// biquadLowpassDelayMs differentiates the biquad lowpass phase numerically
// around refHz; the analytic derivative adds nothing but surface area.
func biquadLowpassDelayMs(cutoffHz, refHz float64) float64 {
	const df = 0.1
	p1 := biquadLowpassPhase(cutoffHz, refHz-df)
	p2 := biquadLowpassPhase(cutoffHz, refHz+df)
	return -(p2 - p1) / (2 * math.Pi * 2 * df) * 1000
}

// biquadLowpassPhase is the phase of H(s) = wc^2 / (s^2 + wc/Q s + wc^2) at
// frequency f, in radians.
func biquadLowpassPhase(cutoffHz, f float64) float64 {
	wc := 2 * math.Pi * cutoffHz
	w := 2 * math.Pi * f
	return -math.Atan2(wc/biquadQ*w, wc*wc-w*w)
}

// notchDelayMs differentiates the notch phase numerically around refHz. A
// notch centered away from the reference contributes little delay there,
// which is exactly why notches beat broad lowpasses for isolated peaks.
func notchDelayMs(centerHz, cutoffHz, refHz float64) float64 {
	if centerHz <= 0 || cutoffHz <= 0 || cutoffHz >= centerHz {
		return 0
	}

	const df = 0.1
	p1 := notchPhase(centerHz, cutoffHz, refHz-df)
	p2 := notchPhase(centerHz, cutoffHz, refHz+df)
	d := -(p2 - p1) / (2 * math.Pi * 2 * df) * 1000
	if d < 0 {
		return 0
	}
	return d
}

// notchPhase is the phase of the biquad notch
// H(s) = (s^2 + w0^2) / (s^2 + w0/Q s + w0^2) with Q derived from the
// center/cutoff pair as the firmware does.
func notchPhase(centerHz, cutoffHz, f float64) float64 {
	w0 := 2 * math.Pi * centerHz
	q := centerHz * cutoffHz / (centerHz*centerHz - cutoffHz*cutoffHz)
	w := 2 * math.Pi * f

	num := math.Atan2(0, w0*w0-w*w)
	den := math.Atan2(w0/q*w, w0*w0-w*w)
	return num - den
}
