package analysis

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/device"
)

func testPIDs() *device.PIDProfile {
	return &device.PIDProfile{
		Roll:  device.PIDTerms{P: 45, I: 80, D: 40},
		Pitch: device.PIDTerms{P: 47, I: 84, D: 46},
		Yaw:   device.PIDTerms{P: 45, I: 80, D: 0},
	}
}

// stepFlight builds a flight where the roll setpoint steps 0 -> amplitude at
// sample 2000 and the roll gyro follows via response.
func stepFlight(n int, sampleRate, amplitude float64, response func(i int) float64) *FlightData {
	d := testFlightData(n, sampleRate, func(int) []float64 {
		return make([]float64, n)
	})

	const at = 2000
	for i := at; i < n; i++ {
		d.Setpoint[AxisRoll][i] = amplitude
		d.Gyro[AxisRoll][i] = response(i - at)
	}
	return d
}

func TestAnalyzeStepsPerfectResponse(t *testing.T) {
	// The gyro tracks the setpoint exactly: no overshoot, no ringing.
	data := stepFlight(8000, 1000, 100, func(int) float64 { return 100 })

	result, err := AnalyzeSteps(context.Background(), data, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)

	roll := result.Axes[AxisRoll]
	require.Len(t, roll.Steps, 1)

	step := roll.Steps[0]
	assert.InDelta(t, 0, step.Overshoot, 1e-9)
	assert.Zero(t, step.Ringing)
	assert.False(t, step.Degenerate)
	assert.InDelta(t, 100, step.Amplitude, 1e-9)
	assert.False(t, roll.DegenerateOnly)

	// A perfect response asks for no gain changes.
	assert.Empty(t, result.Recommendations)
}

func TestAnalyzeStepsCheckpoints(t *testing.T) {
	// Step analysis works in the time domain: no spectral stage.
	data := stepFlight(8000, 1000, 100, func(int) float64 { return 100 })

	var seen []Checkpoint
	_, err := AnalyzeSteps(context.Background(), data, testPIDs(), StyleBalanced, func(c Checkpoint) {
		seen = append(seen, c)
	})
	require.NoError(t, err)
	assert.Equal(t, []Checkpoint{
		CheckpointSegmenting, CheckpointScoring, CheckpointRecommending,
	}, seen)
}

func TestAnalyzeStepsUnderdampedResponse(t *testing.T) {
	const sampleRate = 1000.0

	// Decaying oscillation around the target: overshoot with ringing.
	data := stepFlight(8000, sampleRate, 100, func(i int) float64 {
		tsec := float64(i) / sampleRate
		return 100 * (1 + 0.45*math.Exp(-tsec/0.08)*math.Cos(2*math.Pi*25*tsec))
	})

	result, err := AnalyzeSteps(context.Background(), data, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)

	roll := result.Axes[AxisRoll]
	require.NotEmpty(t, roll.Steps)

	step := roll.Steps[0]
	assert.InDelta(t, 45, step.Overshoot, 10)
	assert.GreaterOrEqual(t, step.Ringing, 2)
	assert.False(t, step.Degenerate)

	// Overshoot with ringing wants more damping on roll, within the 25%
	// per-cycle change limit.
	recs := recsBySetting(result.Recommendations)
	require.Contains(t, recs, "roll D gain")
	assert.Greater(t, recs["roll D gain"].Recommended, 40)
	assert.LessOrEqual(t, recs["roll D gain"].Recommended, 50)
}

func TestAnalyzeStepsAggressiveStyleAcceptsMoreOvershoot(t *testing.T) {
	const sampleRate = 1000.0

	// 18% overshoot: over the balanced threshold, under the aggressive one.
	data := stepFlight(8000, sampleRate, 100, func(i int) float64 {
		tsec := float64(i) / sampleRate
		return 100 * (1 + 0.18*math.Exp(-tsec/0.05)*math.Cos(2*math.Pi*20*tsec))
	})

	balanced, err := AnalyzeSteps(context.Background(), data, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)
	assert.Contains(t, recsBySetting(balanced.Recommendations), "roll D gain")

	aggressive, err := AnalyzeSteps(context.Background(), data, testPIDs(), StyleAggressive, nil)
	require.NoError(t, err)
	assert.NotContains(t, recsBySetting(aggressive.Recommendations), "roll D gain")
}

func TestAnalyzeStepsDegenerateExcluded(t *testing.T) {
	const sampleRate = 1000.0

	// One clean response and one wild spike. The spike is degenerate
	// (instant rise, extreme overshoot) and must not poison the aggregate.
	n := 16000
	d := testFlightData(n, sampleRate, func(int) []float64 {
		return make([]float64, n)
	})

	for i := 2000; i < 6000; i++ {
		d.Setpoint[AxisRoll][i] = 100
		d.Gyro[AxisRoll][i] = 100
	}
	for i := 10000; i < n; i++ {
		d.Setpoint[AxisRoll][i] = 100
		d.Gyro[AxisRoll][i] = 400 // pinned far past the target
	}

	result, err := AnalyzeSteps(context.Background(), d, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)

	// Up at 2000, back down at 6000, degenerate up at 10000.
	roll := result.Axes[AxisRoll]
	require.Len(t, roll.Steps, 3)

	degenerates := 0
	for _, s := range roll.Steps {
		if s.Degenerate {
			degenerates++
		}
	}
	assert.Equal(t, 1, degenerates)
	assert.False(t, roll.DegenerateOnly)

	// Aggregates come from the clean steps only.
	assert.InDelta(t, 0, roll.MeanOvershoot, 1e-9)
}

func TestAnalyzeStepsAllDegenerateFallsBack(t *testing.T) {
	const sampleRate = 1000.0

	n := 8000
	d := testFlightData(n, sampleRate, func(int) []float64 {
		return make([]float64, n)
	})
	for i := 2000; i < n; i++ {
		d.Setpoint[AxisRoll][i] = 100
		d.Gyro[AxisRoll][i] = 400
	}

	result, err := AnalyzeSteps(context.Background(), d, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)

	roll := result.Axes[AxisRoll]
	require.NotEmpty(t, roll.Steps)
	assert.True(t, roll.DegenerateOnly)
	assert.Greater(t, roll.MeanOvershoot, 150.0)
}

func TestAnalyzeStepsIgnoresSmallWobble(t *testing.T) {
	const sampleRate = 1000.0

	n := 8000
	d := testFlightData(n, sampleRate, func(int) []float64 {
		return make([]float64, n)
	})
	// A 20 deg/s wiggle is below the step amplitude threshold.
	for i := 2000; i < 6000; i++ {
		d.Setpoint[AxisRoll][i] = 20
		d.Gyro[AxisRoll][i] = 20
	}

	result, err := AnalyzeSteps(context.Background(), d, testPIDs(), StyleBalanced, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Axes[AxisRoll].Steps)
}

func TestMeasureStepMetrics(t *testing.T) {
	const sampleRate = 1000.0

	// Linear rise over 20 samples, then settled.
	gyro := make([]float64, 600)
	for i := range gyro {
		switch {
		case i < 20:
			gyro[i] = float64(i) * 5 // reaches 100 at sample 20
		default:
			gyro[i] = 100
		}
	}

	m := measureStep(0, 100, gyro, sampleRate)

	// 10% at sample 2, 90% at sample 18.
	assert.Equal(t, 2*time.Millisecond, m.Latency)
	assert.Equal(t, 16*time.Millisecond, m.RiseTime)
	assert.InDelta(t, 0, m.Overshoot, 1e-9)
	assert.False(t, m.Degenerate)

	// Settled once inside the ±5% band: |gyro-100| <= 5 from sample 19 on.
	assert.Equal(t, 19*time.Millisecond, m.Settling)
}
