package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/device"
)

// testFlightData builds a flight whose gyro axes are produced by gen.
func testFlightData(n int, sampleRate float64, gen func(axis int) []float64) *FlightData {
	d := &FlightData{SampleRate: sampleRate}
	d.TimeUs = make([]int64, n)
	for i := range d.TimeUs {
		d.TimeUs[i] = int64(float64(i) / sampleRate * 1e6)
	}
	for axis := 0; axis < 3; axis++ {
		d.Gyro[axis] = gen(axis)
		d.Setpoint[axis] = make([]float64, n)
	}
	d.Throttle = constant(n, 1500)
	return d
}

func testFilters() *device.FilterConfig {
	return &device.FilterConfig{
		GyroLowpass1Hz:  250,
		DtermLowpass1Hz: 100,
		DynNotchMinHz:   150,
		DynNotchMaxHz:   600,
	}
}

func TestAnalyzeNoiseQuietRaisesCutoffs(t *testing.T) {
	const n = 16384
	data := testFlightData(n, 2000, func(axis int) []float64 {
		r := &prng{state: uint64(axis) + 1}
		out := make([]float64, n)
		for i := range out {
			out[i] = 0.5 * r.next()
		}
		return out
	})

	result, err := AnalyzeNoise(context.Background(), data, testFilters(), nil)
	require.NoError(t, err)

	for _, ax := range result.Axes {
		assert.Empty(t, ax.Peaks, "white noise must not produce peaks on %s", AxisName(ax.Axis))
	}

	recs := recsBySetting(result.Recommendations)
	require.Contains(t, recs, "gyro_lpf1_static_hz")
	assert.Greater(t, recs["gyro_lpf1_static_hz"].Recommended, 250)
	assert.LessOrEqual(t, recs["gyro_lpf1_static_hz"].Recommended, 500)
	assert.Equal(t, ImpactLatency, recs["gyro_lpf1_static_hz"].Impact)
	assert.NotEmpty(t, recs["gyro_lpf1_static_hz"].Reason)
}

func TestAnalyzeNoiseNoisyLowersCutoffs(t *testing.T) {
	const n = 16384
	const sampleRate = 2000.0

	data := testFlightData(n, sampleRate, func(axis int) []float64 {
		r := &prng{state: uint64(axis) + 10}
		out := make([]float64, n)
		for i := range out {
			out[i] = 0.2 * r.next()
		}
		// Three strong tones per axis make it unambiguously noisy.
		addIn(out, sine(n, 150, sampleRate, 20))
		addIn(out, sine(n, 320, sampleRate, 15))
		addIn(out, sine(n, 610, sampleRate, 12))
		return out
	})

	result, err := AnalyzeNoise(context.Background(), data, testFilters(), nil)
	require.NoError(t, err)

	for _, ax := range result.Axes {
		assert.GreaterOrEqual(t, len(ax.Peaks), 3, "axis %s", AxisName(ax.Axis))
	}

	recs := recsBySetting(result.Recommendations)
	require.Contains(t, recs, "gyro_lpf1_static_hz")
	assert.Less(t, recs["gyro_lpf1_static_hz"].Recommended, 250)
	assert.GreaterOrEqual(t, recs["gyro_lpf1_static_hz"].Recommended, 0)
	assert.Equal(t, ImpactNoise, recs["gyro_lpf1_static_hz"].Impact)

	require.Contains(t, recs, "dterm_lpf1_static_hz")
	assert.Less(t, recs["dterm_lpf1_static_hz"].Recommended, 100)
}

func TestAnalyzeNoiseClampsToSafetyBounds(t *testing.T) {
	const n = 16384
	data := testFlightData(n, 2000, func(axis int) []float64 {
		r := &prng{state: uint64(axis) + 30}
		out := make([]float64, n)
		for i := range out {
			out[i] = 0.5 * r.next()
		}
		return out
	})

	filters := testFilters()
	filters.GyroLowpass1Hz = 450
	filters.RPMHarmonics = 3 // widened raise allowance must still clamp

	result, err := AnalyzeNoise(context.Background(), data, filters, nil)
	require.NoError(t, err)

	recs := recsBySetting(result.Recommendations)
	require.Contains(t, recs, "gyro_lpf1_static_hz")
	assert.Equal(t, 500, recs["gyro_lpf1_static_hz"].Recommended)
}

func TestAnalyzeNoiseDisabledStageUntouched(t *testing.T) {
	const n = 16384
	data := testFlightData(n, 2000, func(axis int) []float64 {
		r := &prng{state: uint64(axis) + 40}
		out := make([]float64, n)
		for i := range out {
			out[i] = 0.5 * r.next()
		}
		return out
	})

	filters := testFilters()
	filters.DtermLowpass1Hz = 0

	result, err := AnalyzeNoise(context.Background(), data, filters, nil)
	require.NoError(t, err)

	recs := recsBySetting(result.Recommendations)
	assert.NotContains(t, recs, "dterm_lpf1_static_hz")
}

func TestAnalyzeNoiseProgressAndCancellation(t *testing.T) {
	const n = 16384
	data := testFlightData(n, 2000, func(axis int) []float64 {
		r := &prng{state: uint64(axis) + 50}
		out := make([]float64, n)
		for i := range out {
			out[i] = r.next()
		}
		return out
	})

	var seen []Checkpoint
	_, err := AnalyzeNoise(context.Background(), data, testFilters(), func(c Checkpoint) {
		seen = append(seen, c)
	})
	require.NoError(t, err)
	assert.Equal(t, []Checkpoint{
		CheckpointSegmenting, CheckpointSpectral, CheckpointScoring, CheckpointRecommending,
	}, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AnalyzeNoise(ctx, data, testFilters(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func recsBySetting(recs []Recommendation) map[string]Recommendation {
	out := make(map[string]Recommendation, len(recs))
	for _, r := range recs {
		out[r.Setting] = r
	}
	return out
}
