package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/device"
)

func TestEstimateGroupDelayNoFilters(t *testing.T) {
	r := EstimateGroupDelay(&device.FilterConfig{}, 0, 0)

	assert.Zero(t, r.GyroPathMs)
	assert.Zero(t, r.DtermPathMs)
	assert.Empty(t, r.Contributions)
	assert.Empty(t, r.Warning)
	assert.Equal(t, DefaultDelayReferenceHz, r.ReferenceHz)
}

func TestEstimateGroupDelayPT1ClosedForm(t *testing.T) {
	// tau = 1/(2*pi*100) = 1.5915 ms; at 80 Hz, w*tau = 0.8:
	// 1.5915 / (1 + 0.64) = 0.9705 ms.
	r := EstimateGroupDelay(&device.FilterConfig{GyroLowpass1Hz: 100}, 80, 0)

	require.Len(t, r.Contributions, 1)
	assert.Equal(t, "gyro_lpf1", r.Contributions[0].Stage)
	assert.InDelta(t, 0.9705, r.GyroPathMs, 0.001)
	assert.Zero(t, r.DtermPathMs)
}

func TestEstimateGroupDelayLowerCutoffMoreDelay(t *testing.T) {
	// Above the reference frequency, a lower cutoff means more delay.
	delayAt := func(cutoff uint16) float64 {
		return EstimateGroupDelay(&device.FilterConfig{GyroLowpass1Hz: cutoff}, 80, 0).GyroPathMs
	}

	assert.Greater(t, delayAt(100), delayAt(200))
	assert.Greater(t, delayAt(200), delayAt(400))
}

func TestEstimateGroupDelayPathsSeparate(t *testing.T) {
	r := EstimateGroupDelay(&device.FilterConfig{
		GyroLowpass1Hz:  200,
		DtermLowpass1Hz: 100,
	}, 0, 0)

	assert.Greater(t, r.GyroPathMs, 0.0)
	assert.Greater(t, r.DtermPathMs, 0.0)
	assert.NotEqual(t, r.GyroPathMs, r.DtermPathMs)
}

func TestEstimateGroupDelayWarning(t *testing.T) {
	// A biquad at 60 Hz has well over 2 ms of group delay at 80 Hz.
	slow := EstimateGroupDelay(&device.FilterConfig{
		GyroLowpass1Hz:   60,
		GyroLowpass1Type: 1,
	}, 0, 0)
	assert.NotEmpty(t, slow.Warning)

	fast := EstimateGroupDelay(&device.FilterConfig{GyroLowpass1Hz: 250}, 0, 0)
	assert.Empty(t, fast.Warning)
}

func TestEstimateGroupDelayNotchContribution(t *testing.T) {
	// A notch centered at 200 Hz adds little at the 80 Hz reference; the
	// same energy removed with a lowpass would cost much more.
	withNotch := EstimateGroupDelay(&device.FilterConfig{
		GyroNotch1Hz:     200,
		GyroNotch1Cutoff: 160,
	}, 0, 0)
	withLowpass := EstimateGroupDelay(&device.FilterConfig{
		GyroLowpass1Hz: 100,
	}, 0, 0)

	assert.Less(t, withNotch.GyroPathMs, withLowpass.GyroPathMs)
}
