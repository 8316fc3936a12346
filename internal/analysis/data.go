// Package analysis turns decoded flight data into filter and PID tuning
// recommendations. Every entry point is a pure function of its inputs that
// reports coarse progress checkpoints and honors cancellation between them,
// so callers can run large logs off the interactive path.
package analysis

import (
	"github.com/skylark-fpv/fctuner/internal/blackbox"
)

// Axis indices for gyro and setpoint channels.
const (
	AxisRoll = iota
	AxisPitch
	AxisYaw
)

var axisNames = [3]string{"roll", "pitch", "yaw"}

// AxisName returns the lowercase axis label.
func AxisName(axis int) string {
	if axis < 0 || axis >= len(axisNames) {
		return "unknown"
	}
	return axisNames[axis]
}

// FlightData is the channel view of one log session the pipeline consumes.
type FlightData struct {
	SampleRate float64 // Hz
	TimeUs     []int64

	Gyro     [3][]float64 // degrees per second
	Setpoint [3][]float64 // degrees per second
	Throttle []float64    // command units, typically 1000..2000
	Motor    [][]float64
	Debug    [][]float64

	// CorruptRatio is the fraction of damaged frames in the source log,
	// folded into result quality scores.
	CorruptRatio float64
}

// FromSession extracts the pipeline's channels from a decoded log session.
func FromSession(s *blackbox.Session) *FlightData {
	d := &FlightData{
		SampleRate: s.Header.SampleRate(),
		TimeUs:     s.TimeUs(),
		Throttle:   s.Throttle(),
	}

	for axis := 0; axis < 3; axis++ {
		d.Gyro[axis] = s.Gyro(axis)
		d.Setpoint[axis] = s.Setpoint(axis)
	}
	for i := 0; ; i++ {
		m := s.Motor(i)
		if m == nil {
			break
		}
		d.Motor = append(d.Motor, m)
	}
	for i := 0; ; i++ {
		dbg := s.Debug(i)
		if dbg == nil {
			break
		}
		d.Debug = append(d.Debug, dbg)
	}

	if n := s.Frames(); n > 0 {
		d.CorruptRatio = float64(s.CorruptFrames) / float64(n+s.CorruptFrames)
	}
	return d
}

// Samples returns the number of samples in the shortest populated channel.
func (d *FlightData) Samples() int {
	n := len(d.TimeUs)
	for axis := 0; axis < 3; axis++ {
		if len(d.Gyro[axis]) > 0 && len(d.Gyro[axis]) < n {
			n = len(d.Gyro[axis])
		}
	}
	return n
}

// Duration returns the log length in seconds.
func (d *FlightData) Duration() float64 {
	if len(d.TimeUs) < 2 {
		return 0
	}
	return float64(d.TimeUs[len(d.TimeUs)-1]-d.TimeUs[0]) / 1e6
}
