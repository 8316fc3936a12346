package blackbox

import (
	"fmt"
)

// Session is one decoded flight log: a parsed header plus per-field value
// columns for the main (intra/inter) frame stream, aligned by sample.
type Session struct {
	Header *Header

	// Fields names the main-frame columns, in log order.
	Fields []string

	// Values holds one column per main-frame field; all columns have equal
	// length. Values[i][k] is field i's value in the k-th decoded frame.
	Values [][]int64

	// Slow holds the latest slow-frame values sampled at each main frame,
	// one column per slow field (empty when the log has no slow frames).
	SlowFields []string
	Slow       [][]int64

	// CorruptFrames counts frames discarded for structural damage.
	CorruptFrames int
	// EndReached is true when the explicit end-of-log marker was seen.
	EndReached bool

	fieldIndex map[string]int
}

// Frames returns the number of decoded main frames.
func (s *Session) Frames() int {
	if len(s.Values) == 0 {
		return 0
	}
	return len(s.Values[0])
}

// Series returns the raw column for a named main-frame field, or nil when the
// log does not carry it.
func (s *Session) Series(name string) []int64 {
	i, ok := s.fieldIndex[name]
	if !ok {
		return nil
	}
	return s.Values[i]
}

// TimeUs returns the frame timestamps in microseconds.
func (s *Session) TimeUs() []int64 {
	return s.Series("time")
}

// Gyro returns one axis of gyro data scaled to degrees per second.
func (s *Session) Gyro(axis int) []float64 {
	return scale(s.Series(fmt.Sprintf("gyroADC[%d]", axis)), s.Header.GyroScale)
}

// Setpoint returns one axis of setpoint data in degrees per second (axis 3 is
// throttle). Logs predating the setpoint fields fall back to rcCommand.
func (s *Session) Setpoint(axis int) []float64 {
	if v := s.Series(fmt.Sprintf("setpoint[%d]", axis)); v != nil {
		return scale(v, 1)
	}
	return scale(s.Series(fmt.Sprintf("rcCommand[%d]", axis)), 1)
}

// Throttle returns the throttle command series.
func (s *Session) Throttle() []float64 {
	if v := s.Series("rcCommand[3]"); v != nil {
		return scale(v, 1)
	}
	return s.Setpoint(3)
}

// Motor returns one motor output channel.
func (s *Session) Motor(i int) []float64 {
	return scale(s.Series(fmt.Sprintf("motor[%d]", i)), 1)
}

// PIDTerm returns one PID contribution series: term is "P", "I", "D" or "F".
func (s *Session) PIDTerm(term string, axis int) []float64 {
	return scale(s.Series(fmt.Sprintf("axis%s[%d]", term, axis)), 1)
}

// Debug returns one debug channel.
func (s *Session) Debug(i int) []float64 {
	return scale(s.Series(fmt.Sprintf("debug[%d]", i)), 1)
}

func scale(v []int64, factor float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) * factor
	}
	return out
}
