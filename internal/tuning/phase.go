package tuning

import "fmt"

// Phase is one step of the guided tuning cycle. A session walks the chain
// strictly in order: two flight/analyze/apply rounds (filters first, then
// PIDs), an optional verification flight, and a terminal completed state.
type Phase int

const (
	PhaseFilterFlightPending Phase = iota
	PhaseFilterLogReady
	PhaseFilterAnalysis
	PhaseFilterApplied
	PhasePIDFlightPending
	PhasePIDLogReady
	PhasePIDAnalysis
	PhasePIDApplied
	PhaseVerificationPending
	PhaseCompleted
)

var phaseNames = map[Phase]string{
	PhaseFilterFlightPending: "filter_flight_pending",
	PhaseFilterLogReady:      "filter_log_ready",
	PhaseFilterAnalysis:      "filter_analysis",
	PhaseFilterApplied:       "filter_applied",
	PhasePIDFlightPending:    "pid_flight_pending",
	PhasePIDLogReady:         "pid_log_ready",
	PhasePIDAnalysis:         "pid_analysis",
	PhasePIDApplied:          "pid_applied",
	PhaseVerificationPending: "verification_pending",
	PhaseCompleted:           "completed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether the phase ends the cycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted
}

// ParsePhase converts a persisted phase name back to its value.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// CanTransition reports whether a session may move from one phase directly
// to another. Only the immediate successor is ever reachable: skipping
// verification still passes through verification_pending, and no action may
// jump a flight or analysis step.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	return to == from+1 && to <= PhaseCompleted
}
