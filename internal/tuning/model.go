package tuning

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/skylark-fpv/fctuner/internal/analysis"
)

// compactSeriesMax bounds every persisted metric series so archived records
// stay small enough to embed in UI payloads.
const compactSeriesMax = 64

// ChangeChannel records which transport wrote a setting to the device.
type ChangeChannel string

const (
	ChannelCLI    ChangeChannel = "cli"
	ChannelBinary ChangeChannel = "binary"
)

// AppliedChange is one setting written to the device during an apply step.
type AppliedChange struct {
	Setting  string        `json:"setting"`
	Previous int           `json:"previous"`
	Applied  int           `json:"applied"`
	Channel  ChangeChannel `json:"channel"`
	Reason   string        `json:"reason,omitempty"`
}

// CompactSeries is a downsampled curve suitable for archival and plotting.
type CompactSeries struct {
	Freqs  []float64 `json:"freqs,omitempty"`
	Values []float64 `json:"values"`
}

// CompactMetrics carries the headline numbers and downsampled curves from
// the analysis results a session produced. Full spectra and per-step detail
// stay with the log files; only this summary is persisted.
type CompactMetrics struct {
	NoiseFloorDB []float64       `json:"noiseFloorDb,omitempty"` // per axis
	GyroSpectra  []CompactSeries `json:"gyroSpectra,omitempty"`  // per axis, dB

	MeanOvershoot float64 `json:"meanOvershoot,omitempty"`
	MeanRiseMs    float64 `json:"meanRiseMs,omitempty"`
	MeanSettleMs  float64 `json:"meanSettleMs,omitempty"`

	Bandwidth3dB   float64 `json:"bandwidth3db,omitempty"`
	PhaseMarginDeg float64 `json:"phaseMarginDeg,omitempty"`
	GainMarginDB   float64 `json:"gainMarginDb,omitempty"`

	NoiseQuality float64 `json:"noiseQuality,omitempty"`
	StepQuality  float64 `json:"stepQuality,omitempty"`
}

// TuningSession is the persistent state of one in-progress cycle, keyed by
// the device profile. Only the orchestrator mutates it.
type TuningSession struct {
	ID        uuid.UUID `json:"id"`
	ProfileID string    `json:"profileId"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	PreSnapshotID  uuid.UUID `json:"preSnapshotId,omitempty"`
	PostSnapshotID uuid.UUID `json:"postSnapshotId,omitempty"`

	Timeline       []PhaseRecord   `json:"timeline,omitempty"`
	AppliedChanges []AppliedChange `json:"appliedChanges,omitempty"`
	Metrics        *CompactMetrics `json:"metrics,omitempty"`
}

// PhaseRecord is one committed transition in a session's timeline.
type PhaseRecord struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Outcome says how an archived cycle ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDismissed Outcome = "dismissed"
)

// CompletedTuningRecord is the archived form of a finished or dismissed
// session.
type CompletedTuningRecord struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	ProfileID string    `json:"profileId"`
	Outcome   Outcome   `json:"outcome"`

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Timeline   []PhaseRecord `json:"timeline"`

	AppliedChanges []AppliedChange `json:"appliedChanges,omitempty"`
	Metrics        *CompactMetrics `json:"metrics,omitempty"`
}

// EventType classifies orchestrator notifications.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventPhaseChanged    EventType = "phase_changed"
	EventSessionArchived EventType = "session_archived"
)

// Event is one change notification delivered through Watch.
type Event struct {
	Type      EventType `json:"type"`
	ProfileID string    `json:"profileId"`
	Phase     Phase     `json:"phase"`
	At        time.Time `json:"at"`
}

// CompactFromNoise folds a noise result into the session metrics.
func (m *CompactMetrics) CompactFromNoise(r *analysis.NoiseResult) {
	m.NoiseFloorDB = m.NoiseFloorDB[:0]
	m.GyroSpectra = m.GyroSpectra[:0]
	for _, ax := range r.Axes {
		m.NoiseFloorDB = append(m.NoiseFloorDB, ax.NoiseFloorDB)
		if ax.Spectrum == nil {
			continue
		}
		db := make([]float64, len(ax.Spectrum.Power))
		for i, p := range ax.Spectrum.Power {
			if p <= 0 {
				db[i] = -200
				continue
			}
			db[i] = 10 * math.Log10(p)
		}
		m.GyroSpectra = append(m.GyroSpectra, CompactSeries{
			Freqs:  analysis.Downsample(ax.Spectrum.Freqs, compactSeriesMax),
			Values: analysis.Downsample(db, compactSeriesMax),
		})
	}
	m.NoiseQuality = r.Quality
}

// CompactFromSteps folds a step-response result into the session metrics,
// averaging the per-axis aggregates over the axes that saw steps.
func (m *CompactMetrics) CompactFromSteps(r *analysis.StepResult) {
	var n float64
	var overshoot, rise, settle float64
	for _, ax := range r.Axes {
		if len(ax.Steps) == 0 {
			continue
		}
		n++
		overshoot += ax.MeanOvershoot
		rise += float64(ax.MeanRiseTime.Microseconds()) / 1000
		settle += float64(ax.MeanSettling.Microseconds()) / 1000
	}
	if n > 0 {
		m.MeanOvershoot = overshoot / n
		m.MeanRiseMs = rise / n
		m.MeanSettleMs = settle / n
	}
	m.StepQuality = r.Quality
}

// CompactFromChirp folds system-identification metrics into the session
// metrics. Unmeasured margins are left out rather than archived as if they
// had been observed.
func (m *CompactMetrics) CompactFromChirp(r *analysis.ChirpResult) {
	if !r.Detected {
		return
	}
	m.Bandwidth3dB = r.Bandwidth3dB
	if r.PhaseMarginMeasured {
		m.PhaseMarginDeg = r.PhaseMarginDeg
	}
	if r.GainMarginMeasured {
		m.GainMarginDB = r.GainMarginDB
	}
}
