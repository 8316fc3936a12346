package tuning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/device"
)

// Orchestrator errors.
var (
	ErrSessionExists  = errors.New("tuning: session already active")
	ErrBadTransition  = errors.New("tuning: transition not allowed")
	ErrWrongPhase     = errors.New("tuning: operation not valid in current phase")
	ErrUnknownSetting = errors.New("tuning: recommendation names an unknown setting")
)

// DeviceClient is the slice of the device API the orchestrator needs. The
// concrete *device.Client satisfies it; the UI layer wires the two together.
type DeviceClient interface {
	TakeSnapshot(ctx context.Context) (*device.Snapshot, error)
	SetSetting(ctx context.Context, name, value string) error
	SaveCLI(ctx context.Context) error

	PIDs(ctx context.Context) (*device.PIDProfile, error)
	SetPIDs(ctx context.Context, p *device.PIDProfile) error
	FeedforwardConfig(ctx context.Context) (*device.FeedforwardConfig, error)
	SetFeedforwardConfig(ctx context.Context, f *device.FeedforwardConfig) error
	SaveAndReboot(ctx context.Context) error

	DataflashSummary(ctx context.Context) (*device.DataflashSummary, error)
}

var _ DeviceClient = (*device.Client)(nil)

// Pipeline is the analysis surface the UI layer drives between phases. It is
// declared here so consumers depend on the orchestrator package alone.
type Pipeline interface {
	SegmentSteadyThrottle(throttle []float64, sampleRate float64, cfg analysis.SegmentConfig) []analysis.Segment
	AnalyzeNoise(ctx context.Context, data *analysis.FlightData, filters *device.FilterConfig, progress analysis.ProgressFunc) (*analysis.NoiseResult, error)
	AnalyzeSteps(ctx context.Context, data *analysis.FlightData, pids *device.PIDProfile, style analysis.Style, progress analysis.ProgressFunc) (*analysis.StepResult, error)
	AnalyzeChirp(ctx context.Context, data *analysis.FlightData, forced *analysis.Segment, progress analysis.ProgressFunc) (*analysis.ChirpResult, error)
}

// eventBuffer bounds the Watch channel so a slow consumer cannot stall a
// phase transition; overflow drops the oldest pending event.
const eventBuffer = 16

// Orchestrator sequences the tuning cycle for connected devices. Every
// committed phase transition is persisted before it becomes observable
// through Session or Watch.
type Orchestrator struct {
	store  Store
	dev    DeviceClient
	logger *slog.Logger

	mu     sync.Mutex
	events chan Event
	closed bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator over the given store and device.
func NewOrchestrator(store Store, dev DeviceClient, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		dev:    dev,
		events: make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Watch returns the change-notification stream. The channel closes when the
// orchestrator is closed.
func (o *Orchestrator) Watch() <-chan Event {
	return o.events
}

// Close shuts the notification stream down. The store is not closed; it may
// outlive the orchestrator.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for {
		select {
		case o.events <- ev:
			return
		default:
			select {
			case <-o.events: // drop oldest
			default:
			}
		}
	}
}

// Start creates a new session for the profile in the first phase. The
// existing session is returned with ErrSessionExists when one is active.
func (o *Orchestrator) Start(ctx context.Context, profileID string) (*TuningSession, error) {
	if existing, err := o.store.Session(ctx, profileID); err == nil {
		return existing, ErrSessionExists
	} else if !errors.Is(err, ErrNoSession) {
		return nil, fmt.Errorf("checking for active session: %w", err)
	}

	now := time.Now().UTC()
	session := &TuningSession{
		ID:        uuid.New(),
		ProfileID: profileID,
		Phase:     PhaseFilterFlightPending,
		CreatedAt: now,
		UpdatedAt: now,
		Timeline:  []PhaseRecord{{Phase: PhaseFilterFlightPending, At: now}},
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	o.logger.Info("tuning session started", "profile", profileID, "session", session.ID)
	o.emit(Event{Type: EventSessionStarted, ProfileID: profileID, Phase: session.Phase, At: now})
	return session, nil
}

// Session returns the active session for a profile.
func (o *Orchestrator) Session(ctx context.Context, profileID string) (*TuningSession, error) {
	return o.store.Session(ctx, profileID)
}

// Records returns the archived cycles for a profile.
func (o *Orchestrator) Records(ctx context.Context, profileID string) ([]*CompletedTuningRecord, error) {
	return o.store.Records(ctx, profileID)
}

// Reset discards the active session without archiving it.
func (o *Orchestrator) Reset(ctx context.Context, profileID string) error {
	if err := o.store.DeleteSession(ctx, profileID); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	o.logger.Info("tuning session reset", "profile", profileID)
	return nil
}

// Advance moves the session to the next phase. Transitions that skip a phase
// are rejected with ErrBadTransition. Advancing into the completed phase
// archives the session.
func (o *Orchestrator) Advance(ctx context.Context, profileID string, to Phase) error {
	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}
	return o.advance(ctx, session, to)
}

func (o *Orchestrator) advance(ctx context.Context, session *TuningSession, to Phase) error {
	if !CanTransition(session.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, session.Phase, to)
	}

	now := time.Now().UTC()
	session.Phase = to
	session.UpdatedAt = now
	session.Timeline = append(session.Timeline, PhaseRecord{Phase: to, At: now})

	if to == PhaseCompleted {
		if err := o.archive(ctx, session, OutcomeCompleted); err != nil {
			return err
		}
	} else if err := o.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}

	o.logger.Info("phase advanced", "profile", session.ProfileID, "phase", to.String())
	o.emit(Event{Type: EventPhaseChanged, ProfileID: session.ProfileID, Phase: to, At: now})
	return nil
}

// SkipVerification ends the cycle from verification_pending without a
// verification flight.
func (o *Orchestrator) SkipVerification(ctx context.Context, profileID string) error {
	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}
	if session.Phase != PhaseVerificationPending {
		return fmt.Errorf("%w: %s", ErrWrongPhase, session.Phase)
	}
	return o.advance(ctx, session, PhaseCompleted)
}

// Dismiss abandons the cycle from any phase, archiving what was done so far.
func (o *Orchestrator) Dismiss(ctx context.Context, profileID string) error {
	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	session.UpdatedAt = now
	if err := o.archive(ctx, session, OutcomeDismissed); err != nil {
		return err
	}

	o.logger.Info("tuning session dismissed", "profile", profileID, "phase", session.Phase.String())
	o.emit(Event{Type: EventSessionArchived, ProfileID: profileID, Phase: session.Phase, At: now})
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, session *TuningSession, outcome Outcome) error {
	record := &CompletedTuningRecord{
		ID:             uuid.New(),
		SessionID:      session.ID,
		ProfileID:      session.ProfileID,
		Outcome:        outcome,
		StartedAt:      session.CreatedAt,
		FinishedAt:     session.UpdatedAt,
		Timeline:       session.Timeline,
		AppliedChanges: session.AppliedChanges,
		Metrics:        session.Metrics,
	}
	if err := o.store.ArchiveSession(ctx, record); err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}
	if outcome == OutcomeCompleted {
		o.emit(Event{Type: EventSessionArchived, ProfileID: session.ProfileID, Phase: PhaseCompleted, At: session.UpdatedAt})
	}
	return nil
}

// HandleConnect runs the reconnect checks for a profile. In a flight-pending
// phase it queries the flash summary and auto-advances when the pilot flew
// while disconnected. In an applied phase it captures the post-change
// snapshot the reboot interrupted.
func (o *Orchestrator) HandleConnect(ctx context.Context, profileID string) error {
	session, err := o.store.Session(ctx, profileID)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}

	switch session.Phase {
	case PhaseFilterFlightPending, PhasePIDFlightPending:
		summary, err := o.dev.DataflashSummary(ctx)
		if err != nil {
			return fmt.Errorf("querying flash summary: %w", err)
		}
		if summary.UsedSize == 0 {
			return nil
		}
		o.logger.Info("flight data found on reconnect",
			"profile", profileID, "used", summary.UsedSize, "phase", session.Phase.String())
		return o.advance(ctx, session, session.Phase+1)

	case PhaseFilterApplied, PhasePIDApplied:
		if session.PostSnapshotID != uuid.Nil {
			return nil
		}
		snap, err := o.dev.TakeSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("taking post-apply snapshot: %w", err)
		}
		session.PostSnapshotID = snap.ID
		session.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("persisting snapshot reference: %w", err)
		}
		return nil
	}

	return nil
}

// ApplyFilterChanges writes accepted filter recommendations to the device
// over the CLI channel, saves, and commits the filter_analysis ->
// filter_applied transition. Any device failure aborts before the phase is
// committed.
func (o *Orchestrator) ApplyFilterChanges(ctx context.Context, profileID string, recs []analysis.Recommendation) error {
	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}
	if session.Phase != PhaseFilterAnalysis {
		return fmt.Errorf("%w: %s", ErrWrongPhase, session.Phase)
	}

	snap, err := o.dev.TakeSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("taking safety snapshot: %w", err)
	}

	applied := make([]AppliedChange, 0, len(recs))
	for _, rec := range recs {
		if err := o.dev.SetSetting(ctx, rec.Setting, strconv.Itoa(rec.Recommended)); err != nil {
			return fmt.Errorf("setting %s: %w", rec.Setting, err)
		}
		applied = append(applied, AppliedChange{
			Setting:  rec.Setting,
			Previous: rec.Current,
			Applied:  rec.Recommended,
			Channel:  ChannelCLI,
			Reason:   rec.Reason,
		})
	}

	// The save reboots the device; the post-change snapshot is taken by
	// HandleConnect once it comes back.
	if err := o.dev.SaveCLI(ctx); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}

	session.PreSnapshotID = snap.ID
	session.PostSnapshotID = uuid.Nil
	session.AppliedChanges = append(session.AppliedChanges, applied...)
	return o.advance(ctx, session, PhaseFilterApplied)
}

// ApplyPIDChanges writes accepted gain recommendations to the device over
// the binary channel, saves, and commits the pid_analysis -> pid_applied
// transition. PID terms go to the PID profile; "<axis> F gain" settings go
// to the feedforward configuration, fetched only when one is present.
func (o *Orchestrator) ApplyPIDChanges(ctx context.Context, profileID string, recs []analysis.Recommendation) error {
	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}
	if session.Phase != PhasePIDAnalysis {
		return fmt.Errorf("%w: %s", ErrWrongPhase, session.Phase)
	}

	snap, err := o.dev.TakeSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("taking safety snapshot: %w", err)
	}

	pids, err := o.dev.PIDs(ctx)
	if err != nil {
		return fmt.Errorf("reading gains: %w", err)
	}

	var ff *device.FeedforwardConfig
	applied := make([]AppliedChange, 0, len(recs))
	for _, rec := range recs {
		if isFeedforwardRec(rec.Setting) {
			if ff == nil {
				if ff, err = o.dev.FeedforwardConfig(ctx); err != nil {
					return fmt.Errorf("reading feedforward config: %w", err)
				}
			}
			if err := applyFeedforwardRec(ff, rec); err != nil {
				return err
			}
		} else if err := applyGainRec(pids, rec); err != nil {
			return err
		}
		applied = append(applied, AppliedChange{
			Setting:  rec.Setting,
			Previous: rec.Current,
			Applied:  rec.Recommended,
			Channel:  ChannelBinary,
			Reason:   rec.Reason,
		})
	}

	if err := o.dev.SetPIDs(ctx, pids); err != nil {
		return fmt.Errorf("writing gains: %w", err)
	}
	if ff != nil {
		if err := o.dev.SetFeedforwardConfig(ctx, ff); err != nil {
			return fmt.Errorf("writing feedforward config: %w", err)
		}
	}
	if err := o.dev.SaveAndReboot(ctx); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}

	session.PreSnapshotID = snap.ID
	session.PostSnapshotID = uuid.Nil
	session.AppliedChanges = append(session.AppliedChanges, applied...)
	return o.advance(ctx, session, PhasePIDApplied)
}

// applyGainRec maps a "<axis> <term> gain" recommendation onto the profile.
func applyGainRec(pids *device.PIDProfile, rec analysis.Recommendation) error {
	parts := strings.Fields(rec.Setting)
	if len(parts) != 3 || parts[2] != "gain" {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, rec.Setting)
	}

	var terms *device.PIDTerms
	switch parts[0] {
	case "roll":
		terms = &pids.Roll
	case "pitch":
		terms = &pids.Pitch
	case "yaw":
		terms = &pids.Yaw
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, rec.Setting)
	}

	if rec.Recommended < 0 || rec.Recommended > 255 {
		return fmt.Errorf("%w: %q value %d out of range", ErrUnknownSetting, rec.Setting, rec.Recommended)
	}
	v := uint8(rec.Recommended)

	switch parts[1] {
	case "P":
		terms.P = v
	case "I":
		terms.I = v
	case "D":
		terms.D = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, rec.Setting)
	}
	return nil
}

// feedforwardGainMax mirrors the firmware's per-axis feedforward bound.
const feedforwardGainMax = 2000

func isFeedforwardRec(setting string) bool {
	parts := strings.Fields(setting)
	return len(parts) == 3 && parts[1] == "F" && parts[2] == "gain"
}

// applyFeedforwardRec maps a "<axis> F gain" recommendation onto the
// feedforward configuration.
func applyFeedforwardRec(ff *device.FeedforwardConfig, rec analysis.Recommendation) error {
	var gain *uint16
	switch strings.Fields(rec.Setting)[0] {
	case "roll":
		gain = &ff.Roll
	case "pitch":
		gain = &ff.Pitch
	case "yaw":
		gain = &ff.Yaw
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, rec.Setting)
	}

	if rec.Recommended < 0 || rec.Recommended > feedforwardGainMax {
		return fmt.Errorf("%w: %q value %d out of range", ErrUnknownSetting, rec.Setting, rec.Recommended)
	}
	*gain = uint16(rec.Recommended)
	return nil
}

// AttachMetrics folds analysis results into the session so the archived
// record carries compact curves and headline numbers.
func (o *Orchestrator) AttachMetrics(ctx context.Context, profileID string,
	noise *analysis.NoiseResult, steps *analysis.StepResult, chirp *analysis.ChirpResult) error {

	session, err := o.store.Session(ctx, profileID)
	if err != nil {
		return err
	}

	if session.Metrics == nil {
		session.Metrics = new(CompactMetrics)
	}
	if noise != nil {
		session.Metrics.CompactFromNoise(noise)
	}
	if steps != nil {
		session.Metrics.CompactFromSteps(steps)
	}
	if chirp != nil {
		session.Metrics.CompactFromChirp(chirp)
	}

	session.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("persisting metrics: %w", err)
	}
	return nil
}
