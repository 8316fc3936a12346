package tuning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-fpv/fctuner/internal/analysis"
	"github.com/skylark-fpv/fctuner/internal/device"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	sessions map[string]*TuningSession
	records  []*CompletedTuningRecord
	updates  int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*TuningSession)}
}

func (m *memStore) CreateSession(_ context.Context, s *TuningSession) error {
	if _, ok := m.sessions[s.ProfileID]; ok {
		return errors.New("duplicate session")
	}
	cp := *s
	m.sessions[s.ProfileID] = &cp
	return nil
}

func (m *memStore) Session(_ context.Context, profileID string) (*TuningSession, error) {
	s, ok := m.sessions[profileID]
	if !ok {
		return nil, ErrNoSession
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSession(_ context.Context, s *TuningSession) error {
	for _, existing := range m.sessions {
		if existing.ID == s.ID {
			cp := *s
			m.sessions[s.ProfileID] = &cp
			m.updates++
			return nil
		}
	}
	return ErrNoSession
}

func (m *memStore) DeleteSession(_ context.Context, profileID string) error {
	delete(m.sessions, profileID)
	return nil
}

func (m *memStore) ArchiveSession(_ context.Context, r *CompletedTuningRecord) error {
	m.records = append(m.records, r)
	delete(m.sessions, r.ProfileID)
	return nil
}

func (m *memStore) Records(_ context.Context, profileID string) ([]*CompletedTuningRecord, error) {
	var out []*CompletedTuningRecord
	for _, r := range m.records {
		if r.ProfileID == profileID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// fakeDevice records the calls the orchestrator makes in order.
type fakeDevice struct {
	calls []string

	flashUsed uint32
	pids      device.PIDProfile
	ff        device.FeedforwardConfig
	settings  map[string]string

	setErr  error
	saveErr error
	snapErr error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{settings: make(map[string]string)}
}

func (d *fakeDevice) TakeSnapshot(context.Context) (*device.Snapshot, error) {
	d.calls = append(d.calls, "snapshot")
	if d.snapErr != nil {
		return nil, d.snapErr
	}
	return &device.Snapshot{ID: uuid.New(), TakenAt: time.Now().UTC(), Diff: "set x = 1"}, nil
}

func (d *fakeDevice) SetSetting(_ context.Context, name, value string) error {
	d.calls = append(d.calls, "set "+name)
	if d.setErr != nil {
		return d.setErr
	}
	d.settings[name] = value
	return nil
}

func (d *fakeDevice) SaveCLI(context.Context) error {
	d.calls = append(d.calls, "save_cli")
	return d.saveErr
}

func (d *fakeDevice) PIDs(context.Context) (*device.PIDProfile, error) {
	d.calls = append(d.calls, "pids")
	cp := d.pids
	return &cp, nil
}

func (d *fakeDevice) SetPIDs(_ context.Context, p *device.PIDProfile) error {
	d.calls = append(d.calls, "set_pids")
	d.pids = *p
	return nil
}

func (d *fakeDevice) FeedforwardConfig(context.Context) (*device.FeedforwardConfig, error) {
	d.calls = append(d.calls, "ff")
	cp := d.ff
	return &cp, nil
}

func (d *fakeDevice) SetFeedforwardConfig(_ context.Context, f *device.FeedforwardConfig) error {
	d.calls = append(d.calls, "set_ff")
	d.ff = *f
	return nil
}

func (d *fakeDevice) SaveAndReboot(context.Context) error {
	d.calls = append(d.calls, "save_reboot")
	return d.saveErr
}

func (d *fakeDevice) DataflashSummary(context.Context) (*device.DataflashSummary, error) {
	d.calls = append(d.calls, "flash_summary")
	return &device.DataflashSummary{Ready: true, TotalSize: 16 << 20, UsedSize: d.flashUsed}, nil
}

func newTestOrchestrator() (*Orchestrator, *memStore, *fakeDevice) {
	store := newMemStore()
	dev := newFakeDevice()
	return NewOrchestrator(store, dev), store, dev
}

// advanceTo walks a session forward through the chain without device I/O.
func advanceTo(t *testing.T, o *Orchestrator, profileID string, target Phase) {
	t.Helper()
	sess, err := o.Session(context.Background(), profileID)
	require.NoError(t, err)
	for p := sess.Phase + 1; p <= target; p++ {
		require.NoError(t, o.Advance(context.Background(), profileID, p))
	}
}

func TestOrchestratorStart(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	sess, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterFlightPending, sess.Phase)
	assert.Equal(t, "SN1", sess.ProfileID)
	require.Len(t, sess.Timeline, 1)

	again, err := o.Start(ctx, "SN1")
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, sess.ID, again.ID)
}

func TestOrchestratorAdvanceRejectsSkips(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)

	// From the first phase nothing but the next phase is reachable.
	for to := PhaseFilterAnalysis; to <= PhaseCompleted; to++ {
		err := o.Advance(ctx, "SN1", to)
		assert.ErrorIs(t, err, ErrBadTransition, "filter_flight_pending -> %s", to)
	}

	require.NoError(t, o.Advance(ctx, "SN1", PhaseFilterLogReady))
	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterLogReady, sess.Phase)
	assert.Len(t, sess.Timeline, 2)
}

func TestOrchestratorAdvanceToCompletedArchives(t *testing.T) {
	o, store, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhaseCompleted)

	_, err = o.Session(ctx, "SN1")
	assert.ErrorIs(t, err, ErrNoSession)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
	assert.Len(t, rec.Timeline, 10)
	assert.Equal(t, PhaseCompleted, rec.Timeline[9].Phase)
}

func TestOrchestratorHandleConnectAutoAdvances(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)

	// Empty flash: the pilot has not flown yet.
	require.NoError(t, o.HandleConnect(ctx, "SN1"))
	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterFlightPending, sess.Phase)

	// Data on the flash means a flight happened while disconnected.
	dev.flashUsed = 2 << 20
	require.NoError(t, o.HandleConnect(ctx, "SN1"))
	sess, err = o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterLogReady, sess.Phase)

	// Outside a flight-pending phase the flash is not consulted.
	dev.calls = nil
	require.NoError(t, o.HandleConnect(ctx, "SN1"))
	assert.NotContains(t, dev.calls, "flash_summary")
}

func TestOrchestratorHandleConnectNoSession(t *testing.T) {
	o, _, dev := newTestOrchestrator()

	require.NoError(t, o.HandleConnect(context.Background(), "SN1"))
	assert.Empty(t, dev.calls)
}

func TestOrchestratorApplyFilterChanges(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhaseFilterAnalysis)

	recs := []analysis.Recommendation{
		{Setting: "gyro_lpf1_static_hz", Current: 250, Recommended: 300, Reason: "low noise floor"},
		{Setting: "dterm_lpf1_static_hz", Current: 100, Recommended: 120},
	}
	require.NoError(t, o.ApplyFilterChanges(ctx, "SN1", recs))

	// Snapshot first, then the writes, then the save that reboots.
	assert.Equal(t, []string{
		"snapshot",
		"set gyro_lpf1_static_hz",
		"set dterm_lpf1_static_hz",
		"save_cli",
	}, dev.calls)
	assert.Equal(t, "300", dev.settings["gyro_lpf1_static_hz"])

	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterApplied, sess.Phase)
	assert.NotEqual(t, uuid.Nil, sess.PreSnapshotID)
	assert.Equal(t, uuid.Nil, sess.PostSnapshotID)
	require.Len(t, sess.AppliedChanges, 2)
	assert.Equal(t, ChannelCLI, sess.AppliedChanges[0].Channel)
	assert.Equal(t, 250, sess.AppliedChanges[0].Previous)
	assert.Equal(t, 300, sess.AppliedChanges[0].Applied)
}

func TestOrchestratorApplyFilterChangesAbortsOnFailure(t *testing.T) {
	o, store, dev := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhaseFilterAnalysis)
	updatesBefore := store.updates

	dev.setErr = errors.New("cli rejected the value")
	err = o.ApplyFilterChanges(ctx, "SN1", []analysis.Recommendation{
		{Setting: "gyro_lpf1_static_hz", Current: 250, Recommended: 300},
	})
	require.Error(t, err)

	// The failed apply must not commit anything.
	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFilterAnalysis, sess.Phase)
	assert.Empty(t, sess.AppliedChanges)
	assert.Equal(t, updatesBefore, store.updates)
}

func TestOrchestratorApplyFilterChangesWrongPhase(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)

	err = o.ApplyFilterChanges(ctx, "SN1", nil)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestOrchestratorApplyPIDChanges(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	dev.pids = device.PIDProfile{
		Roll:  device.PIDTerms{P: 45, I: 80, D: 40},
		Pitch: device.PIDTerms{P: 47, I: 84, D: 46},
	}

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhasePIDAnalysis)

	recs := []analysis.Recommendation{
		{Setting: "roll D gain", Current: 40, Recommended: 46},
		{Setting: "pitch P gain", Current: 47, Recommended: 52},
	}
	require.NoError(t, o.ApplyPIDChanges(ctx, "SN1", recs))

	assert.Equal(t, []string{"snapshot", "pids", "set_pids", "save_reboot"}, dev.calls)
	assert.Equal(t, uint8(46), dev.pids.Roll.D)
	assert.Equal(t, uint8(52), dev.pids.Pitch.P)
	assert.Equal(t, uint8(80), dev.pids.Roll.I, "untouched gains survive")

	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhasePIDApplied, sess.Phase)
	require.Len(t, sess.AppliedChanges, 2)
	assert.Equal(t, ChannelBinary, sess.AppliedChanges[0].Channel)
}

func TestOrchestratorApplyPIDChangesFeedforward(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	dev.pids = device.PIDProfile{Roll: device.PIDTerms{P: 45, I: 80, D: 40}}
	dev.ff = device.FeedforwardConfig{Roll: 100, Pitch: 105, Yaw: 95, Transition: 20}

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhasePIDAnalysis)

	recs := []analysis.Recommendation{
		{Setting: "roll D gain", Current: 40, Recommended: 46},
		{Setting: "pitch F gain", Current: 105, Recommended: 125},
	}
	require.NoError(t, o.ApplyPIDChanges(ctx, "SN1", recs))

	// Feedforward is fetched once and written after the gains, before the
	// save that reboots.
	assert.Equal(t, []string{"snapshot", "pids", "ff", "set_pids", "set_ff", "save_reboot"}, dev.calls)
	assert.Equal(t, uint8(46), dev.pids.Roll.D)
	assert.Equal(t, uint16(125), dev.ff.Pitch)
	assert.Equal(t, uint16(100), dev.ff.Roll, "untouched feedforward gains survive")
	assert.Equal(t, uint8(20), dev.ff.Transition)

	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhasePIDApplied, sess.Phase)
	require.Len(t, sess.AppliedChanges, 2)
	assert.Equal(t, ChannelBinary, sess.AppliedChanges[1].Channel)
	assert.Equal(t, "pitch F gain", sess.AppliedChanges[1].Setting)
}

func TestOrchestratorApplyPIDChangesFeedforwardOutOfRange(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhasePIDAnalysis)

	err = o.ApplyPIDChanges(ctx, "SN1", []analysis.Recommendation{
		{Setting: "yaw F gain", Current: 100, Recommended: 5000},
	})
	assert.ErrorIs(t, err, ErrUnknownSetting)
	assert.NotContains(t, dev.calls, "set_ff")
}

func TestOrchestratorApplyPIDChangesUnknownSetting(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhasePIDAnalysis)

	err = o.ApplyPIDChanges(ctx, "SN1", []analysis.Recommendation{
		{Setting: "collective twist gain", Recommended: 50},
	})
	assert.ErrorIs(t, err, ErrUnknownSetting)

	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, PhasePIDAnalysis, sess.Phase)
}

func TestOrchestratorPostSnapshotOnReconnect(t *testing.T) {
	o, _, dev := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhaseFilterAnalysis)
	require.NoError(t, o.ApplyFilterChanges(ctx, "SN1", []analysis.Recommendation{
		{Setting: "gyro_lpf1_static_hz", Current: 250, Recommended: 300},
	}))

	// The device rebooted after the save; the reconnect captures the
	// post-change snapshot exactly once.
	require.NoError(t, o.HandleConnect(ctx, "SN1"))
	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, sess.PostSnapshotID)

	snapshots := 0
	dev.calls = nil
	require.NoError(t, o.HandleConnect(ctx, "SN1"))
	for _, c := range dev.calls {
		if c == "snapshot" {
			snapshots++
		}
	}
	assert.Zero(t, snapshots)
}

func TestOrchestratorSkipVerification(t *testing.T) {
	o, store, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)

	err = o.SkipVerification(ctx, "SN1")
	assert.ErrorIs(t, err, ErrWrongPhase)

	advanceTo(t, o, "SN1", PhaseVerificationPending)
	require.NoError(t, o.SkipVerification(ctx, "SN1"))

	_, err = o.Session(ctx, "SN1")
	assert.ErrorIs(t, err, ErrNoSession)
	require.Len(t, store.records, 1)
	assert.Equal(t, OutcomeCompleted, store.records[0].Outcome)
}

func TestOrchestratorDismiss(t *testing.T) {
	o, store, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	advanceTo(t, o, "SN1", PhaseFilterAnalysis)

	require.NoError(t, o.Dismiss(ctx, "SN1"))

	_, err = o.Session(ctx, "SN1")
	assert.ErrorIs(t, err, ErrNoSession)
	require.Len(t, store.records, 1)
	assert.Equal(t, OutcomeDismissed, store.records[0].Outcome)
	assert.Equal(t, PhaseFilterAnalysis, store.records[0].Timeline[len(store.records[0].Timeline)-1].Phase)
}

func TestOrchestratorWatch(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	events := o.Watch()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)
	require.NoError(t, o.Advance(ctx, "SN1", PhaseFilterLogReady))

	ev := <-events
	assert.Equal(t, EventSessionStarted, ev.Type)
	assert.Equal(t, PhaseFilterFlightPending, ev.Phase)

	ev = <-events
	assert.Equal(t, EventPhaseChanged, ev.Type)
	assert.Equal(t, PhaseFilterLogReady, ev.Phase)

	require.NoError(t, o.Close())
	_, open := <-events
	assert.False(t, open)
}

func TestOrchestratorAttachMetrics(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	ctx := context.Background()

	_, err := o.Start(ctx, "SN1")
	require.NoError(t, err)

	noise := &analysis.NoiseResult{
		Axes: []analysis.AxisNoise{
			{Axis: 0, NoiseFloorDB: -40, Spectrum: &analysis.Spectrum{
				Freqs: make([]float64, 512),
				Power: make([]float64, 512),
			}},
		},
		Quality: 80,
	}
	require.NoError(t, o.AttachMetrics(ctx, "SN1", noise, nil, nil))

	sess, err := o.Session(ctx, "SN1")
	require.NoError(t, err)
	require.NotNil(t, sess.Metrics)
	assert.Equal(t, []float64{-40}, sess.Metrics.NoiseFloorDB)
	require.Len(t, sess.Metrics.GyroSpectra, 1)
	assert.LessOrEqual(t, len(sess.Metrics.GyroSpectra[0].Values), 64)
	assert.LessOrEqual(t, len(sess.Metrics.GyroSpectra[0].Freqs), 64)
	assert.Equal(t, 80.0, sess.Metrics.NoiseQuality)
}
