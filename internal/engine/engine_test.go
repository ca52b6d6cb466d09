package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/filter"
	"github.com/chronocore/backend/internal/journal"
	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/monitoring"
	"github.com/chronocore/backend/internal/timing"
)

type testRig struct {
	eng   *Engine
	store *journal.Store
	clock *timing.Fake
	diag  *diagnostics.Stream
}

// newRig wires an engine against a real embedded store in a temp dir. The
// background loops are not started; auto transitions fire via ingestion.
func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	clock := timing.NewFake()

	store, err := journal.Open(filepath.Join(t.TempDir(), "race.db"), journal.Options{
		BatchInterval:   5 * time.Millisecond,
		BatchMax:        32,
		KeepCheckpoints: 3,
	}, clock, monitoring.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	pipe := filter.New(filter.Config{
		MinTagLen:       7,
		RatePerSec:      1000,
		DuplicateWindow: time.Millisecond,
		AutoProvisional: cfg.AutoProvisional,
	}, clock)

	diag := diagnostics.NewStream()
	eng := New(clock, store, pipe, diag, monitoring.Nop(), cfg)
	t.Cleanup(eng.Stop)

	return &testRig{eng: eng, store: store, clock: clock, diag: diag}
}

func defaultCfg() Config {
	return Config{MinLapDupS: 1.0, AutoProvisional: true, PitTiming: true}
}

func (r *testRig) pass(tag string) IngestResult {
	return r.eng.IngestPass(model.Pass{Tag: tag, Source: model.SourceTrack, DeviceID: "test"})
}

func (r *testRig) pitPass(tag string, source model.PassSource) IngestResult {
	return r.eng.IngestPass(model.Pass{Tag: tag, Source: source, DeviceID: "test"})
}

func twoCarSprint(limit model.Limit, minLapS float64) LoadRaceRequest {
	return LoadRaceRequest{
		RaceID:   101,
		EventID:  1,
		Name:     "Heat 1",
		RaceType: model.RaceSprint,
		Limit:    limit,
		MinLapS:  minLapS,
		Entrants: []model.EntrantSpec{
			{ID: 1, Number: "42", Name: "Alpha", Tag: "5200001", Enabled: true},
			{ID: 2, Number: "7", Name: "Bravo", Tag: "5200002", Enabled: true},
		},
	}
}

func timeLimit(seconds float64) model.Limit {
	return model.Limit{Type: model.LimitTime, Value: seconds}
}

func TestLoadRaceValidation(t *testing.T) {
	rig := newRig(t, defaultCfg())

	req := twoCarSprint(timeLimit(600), 5)
	req.RaceID = 0
	assert.ErrorIs(t, rig.eng.LoadRace(req), model.ErrInvalidPayload)

	req = twoCarSprint(timeLimit(600), 5)
	req.RaceType = "drag"
	assert.ErrorIs(t, rig.eng.LoadRace(req), model.ErrInvalidPayload)

	req = twoCarSprint(timeLimit(600), 5)
	req.Entrants[1].ID = req.Entrants[0].ID
	assert.ErrorIs(t, rig.eng.LoadRace(req), model.ErrInvalidPayload)

	req = twoCarSprint(model.Limit{Type: "distance", Value: 1}, 5)
	assert.ErrorIs(t, rig.eng.LoadRace(req), model.ErrInvalidPayload)

	// two enabled entrants may not share a tag
	req = twoCarSprint(timeLimit(600), 5)
	req.Entrants[1].Tag = req.Entrants[0].Tag
	assert.ErrorIs(t, rig.eng.LoadRace(req), model.ErrInvalidPayload)

	// a disabled entrant holding the same tag is fine
	req = twoCarSprint(timeLimit(600), 5)
	req.Entrants[1].Tag = req.Entrants[0].Tag
	req.Entrants[1].Enabled = false
	assert.NoError(t, rig.eng.LoadRace(req))
}

func TestNoSessionOperations(t *testing.T) {
	rig := newRig(t, defaultCfg())

	_, err := rig.eng.Snapshot()
	assert.ErrorIs(t, err, model.ErrNoSession)

	_, err = rig.eng.SetFlag(model.FlagGreen, 0)
	assert.ErrorIs(t, err, model.ErrNoSession)

	assert.ErrorIs(t, rig.eng.AssignTag(1, "5200009"), model.ErrNoSession)
	assert.ErrorIs(t, rig.eng.SetEntrantEnabled(1, false), model.ErrNoSession)

	res := rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoSession, res.Reason)
}

func TestArmingAndLapCredit(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))

	// crossings before the start never arm or credit
	res := rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotRacing, res.Reason)

	rig.clock.Advance(time.Second)
	fr, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseGreen, fr.Phase)
	require.NotNil(t, fr.GreenAtUTC)

	res = rig.pass("5200001")
	assert.True(t, res.OK)
	assert.Equal(t, ReasonArmed, res.Reason)
	assert.False(t, res.LapAdded)

	rig.clock.Advance(20 * time.Second)
	res = rig.pass("5200001")
	assert.True(t, res.OK)
	assert.True(t, res.LapAdded)
	assert.InDelta(t, 20.0, res.LapTimeS, 0.001)

	snap, err := rig.eng.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Running)
	require.Len(t, snap.Standings, 2)
	lead := snap.Standings[0]
	assert.Equal(t, int64(1), lead.EntrantID)
	assert.Equal(t, 1, lead.Laps)
	require.NotNil(t, lead.BestS)
	assert.InDelta(t, 20.0, *lead.BestS, 0.001)
}

func TestDupAndMinLapBoundaries(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 15)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)

	// inside the dup window: rejected, arm point unchanged
	rig.clock.Advance(600 * time.Millisecond)
	res := rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonDup, res.Reason)

	// past dup but under min lap: rejected, still no re-arm
	rig.clock.Advance(9400 * time.Millisecond) // 10s since arm
	res = rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonMinLap, res.Reason)

	// the credited lap measures from the original arm point
	rig.clock.Advance(6 * time.Second) // 16s since arm
	res = rig.pass("5200001")
	require.True(t, res.LapAdded)
	assert.InDelta(t, 16.0, res.LapTimeS, 0.001)
}

func TestCountdownAndAbort(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))

	fr, err := rig.eng.SetFlag(model.FlagGreen, 60)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCountdown, fr.Phase)
	assert.Equal(t, model.FlagPre, fr.Flag)
	require.NotNil(t, fr.GreenAtUTC)

	snap, err := rig.eng.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.CountdownRemainingMs)
	assert.Equal(t, int64(60000), *snap.CountdownRemainingMs)

	// tokens other than PRE are acknowledged and ignored
	fr, err = rig.eng.SetFlag(model.FlagYellow, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCountdown, fr.Phase)

	// crossings during the countdown do not score
	assert.Equal(t, ReasonNotRacing, rig.pass("5200001").Reason)

	// PRE aborts even though the displayed flag is already PRE
	fr, err = rig.eng.SetFlag(model.FlagPre, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePre, fr.Phase)

	snap, err = rig.eng.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, snap.CountdownRemainingMs)
	assert.Nil(t, snap.GreenAtUTC)
}

func TestIllegalTransitions(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))

	_, err := rig.eng.SetFlag(model.FlagYellow, 0)
	var trans *model.TransitionError
	require.ErrorAs(t, err, &trans)
	assert.Equal(t, model.PhasePre, trans.Phase)
	assert.Equal(t, model.FlagYellow, trans.Flag)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	_, err = rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	// repeating the current flag is a no-op success
	_, err = rig.eng.SetFlag(model.FlagGreen, 0)
	assert.NoError(t, err)

	_, err = rig.eng.SetFlag(model.FlagPre, 0)
	require.ErrorAs(t, err, &trans)
	assert.Equal(t, model.PhaseGreen, trans.Phase)

	// advisory flags do not stop scoring
	_, err = rig.eng.SetFlag(model.FlagYellow, 0)
	require.NoError(t, err)
	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)

	_, err = rig.eng.SetFlag(model.FlagCheckered, 0)
	require.NoError(t, err)
	_, err = rig.eng.SetFlag(model.FlagGreen, 0)
	require.ErrorAs(t, err, &trans)
	assert.Equal(t, model.PhaseCheckered, trans.Phase)
}

func TestAutoFlagsOnLapLimit(t *testing.T) {
	rig := newRig(t, defaultCfg())
	req := twoCarSprint(model.Limit{Type: model.LimitLaps, Value: 3}, 5)
	require.NoError(t, rig.eng.LoadRace(req))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	lap := func() IngestResult {
		rig.clock.Advance(20 * time.Second)
		return rig.pass("5200001")
	}

	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)
	require.True(t, lap().LapAdded) // leader on 1

	snap, _ := rig.eng.Snapshot()
	assert.Equal(t, model.PhaseGreen, snap.Phase)

	require.True(t, lap().LapAdded) // leader on 2 = limit-1: white
	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, model.PhaseWhite, snap.Phase)
	assert.Equal(t, model.FlagWhite, snap.Flag)

	require.True(t, lap().LapAdded) // leader on 3: checkered, hard end
	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, model.PhaseCheckered, snap.Phase)
	assert.False(t, snap.Running)

	frozenClock := snap.ClockMs

	// the clock is frozen and further crossings are rejected
	rig.clock.Advance(30 * time.Second)
	res := rig.pass("5200002")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonCheckeredFreeze, res.Reason)
	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, frozenClock, snap.ClockMs)
}

func TestAutoWhiteOnTimeLimit(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(120), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)

	// 61s in: still green (warning window opens at limit-60)
	rig.clock.Advance(59 * time.Second)
	require.True(t, rig.pass("5200001").LapAdded)
	snap, _ := rig.eng.Snapshot()
	assert.Equal(t, model.PhaseGreen, snap.Phase)

	rig.clock.Advance(3 * time.Second) // 62s: inside the last minute
	require.True(t, rig.pass("5200002").OK)
	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, model.PhaseWhite, snap.Phase)

	require.NotNil(t, snap.Limit.RemainingMs)
	assert.Equal(t, int64(58000), *snap.Limit.RemainingMs)

	rig.clock.Advance(59 * time.Second) // past the limit
	require.True(t, rig.pass("5200001").OK)
	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, model.PhaseCheckered, snap.Phase)
	assert.False(t, snap.Running)
}

func TestSoftEndFlow(t *testing.T) {
	rig := newRig(t, defaultCfg())
	limit := model.Limit{Type: model.LimitTime, Value: 10, SoftEnd: true, SoftEndTimeoutS: 5}
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(limit, 2)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)
	require.Equal(t, ReasonArmed, rig.pass("5200002").Reason)

	rig.clock.Advance(8 * time.Second)
	require.True(t, rig.pass("5200001").LapAdded) // Alpha lap 1 at 8s, still green

	// Bravo crosses past the limit: lap credits, then checkered with the
	// clock still running (soft end).
	rig.clock.Advance(2200 * time.Millisecond)
	res := rig.pass("5200002")
	require.True(t, res.LapAdded)
	snap, _ := rig.eng.Snapshot()
	assert.Equal(t, model.PhaseCheckered, snap.Phase)
	assert.True(t, snap.Running)

	// Alpha finishes under checkered: finish order 1, done for good
	rig.clock.Advance(1800 * time.Millisecond) // 12s
	res = rig.pass("5200001")
	require.True(t, res.LapAdded)

	rig.clock.Advance(100 * time.Millisecond)
	res = rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonSoftEndCompleted, res.Reason)

	// Bravo finishes after the timeout window opened but before anyone
	// noticed; crediting happens first, then the auto freeze fires.
	rig.clock.Advance(3900 * time.Millisecond) // 16s, window expired at 15.2s
	res = rig.pass("5200002")
	require.True(t, res.LapAdded)

	snap, _ = rig.eng.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, model.PhaseCheckered, snap.Phase)

	res = rig.pass("5200001")
	assert.Equal(t, ReasonCheckeredFreeze, res.Reason)

	// equal laps: finish order decides
	require.Len(t, snap.Standings, 2)
	assert.Equal(t, int64(1), snap.Standings[0].EntrantID)
	require.NotNil(t, snap.Standings[0].FinishOrder)
	assert.Equal(t, 1, *snap.Standings[0].FinishOrder)
	require.NotNil(t, snap.Standings[1].FinishOrder)
	assert.Equal(t, 2, *snap.Standings[1].FinishOrder)
}

func TestSoftEndLapLimit(t *testing.T) {
	rig := newRig(t, defaultCfg())
	limit := model.Limit{Type: model.LimitLaps, Value: 2, SoftEnd: true, SoftEndTimeoutS: 30}
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(limit, 2)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	require.Equal(t, ReasonArmed, rig.pass("5200001").Reason)
	require.Equal(t, ReasonArmed, rig.pass("5200002").Reason)

	rig.clock.Advance(20 * time.Second)
	require.True(t, rig.pass("5200001").LapAdded) // Alpha lap 1: white flag
	rig.clock.Advance(time.Second)
	require.True(t, rig.pass("5200002").LapAdded) // Bravo lap 1

	// Alpha's second crossing completes the limit: checkered falls and
	// Alpha finishes on that very lap, first across the line
	rig.clock.Advance(19 * time.Second)
	require.True(t, rig.pass("5200001").LapAdded)

	snap, _ := rig.eng.Snapshot()
	assert.Equal(t, model.PhaseCheckered, snap.Phase)
	assert.True(t, snap.Running, "soft end keeps the clock running")

	lead := snap.Standings[0]
	assert.Equal(t, int64(1), lead.EntrantID)
	require.NotNil(t, lead.FinishOrder)
	assert.Equal(t, 1, *lead.FinishOrder)

	// a finished entrant never collects laps beyond the limit
	rig.clock.Advance(20 * time.Second)
	res := rig.pass("5200001")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonSoftEndCompleted, res.Reason)

	// the runner-up finishes inside the window, second
	rig.clock.Advance(time.Second)
	res = rig.pass("5200002")
	require.True(t, res.LapAdded)

	snap, _ = rig.eng.Snapshot()
	assert.Equal(t, int64(1), snap.Standings[0].EntrantID)
	assert.Equal(t, 2, snap.Standings[0].Laps)
	second := snap.Standings[1]
	assert.Equal(t, int64(2), second.EntrantID)
	require.NotNil(t, second.FinishOrder)
	assert.Equal(t, 2, *second.FinishOrder)
}

func TestTagConflictAndEnable(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))

	// same tag it already holds: no-op
	require.NoError(t, rig.eng.AssignTag(1, "5200001"))

	err := rig.eng.AssignTag(2, "5200001")
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.HolderID)
	assert.Equal(t, "42", conflict.HolderNum)
	assert.ErrorIs(t, err, model.ErrConflict)

	assert.ErrorIs(t, rig.eng.AssignTag(99, "5209999"), model.ErrNotFound)

	// disabling the holder frees the tag
	require.NoError(t, rig.eng.SetEntrantEnabled(1, false))
	require.NoError(t, rig.eng.AssignTag(2, "5200001"))

	// re-enabling the old holder now collides
	err = rig.eng.SetEntrantEnabled(1, true)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.HolderID)

	// clear the old holder's tag, then enabling works
	require.NoError(t, rig.eng.AssignTag(1, ""))
	require.NoError(t, rig.eng.SetEntrantEnabled(1, true))
}

func TestDisabledEntrantDoesNotScore(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	require.NoError(t, rig.eng.SetEntrantEnabled(1, false))

	res := rig.pass("5200001")
	assert.False(t, res.OK)
	// with auto-provisional on, the unknown-tag filter lets the pass
	// through; the engine then resolves it to the disabled entrant
	assert.Equal(t, ReasonDisabled, res.Reason)
	assert.Equal(t, int64(1), res.EntrantID)
}

func TestProvisionalEntrant(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	res := rig.pass("9999001")
	assert.True(t, res.OK)
	assert.Equal(t, ReasonArmed, res.Reason)
	assert.Equal(t, int64(3), res.EntrantID, "ids continue after the roster")

	snap, _ := rig.eng.Snapshot()
	require.Len(t, snap.Standings, 3)
	var found bool
	for _, row := range snap.Standings {
		if row.EntrantID == 3 {
			found = true
			assert.Equal(t, "Unknown 9999001", row.Name)
			assert.Equal(t, "9999001", row.Tag)
		}
	}
	assert.True(t, found)
}

func TestUnknownTagRejectedWhenDisallowed(t *testing.T) {
	cfg := defaultCfg()
	cfg.AutoProvisional = false
	rig := newRig(t, cfg)
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	res := rig.pass("9999001")
	assert.False(t, res.OK)
	assert.Equal(t, filter.ReasonUnknownDisallowed, res.Reason)
}

func TestPitTiming(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	// pit_out with no open stint is an anomaly, not a failure
	res := rig.pitPass("5200001", model.SourcePitOut)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonPitUnmatched, res.Reason)

	// the duplicate window applies regardless of source role, so the next
	// crossing needs clock movement to get through
	rig.clock.Advance(time.Second)
	res = rig.pitPass("5200001", model.SourcePitIn)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonPitOpen, res.Reason)

	rig.clock.Advance(12 * time.Second)
	res = rig.pitPass("5200001", model.SourcePitOut)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonPitClosed, res.Reason)

	snap, _ := rig.eng.Snapshot()
	for _, row := range snap.Standings {
		if row.EntrantID == 1 {
			assert.Equal(t, 1, row.PitCount)
			require.NotNil(t, row.LastPitS)
			assert.InDelta(t, 12.0, *row.LastPitS, 0.001)
		}
	}
}

func TestPitTimingDisabled(t *testing.T) {
	cfg := defaultCfg()
	cfg.PitTiming = false
	rig := newRig(t, cfg)
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	res := rig.pitPass("5200001", model.SourcePitIn)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonPitDisabled, res.Reason)
}

func TestDiagnosticsRecordDecisions(t *testing.T) {
	rig := newRig(t, defaultCfg())
	require.NoError(t, rig.eng.LoadRace(twoCarSprint(timeLimit(3600), 5)))
	rig.clock.Advance(time.Second)
	_, err := rig.eng.SetFlag(model.FlagGreen, 0)
	require.NoError(t, err)

	rig.pass("5200001") // armed
	rig.pass("123")     // short tag

	recent := rig.diag.Recent(0)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Accepted)
	assert.Equal(t, ReasonArmed, recent[0].Reason)
	assert.False(t, recent[1].Accepted)
	assert.Equal(t, filter.ReasonShortTag, recent[1].Reason)
}
