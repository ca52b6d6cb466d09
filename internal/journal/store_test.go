package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/monitoring"
	"github.com/chronocore/backend/internal/timing"
)

func openTestStore(t *testing.T) (*Store, *timing.Fake) {
	t.Helper()
	clock := timing.NewFake()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{
		BatchInterval:   10 * time.Millisecond,
		BatchMax:        16,
		KeepCheckpoints: 2,
	}, clock, monitoring.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, clock
}

func TestAppendFlushRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	for i := int64(1); i <= 3; i++ {
		s.Append(model.JournalEvent{
			RaceID:  7,
			ClockMs: i * 1000,
			Type:    model.EventPass,
			Payload: json.RawMessage(`{"kind":"lap"}`),
		})
	}
	require.NoError(t, s.Flush(context.Background()))

	events, err := s.EventsAfter(7, -1, -1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1000), events[0].ClockMs)
	assert.Equal(t, int64(3000), events[2].ClockMs)
	assert.Equal(t, model.EventPass, events[0].Type)
	assert.NotEmpty(t, events[0].ID)
}

func TestEventsAfterIsStrictlyAfter(t *testing.T) {
	s, _ := openTestStore(t)

	s.Append(model.JournalEvent{RaceID: 1, ClockMs: 100, TsUTCMs: 10, Type: model.EventPass, Payload: json.RawMessage(`{}`)})
	s.Append(model.JournalEvent{RaceID: 1, ClockMs: 100, TsUTCMs: 20, Type: model.EventPass, Payload: json.RawMessage(`{}`)})
	s.Append(model.JournalEvent{RaceID: 1, ClockMs: 200, TsUTCMs: 30, Type: model.EventPass, Payload: json.RawMessage(`{}`)})
	require.NoError(t, s.Flush(context.Background()))

	events, err := s.EventsAfter(1, 100, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(20), events[0].TsUTCMs)
	assert.Equal(t, int64(200), events[1].ClockMs)

	// other races never leak in
	events, err = s.EventsAfter(2, -1, -1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheckpointTrim(t *testing.T) {
	s, _ := openTestStore(t)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, s.WriteCheckpoint(model.Checkpoint{
			RaceID: 5, TsUTCMs: i, ClockMs: i * 100, Blob: []byte(`{"n":` + string(rune('0'+i)) + `}`),
		}))
	}

	cp, ok, err := s.LatestCheckpoint(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(400), cp.ClockMs)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM race_checkpoints WHERE race_id = 5`).Scan(&n))
	assert.Equal(t, 2, n, "retention keeps the newest two")
}

func TestLatestCheckpointMissing(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.LatestCheckpoint(99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestRaceID(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.LatestRaceID()
	require.NoError(t, err)
	assert.False(t, ok)

	s.Append(model.JournalEvent{RaceID: 11, Type: model.EventPass, Payload: json.RawMessage(`{}`)})
	require.NoError(t, s.Flush(context.Background()))

	id, ok, err := s.LatestRaceID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(11), id)

	// checkpoints take precedence over raw events
	require.NoError(t, s.WriteCheckpoint(model.Checkpoint{RaceID: 12, Blob: []byte(`{}`)}))
	id, ok, err = s.LatestRaceID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), id)
}

func TestRosterUpsertAndTagIndex(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.UpsertRoster([]model.Entrant{
		{ID: 1, Number: "42", Name: "Alpha", Tag: "5200001", Enabled: true, Status: model.StatusActive},
		{ID: 2, Number: "7", Name: "Bravo", Tag: "5200002", Enabled: true, Status: model.StatusActive},
	}))

	// same tag on a second enabled entrant violates the partial unique index
	err := s.UpsertRoster([]model.Entrant{
		{ID: 3, Number: "9", Name: "Charlie", Tag: "5200001", Enabled: true, Status: model.StatusActive},
	})
	assert.Error(t, err)

	// a disabled entrant may hold a colliding tag
	require.NoError(t, s.UpsertRoster([]model.Entrant{
		{ID: 3, Number: "9", Name: "Charlie", Tag: "5200001", Enabled: false, Status: model.StatusDisabled},
	}))

	// update in place
	require.NoError(t, s.UpsertRoster([]model.Entrant{
		{ID: 1, Number: "42", Name: "Alpha", Tag: "5200009", Enabled: true, Status: model.StatusActive},
	}))
}

func TestGridSaveLoad(t *testing.T) {
	s, _ := openTestStore(t)

	_, ok, err := s.LoadGrid(3)
	require.NoError(t, err)
	assert.False(t, ok)

	brakeOK := true
	slots := []model.GridSlot{
		{EntrantID: 2, Order: 1, BestMs: 19500, BrakeOK: &brakeOK},
		{EntrantID: 1, Order: 2, BestMs: 20100},
	}
	require.NoError(t, s.SaveGrid(3, slots))

	got, ok, err := s.LoadGrid(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, slots, got)
}

func TestHeatLapsAndBrakeVerdicts(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.EnsureHeat(10, 3, "qualifying"))

	eventID, ok, err := s.HeatEvent(10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), eventID)

	_, ok, err = s.HeatEvent(999)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordLap(10, 1, 1, 20000, 20000))
	require.NoError(t, s.RecordLap(10, 1, 2, 19000, 39000))
	require.NoError(t, s.RecordLap(10, 2, 1, 21000, 21000))

	laps, err := s.LapsByEntrant(10)
	require.NoError(t, err)
	assert.Equal(t, []int64{20000, 19000}, laps[1])
	assert.Equal(t, []int64{21000}, laps[2])

	verdicts, err := s.BrakeVerdicts(10)
	require.NoError(t, err)
	assert.Empty(t, verdicts)

	require.NoError(t, s.SetBrakeVerdicts(10, map[int64]bool{1: true, 2: false}))
	verdicts, err = s.BrakeVerdicts(10)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 2: false}, verdicts)
}

func TestSaveResultsIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)

	best := int64(19000)
	rows := []ResultRow{
		{Position: 1, EntrantID: 1, Laps: 2, BestMs: &best, LapMs: []int64{20000, 19000}},
		{Position: 2, EntrantID: 2, Laps: 1, LapMs: []int64{21000}},
	}
	require.NoError(t, s.SaveResults(5, model.RaceSprint, model.PhaseCheckered, model.FlagCheckered, 120000, rows))

	// re-freeze after recovery replaces, not duplicates
	require.NoError(t, s.SaveResults(5, model.RaceSprint, model.PhaseCheckered, model.FlagCheckered, 120000, rows))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM result_standings WHERE race_id = 5`).Scan(&n))
	assert.Equal(t, 2, n)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM result_laps WHERE race_id = 5`).Scan(&n))
	assert.Equal(t, 3, n)
}
