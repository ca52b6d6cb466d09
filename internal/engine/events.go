package engine

import (
	"encoding/json"
	"sort"

	"github.com/chronocore/backend/internal/model"
)

// Journal payloads. Pass events record the applied outcome, not the raw
// input, so recovery replays deltas deterministically without re-running
// the filter pipeline (whose windows are empty after a restart anyway).

type passKind string

const (
	passArm    passKind = "arm"
	passLap    passKind = "lap"
	passPitIn  passKind = "pit_in"
	passPitOut passKind = "pit_out"
)

type passPayload struct {
	Kind        passKind   `json:"kind"`
	EntrantID   int64      `json:"entrant_id"`
	Tag         string     `json:"tag"`
	Source      string     `json:"source"`
	DeviceID    string     `json:"device_id,omitempty"`
	LapMs       int64      `json:"lap_ms,omitempty"`
	FinishOrder *int       `json:"finish_order,omitempty"`
	SoftEndDone bool       `json:"soft_end_done,omitempty"`
	PitMs       int64      `json:"pit_ms,omitempty"`
}

type flagChangePayload struct {
	Flag             model.Flag  `json:"flag"`
	Phase            model.Phase `json:"phase"`
	Running          bool        `json:"running"`
	ClockMs          int64       `json:"clock_ms"`
	CheckeredStartMs *int64      `json:"checkered_start_ms,omitempty"`
	GreenAtUTCMs     *int64      `json:"green_at_utc_ms,omitempty"`
	ClearArmed       bool        `json:"clear_armed,omitempty"`
	Frozen           bool        `json:"frozen,omitempty"`
	Auto             bool        `json:"auto,omitempty"`
}

type assignTagPayload struct {
	EntrantID int64  `json:"entrant_id"`
	Tag       string `json:"tag"`
}

type enablePayload struct {
	EntrantID int64               `json:"entrant_id"`
	Enabled   bool                `json:"enabled"`
	Status    model.EntrantStatus `json:"status"`
}

type entrantUpsertPayload struct {
	Entrant model.Entrant `json:"entrant"`
}

// appendEventLocked queues a journal event at the current race clock.
func (e *Engine) appendEventLocked(typ model.JournalEventType, payload any) {
	if e.race == nil {
		return
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("journal payload marshal failed", "type", typ, "error", err)
		return
	}
	e.store.Append(model.JournalEvent{
		RaceID:  e.race.ID,
		TsUTCMs: e.clock.WallMs(),
		ClockMs: e.clockNowLocked(),
		Type:    typ,
		Payload: blob,
	})
}

// checkpointState is the serialized engine state inside a checkpoint blob.
type checkpointState struct {
	Race     checkpointRace   `json:"race"`
	Entrants []*model.Entrant `json:"entrants"`
	NextID   int64            `json:"next_id"`
}

type checkpointRace struct {
	ID               int64          `json:"race_id"`
	EventID          int64          `json:"event_id,omitempty"`
	Type             model.RaceType `json:"race_type"`
	Phase            model.Phase    `json:"phase"`
	Flag             model.Flag     `json:"flag"`
	Running          bool           `json:"running"`
	Limit            model.Limit    `json:"limit"`
	MinLapS          float64        `json:"min_lap_s"`
	MinDupS          float64        `json:"min_lap_dup_s"`
	ClockMs          int64          `json:"clock_ms"`
	CheckeredStartMs *int64         `json:"checkered_start_ms,omitempty"`
	FinishCounter    int            `json:"finish_order_counter"`
	GreenAtUTCMs     *int64         `json:"green_at_utc_ms,omitempty"`
}

// checkpointLocked captures the full engine state as a checkpoint record.
// Encoding happens under the lock (it is pure CPU); the write happens
// outside.
func (e *Engine) checkpointLocked() model.Checkpoint {
	clockMs := e.clockNowLocked()
	st := checkpointState{
		Race: checkpointRace{
			ID:               e.race.ID,
			EventID:          e.race.EventID,
			Type:             e.race.Type,
			Phase:            e.race.Phase,
			Flag:             e.race.Flag,
			Running:          e.race.Running,
			Limit:            e.race.Limit,
			MinLapS:          e.race.MinLapS,
			MinDupS:          e.race.MinDupS,
			ClockMs:          clockMs,
			CheckeredStartMs: e.race.CheckeredStartMs,
			FinishCounter:    e.race.FinishCounter,
			GreenAtUTCMs:     e.race.GreenAtUTCMs,
		},
		Entrants: e.sortedEntrantsLocked(),
		NextID:   e.nextID,
	}
	blob, err := json.Marshal(st)
	if err != nil {
		// Entrant state is plain data; this cannot realistically fail.
		e.logger.Error("checkpoint marshal failed", "error", err)
	}
	return model.Checkpoint{
		RaceID:  e.race.ID,
		TsUTCMs: e.clock.WallMs(),
		ClockMs: clockMs,
		Blob:    blob,
	}
}

// sortedEntrantsLocked returns entrant pointers ordered by id, for stable
// journal and checkpoint output.
func (e *Engine) sortedEntrantsLocked() []*model.Entrant {
	out := make([]*model.Entrant, 0, len(e.entrants))
	for _, ent := range e.entrants {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
