// Package model defines the ChronoCore entity model: entrants, races,
// transponder passes, journal records, and the closed enum types shared by
// the engine, the journal store, and the transport layer.
package model

import (
	"encoding/json"
	"strings"
)

// Flag is the UI-facing flag token. Not every flag changes the race phase:
// YELLOW/RED/BLUE are overlays on a running race.
type Flag string

const (
	FlagPre       Flag = "PRE"
	FlagGreen     Flag = "GREEN"
	FlagYellow    Flag = "YELLOW"
	FlagRed       Flag = "RED"
	FlagBlue      Flag = "BLUE"
	FlagWhite     Flag = "WHITE"
	FlagCheckered Flag = "CHECKERED"
)

// ParseFlag normalizes an operator-supplied flag token.
func ParseFlag(s string) (Flag, bool) {
	f := Flag(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FlagPre, FlagGreen, FlagYellow, FlagRed, FlagBlue, FlagWhite, FlagCheckered:
		return f, true
	}
	return "", false
}

// Phase is the engine-internal race phase.
type Phase string

const (
	PhasePre       Phase = "pre"
	PhaseCountdown Phase = "countdown"
	PhaseGreen     Phase = "green"
	PhaseWhite     Phase = "white"
	PhaseCheckered Phase = "checkered"
)

// Racing reports whether lap crediting is active in this phase. The
// checkered phase credits conditionally (soft-end) and is handled by the
// engine, not here.
func (p Phase) Racing() bool {
	return p == PhaseGreen || p == PhaseWhite
}

// EntrantStatus classifies an entrant's participation.
type EntrantStatus string

const (
	StatusActive   EntrantStatus = "ACTIVE"
	StatusDisabled EntrantStatus = "DISABLED"
	StatusDNF      EntrantStatus = "DNF"
	StatusDQ       EntrantStatus = "DQ"
)

// RaceType distinguishes session kinds. Qualifying sessions never have a
// starting grid applied to them.
type RaceType string

const (
	RaceSprint     RaceType = "sprint"
	RaceEndurance  RaceType = "endurance"
	RaceQualifying RaceType = "qualifying"
)

// ParseRaceType validates a session kind.
func ParseRaceType(s string) (RaceType, bool) {
	t := RaceType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case RaceSprint, RaceEndurance, RaceQualifying:
		return t, true
	}
	return "", false
}

// PassSource identifies the loop role a detection came from.
type PassSource string

const (
	SourceTrack  PassSource = "track"
	SourcePitIn  PassSource = "pit_in"
	SourcePitOut PassSource = "pit_out"
)

// ParsePassSource validates a decoder-supplied source role.
func ParsePassSource(s string) (PassSource, bool) {
	src := PassSource(strings.ToLower(strings.TrimSpace(s)))
	switch src {
	case SourceTrack, SourcePitIn, SourcePitOut:
		return src, true
	}
	return "", false
}

// GridPolicy selects how a failed brake test affects grid freezing.
type GridPolicy string

const (
	PolicyDemote       GridPolicy = "demote"
	PolicyUseNextValid GridPolicy = "use_next_valid"
	PolicyExclude      GridPolicy = "exclude"
)

// ParseGridPolicy validates a grid-freeze policy token.
func ParseGridPolicy(s string) (GridPolicy, bool) {
	p := GridPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyDemote, PolicyUseNextValid, PolicyExclude:
		return p, true
	}
	return "", false
}

// LimitType is the race termination criterion.
type LimitType string

const (
	LimitTime LimitType = "time"
	LimitLaps LimitType = "laps"
)

// Limit describes when a race ends and how the finish is handled.
type Limit struct {
	Type            LimitType `json:"type" yaml:"type"`
	Value           float64   `json:"value" yaml:"value"` // seconds for time, count for laps
	SoftEnd         bool      `json:"soft_end" yaml:"soft_end"`
	SoftEndTimeoutS float64   `json:"soft_end_timeout_s" yaml:"soft_end_timeout_s"`
}

// Pass is a single transponder detection as reported by a decoder worker.
// TsNs is the decoder's own timestamp and is informational only; the engine
// clock at ingestion time is authoritative.
type Pass struct {
	Tag      string     `json:"tag"`
	TsNs     int64      `json:"ts_ns,omitempty"`
	Source   PassSource `json:"source"`
	DeviceID string     `json:"device_id,omitempty"`
}

// Entrant is one scoring slot. Optional scalar fields use pointers so that
// "absent" survives the checkpoint round trip.
type Entrant struct {
	ID      int64         `json:"entrant_id"`
	Number  string        `json:"number"`
	Name    string        `json:"name"`
	Tag     string        `json:"tag,omitempty"`
	Enabled bool          `json:"enabled"`
	Status  EntrantStatus `json:"status"`

	Laps   int      `json:"laps"`
	LastS  *float64 `json:"last_s,omitempty"`
	BestS  *float64 `json:"best_s,omitempty"`
	Pace5S *float64 `json:"pace_5_s,omitempty"`

	// LapMs holds every credited lap time in order, race-clock milliseconds.
	// Prefix sums of this slice give cumulative time to lap N for the gap
	// computation; the tail (up to 5) feeds Pace5S.
	LapMs []int64 `json:"lap_ms,omitempty"`

	// LastHitMs is the race clock at the last accepted track crossing.
	// Nil means unarmed: the next crossing arms without crediting.
	LastHitMs *int64 `json:"last_hit_ms,omitempty"`

	PitCount  int      `json:"pit_count"`
	PitOpenMs *int64   `json:"pit_open_ms,omitempty"`
	LastPitS  *float64 `json:"last_pit_s,omitempty"`

	GridIndex  *int  `json:"grid_index,omitempty"`
	BrakeValid *bool `json:"brake_valid,omitempty"`

	FinishOrder      *int `json:"finish_order,omitempty"`
	SoftEndCompleted bool `json:"soft_end_completed,omitempty"`

	// Provisional marks entrants auto-created from an unrecognized tag.
	Provisional bool `json:"provisional,omitempty"`
}

// Clone returns a deep copy safe to hand to snapshot consumers.
func (e *Entrant) Clone() *Entrant {
	c := *e
	c.LastS = clonePtr(e.LastS)
	c.BestS = clonePtr(e.BestS)
	c.Pace5S = clonePtr(e.Pace5S)
	c.LastHitMs = clonePtr(e.LastHitMs)
	c.PitOpenMs = clonePtr(e.PitOpenMs)
	c.LastPitS = clonePtr(e.LastPitS)
	c.GridIndex = clonePtr(e.GridIndex)
	c.BrakeValid = clonePtr(e.BrakeValid)
	c.FinishOrder = clonePtr(e.FinishOrder)
	c.LapMs = append([]int64(nil), e.LapMs...)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// EntrantSpec is the LoadRace payload item for one entrant.
type EntrantSpec struct {
	ID      int64  `json:"entrant_id"`
	Number  string `json:"number"`
	Name    string `json:"name"`
	Tag     string `json:"tag,omitempty"`
	Enabled bool   `json:"enabled"`
}

// JournalEventType classifies journal records.
type JournalEventType string

const (
	EventPass          JournalEventType = "pass"
	EventFlagChange    JournalEventType = "flag_change"
	EventEntrantEnable JournalEventType = "entrant_enable"
	EventAssignTag     JournalEventType = "assign_tag"
	EventEntrantUpsert JournalEventType = "entrant_upsert"
)

// JournalEvent is one append-only journal record. Events are replayed in
// (clock_ms, ts_utc_ms) order after the newest checkpoint during recovery.
type JournalEvent struct {
	ID      string           `json:"id"`
	RaceID  int64            `json:"race_id"`
	TsUTCMs int64            `json:"ts_utc_ms"`
	ClockMs int64            `json:"clock_ms"`
	Type    JournalEventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Checkpoint is a full engine snapshot persisted for crash recovery.
type Checkpoint struct {
	RaceID  int64  `json:"race_id"`
	TsUTCMs int64  `json:"ts_utc_ms"`
	ClockMs int64  `json:"clock_ms"`
	Blob    []byte `json:"-"`
}

// GridSlot is one row of a frozen qualifying grid.
type GridSlot struct {
	EntrantID int64 `json:"entrant_id"`
	Order     int   `json:"order"`
	BestMs    int64 `json:"best_ms"`
	BrakeOK   *bool `json:"brake_ok,omitempty"`
	Demoted   bool  `json:"demoted,omitempty"`
}
