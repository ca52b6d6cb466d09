package engine

import (
	"sort"
	"time"

	"github.com/chronocore/backend/internal/journal"
	"github.com/chronocore/backend/internal/model"
)

// absentSort is the sort key for absent best/last/finish values; anything
// real sorts ahead of it.
const absentSort = 9e9

// Snapshot is the consistent read handed to UI and spectator clients.
type Snapshot struct {
	RaceID               int64          `json:"race_id"`
	RaceType             model.RaceType `json:"race_type"`
	Phase                model.Phase    `json:"phase"`
	Flag                 model.Flag     `json:"flag"`
	Running              bool           `json:"running"`
	ClockMs              int64          `json:"clock_ms"`
	LastUpdateUTC        time.Time      `json:"last_update_utc"`
	Limit                LimitView      `json:"limit"`
	CountdownRemainingMs *int64         `json:"countdown_remaining_ms,omitempty"`
	GreenAtUTC           *time.Time     `json:"green_at_utc,omitempty"`
	Standings            []StandingRow  `json:"standings"`
	Features             Features       `json:"features"`
}

// LimitView is the limit block of the snapshot.
type LimitView struct {
	Type            model.LimitType `json:"type"`
	Value           float64         `json:"value"`
	RemainingMs     *int64          `json:"remaining_ms,omitempty"`
	SoftEnd         bool            `json:"soft_end"`
	SoftEndTimeoutS float64         `json:"soft_end_timeout_s"`
}

// Features advertises optional subsystems to clients.
type Features struct {
	PitTiming bool `json:"pit_timing"`
}

// StandingRow is one classified entrant.
type StandingRow struct {
	Position   int                 `json:"position"`
	EntrantID  int64               `json:"entrant_id"`
	Number     string              `json:"number"`
	Name       string              `json:"name"`
	Tag        string              `json:"tag,omitempty"`
	Laps       int                 `json:"laps"`
	LastS      *float64            `json:"last_s,omitempty"`
	BestS      *float64            `json:"best_s,omitempty"`
	Pace5S     *float64            `json:"pace_5_s,omitempty"`
	GapS       float64             `json:"gap_s"`
	LapDeficit int                 `json:"lap_deficit"`
	PitCount   int                 `json:"pit_count"`
	LastPitS   *float64            `json:"last_pit_s,omitempty"`
	Enabled    bool                `json:"enabled"`
	Status     model.EntrantStatus `json:"status"`
	GridIndex  *int                `json:"grid_index,omitempty"`
	BrakeValid *bool               `json:"brake_valid,omitempty"`
	FinishOrder *int               `json:"finish_order,omitempty"`
}

// Snapshot materializes a consistent standings view. It copies everything
// out under the lock; consumers never share memory with the engine.
func (e *Engine) Snapshot() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.race == nil {
		return Snapshot{}, model.ErrNoSession
	}
	r := e.race
	clockMs := e.clockNowLocked()

	snap := Snapshot{
		RaceID:        r.ID,
		RaceType:      r.Type,
		Phase:         r.Phase,
		Flag:          r.Flag,
		Running:       r.Running,
		ClockMs:       clockMs,
		LastUpdateUTC: time.UnixMilli(e.lastUpdateMs).UTC(),
		Limit: LimitView{
			Type:            r.Limit.Type,
			Value:           r.Limit.Value,
			SoftEnd:         r.Limit.SoftEnd,
			SoftEndTimeoutS: r.Limit.SoftEndTimeoutS,
		},
		GreenAtUTC: e.greenAtLocked(),
		Features:   Features{PitTiming: e.cfg.PitTiming},
	}

	if r.Limit.Type == model.LimitTime && r.Phase != model.PhasePre && r.Phase != model.PhaseCountdown {
		remaining := int64(r.Limit.Value*1000) - clockMs
		if remaining < 0 {
			remaining = 0
		}
		snap.Limit.RemainingMs = &remaining
	}
	if r.Phase == model.PhaseCountdown && r.countdownTarget != nil {
		ms := r.countdownTarget.Sub(e.clock.Now()).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		snap.CountdownRemainingMs = &ms
	}

	snap.Standings = e.standingsLocked()
	return snap, nil
}

// standingsLocked sorts and annotates the field. Before the start the
// display order follows the frozen grid; once racing, the classification
// key takes over.
func (e *Engine) standingsLocked() []StandingRow {
	r := e.race
	ents := e.sortedEntrantsLocked()

	if r.Phase == model.PhasePre || r.Phase == model.PhaseCountdown {
		sort.SliceStable(ents, func(i, j int) bool {
			gi, gj := gridKey(ents[i]), gridKey(ents[j])
			if gi != gj {
				return gi < gj
			}
			return ents[i].ID < ents[j].ID
		})
	} else {
		softEnd := r.Limit.SoftEnd
		sort.SliceStable(ents, func(i, j int) bool {
			return classLess(ents[i], ents[j], softEnd)
		})
	}

	leader := leaderOf(ents)
	rows := make([]StandingRow, 0, len(ents))
	for i, ent := range ents {
		row := StandingRow{
			Position:    i + 1,
			EntrantID:   ent.ID,
			Number:      ent.Number,
			Name:        ent.Name,
			Tag:         ent.Tag,
			Laps:        ent.Laps,
			LastS:       clonePtr(ent.LastS),
			BestS:       clonePtr(ent.BestS),
			Pace5S:      clonePtr(ent.Pace5S),
			PitCount:    ent.PitCount,
			LastPitS:    clonePtr(ent.LastPitS),
			Enabled:     ent.Enabled,
			Status:      ent.Status,
			GridIndex:   clonePtr(ent.GridIndex),
			BrakeValid:  clonePtr(ent.BrakeValid),
			FinishOrder: clonePtr(ent.FinishOrder),
		}
		if leader != nil && ent.ID != leader.ID {
			if ent.Laps < leader.Laps {
				row.LapDeficit = leader.Laps - ent.Laps
			} else {
				row.GapS = gapSeconds(leader, ent)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func leaderOf(ents []*model.Entrant) *model.Entrant {
	if len(ents) == 0 {
		return nil
	}
	return ents[0]
}

// classLess is the standings sort key: laps desc, then (soft-end only)
// finish order, then best, then last, then entrant id.
func classLess(a, b *model.Entrant, softEnd bool) bool {
	if a.Laps != b.Laps {
		return a.Laps > b.Laps
	}
	if softEnd {
		fa, fb := floatOrAbsent(a.FinishOrder), floatOrAbsent(b.FinishOrder)
		if fa != fb {
			return fa < fb
		}
	}
	ba, bb := floatPtrOrAbsent(a.BestS), floatPtrOrAbsent(b.BestS)
	if ba != bb {
		return ba < bb
	}
	la, lb := floatPtrOrAbsent(a.LastS), floatPtrOrAbsent(b.LastS)
	if la != lb {
		return la < lb
	}
	return a.ID < b.ID
}

func gridKey(e *model.Entrant) int {
	if e.GridIndex == nil {
		return int(absentSort)
	}
	return *e.GridIndex
}

func floatOrAbsent(p *int) float64 {
	if p == nil {
		return absentSort
	}
	return float64(*p)
}

func floatPtrOrAbsent(p *float64) float64 {
	if p == nil {
		return absentSort
	}
	return *p
}

// gapSeconds is the cumulative-time gap at the shared lap count. Both
// entrants are on the leader's lap when this is called.
func gapSeconds(leader, ent *model.Entrant) float64 {
	n := leader.Laps
	if n > len(ent.LapMs) {
		n = len(ent.LapMs)
	}
	if n <= 0 {
		return 0
	}
	gapMs := sumMs(ent.LapMs[:n]) - sumMs(leader.LapMs[:min(n, len(leader.LapMs))])
	if gapMs < 0 {
		gapMs = 0
	}
	return float64(gapMs) / 1000
}

func sumMs(ms []int64) int64 {
	var total int64
	for _, v := range ms {
		total += v
	}
	return total
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// resultRowsLocked converts the frozen classification into result table
// rows for persistence.
func (e *Engine) resultRowsLocked() []journal.ResultRow {
	rows := e.standingsLocked()
	out := make([]journal.ResultRow, 0, len(rows))
	for _, row := range rows {
		ent := e.entrants[row.EntrantID]
		rr := journal.ResultRow{
			Position:    row.Position,
			EntrantID:   row.EntrantID,
			Laps:        row.Laps,
			FinishOrder: clonePtr(row.FinishOrder),
			LapMs:       append([]int64(nil), ent.LapMs...),
		}
		// Derive the result milliseconds from the integer lap history so
		// no float rounding creeps into the result tables.
		if len(ent.LapMs) > 0 {
			best := ent.LapMs[0]
			for _, ms := range ent.LapMs[1:] {
				if ms < best {
					best = ms
				}
			}
			last := ent.LapMs[len(ent.LapMs)-1]
			rr.BestMs = &best
			rr.LastMs = &last
		}
		out = append(out, rr)
	}
	return out
}
