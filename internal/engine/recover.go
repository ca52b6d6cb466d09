package engine

import (
	"encoding/json"
	"fmt"

	"github.com/chronocore/backend/internal/model"
)

// Recover rebuilds engine state after a process restart: newest checkpoint
// first, then replay of journal events strictly after it. raceID 0 means
// "whatever race the store saw last". Returns ErrNoSession when the store
// holds nothing to recover.
//
// A race that was mid-countdown resumes in pre (the countdown target is
// deliberately never persisted). A race that was running resumes its clock
// from the last journaled position; wall time lost to the outage does not
// count as race time.
func (e *Engine) Recover(raceID int64) error {
	if raceID == 0 {
		id, ok, err := e.store.LatestRaceID()
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if !ok {
			return model.ErrNoSession
		}
		raceID = id
	}

	cp, haveCp, err := e.store.LatestCheckpoint(raceID)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	var st checkpointState
	if haveCp {
		if err := json.Unmarshal(cp.Blob, &st); err != nil {
			return fmt.Errorf("recover: checkpoint decode: %w", err)
		}
	} else {
		// No checkpoint survived (LoadRace writes one immediately, so this
		// is a degraded path). Replay everything onto a bare session.
		e.logger.Warn("no checkpoint found, replaying full journal", "race_id", raceID)
		st = checkpointState{
			Race: checkpointRace{
				ID:      raceID,
				Type:    model.RaceSprint,
				Phase:   model.PhasePre,
				Flag:    model.FlagPre,
				Limit:   model.Limit{Type: model.LimitLaps, Value: 0},
				MinDupS: e.cfg.MinLapDupS,
			},
		}
		cp.ClockMs = -1
		cp.TsUTCMs = -1
	}

	events, err := e.store.EventsAfter(raceID, cp.ClockMs, cp.TsUTCMs)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	e.mu.Lock()
	e.cancelCountdownLocked()
	e.filter.Reset()

	e.race = &raceState{
		ID:               st.Race.ID,
		EventID:          st.Race.EventID,
		Type:             st.Race.Type,
		Phase:            st.Race.Phase,
		Flag:             st.Race.Flag,
		Running:          st.Race.Running,
		Limit:            st.Race.Limit,
		MinLapS:          st.Race.MinLapS,
		MinDupS:          st.Race.MinDupS,
		clockMs:          st.Race.ClockMs,
		CheckeredStartMs: st.Race.CheckeredStartMs,
		FinishCounter:    st.Race.FinishCounter,
		GreenAtUTCMs:     st.Race.GreenAtUTCMs,
	}
	e.entrants = make(map[int64]*model.Entrant, len(st.Entrants))
	for _, ent := range st.Entrants {
		e.entrants[ent.ID] = ent.Clone()
		if ent.ID >= e.nextID {
			e.nextID = ent.ID + 1
		}
	}
	if st.NextID > e.nextID {
		e.nextID = st.NextID
	}

	for _, ev := range events {
		if err := e.applyEventLocked(ev); err != nil {
			e.logger.Warn("replay skipped malformed event", "event", ev.ID, "type", ev.Type, "error", err)
		}
	}

	// A countdown never survives a restart.
	if e.race.Phase == model.PhaseCountdown {
		e.race.Phase = model.PhasePre
		e.race.Flag = model.FlagPre
	}
	if e.race.Running {
		e.race.monoAnchor = e.clock.Now()
	}
	e.rebuildTagIndexLocked()
	e.touchLocked()

	raceID = e.race.ID
	phase := e.race.Phase
	clockMs := e.race.clockMs
	e.mu.Unlock()

	e.logger.Info("recovered race", "race_id", raceID, "phase", phase,
		"clock_ms", clockMs, "replayed", len(events), "from_checkpoint", haveCp)
	e.notifyChanged()
	return nil
}

// applyEventLocked replays one journal event's recorded delta.
func (e *Engine) applyEventLocked(ev model.JournalEvent) error {
	// Replay advances the frozen clock to the event's position; the live
	// anchor is re-established after replay completes.
	if ev.ClockMs > e.race.clockMs {
		e.race.clockMs = ev.ClockMs
	}

	switch ev.Type {
	case model.EventEntrantUpsert:
		var p entrantUpsertPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		ent := p.Entrant
		e.entrants[ent.ID] = ent.Clone()
		if ent.ID >= e.nextID {
			e.nextID = ent.ID + 1
		}
		e.rebuildTagIndexLocked()

	case model.EventAssignTag:
		var p assignTagPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if ent, ok := e.entrants[p.EntrantID]; ok {
			ent.Tag = p.Tag
			e.rebuildTagIndexLocked()
		}

	case model.EventEntrantEnable:
		var p enablePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if ent, ok := e.entrants[p.EntrantID]; ok {
			ent.Enabled = p.Enabled
			ent.Status = p.Status
			e.rebuildTagIndexLocked()
		}

	case model.EventFlagChange:
		var p flagChangePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		r := e.race
		r.Flag = p.Flag
		r.Phase = p.Phase
		r.Running = p.Running
		r.CheckeredStartMs = p.CheckeredStartMs
		r.GreenAtUTCMs = p.GreenAtUTCMs
		if p.ClockMs > r.clockMs {
			r.clockMs = p.ClockMs
		}
		if p.ClearArmed {
			for _, ent := range e.entrants {
				ent.LastHitMs = nil
			}
		}

	case model.EventPass:
		var p passPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		ent, ok := e.entrants[p.EntrantID]
		if !ok {
			return fmt.Errorf("pass for unknown entrant %d", p.EntrantID)
		}
		switch p.Kind {
		case passArm:
			ms := ev.ClockMs
			ent.LastHitMs = &ms
		case passLap:
			ent.Laps++
			ent.LapMs = append(ent.LapMs, p.LapMs)
			recomputeDerived(ent)
			ms := ev.ClockMs
			ent.LastHitMs = &ms
			if p.FinishOrder != nil {
				fo := *p.FinishOrder
				ent.FinishOrder = &fo
				if fo > e.race.FinishCounter {
					e.race.FinishCounter = fo
				}
			}
			if p.SoftEndDone {
				ent.SoftEndCompleted = true
			}
		case passPitIn:
			ms := ev.ClockMs
			ent.PitOpenMs = &ms
		case passPitOut:
			pitS := float64(p.PitMs) / 1000
			ent.LastPitS = &pitS
			ent.PitCount++
			ent.PitOpenMs = nil
		default:
			return fmt.Errorf("unknown pass kind %q", p.Kind)
		}

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}
