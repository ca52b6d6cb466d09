package engine

import (
	"strings"

	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/filter"
	"github.com/chronocore/backend/internal/model"
)

// IngestResult is the decoder-facing outcome of one pass. Drops are not
// errors: OK=false with a reason is a successful call.
type IngestResult struct {
	OK        bool    `json:"ok"`
	EntrantID int64   `json:"entrant_id,omitempty"`
	LapAdded  bool    `json:"lap_added"`
	LapTimeS  float64 `json:"lap_time_s,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Crediting reasons beyond the filter pipeline's.
const (
	ReasonNoSession        = "no_session"
	ReasonDisabled         = "disabled"
	ReasonNotRacing        = "not_racing"
	ReasonCheckeredFreeze  = "checkered_freeze"
	ReasonSoftEndCompleted = "soft_end_completed"
	ReasonArmed            = "armed"
	ReasonDup              = "dup"
	ReasonMinLap           = "min_lap"
	ReasonLap              = "lap"
	ReasonPitDisabled      = "pit_disabled"
	ReasonPitOpen          = "pit_open"
	ReasonPitClosed        = "pit_closed"
	ReasonPitUnmatched     = "pit_unmatched"
)

// lockedRoster adapts the engine's enabled-tag index to the filter's
// resolver interface. Only used while the engine lock is held.
type lockedRoster struct{ e *Engine }

func (r lockedRoster) TagKnown(tag string) bool {
	_, ok := r.e.tagIndex[tag]
	return ok
}

// IngestPass runs the filter pipeline and applies lap or pit crediting.
// It never blocks on I/O; journal appends ride the batcher and lap rows
// are written after the lock is released.
func (e *Engine) IngestPass(pass model.Pass) IngestResult {
	pass.Tag = strings.TrimSpace(pass.Tag)

	e.mu.Lock()

	if e.race == nil {
		e.mu.Unlock()
		res := IngestResult{Reason: ReasonNoSession}
		e.publishDecision(pass, res, 0)
		return res
	}

	if dec := e.filter.Filter(pass, lockedRoster{e}); !dec.Accept {
		clockMs := e.clockNowLocked()
		e.mu.Unlock()
		res := IngestResult{Reason: dec.Reason}
		e.publishDecision(pass, res, clockMs)
		e.metrics.PassesTotal.WithLabelValues("drop", dec.Reason).Inc()
		return res
	}

	var res IngestResult
	var after []func()
	switch pass.Source {
	case model.SourcePitIn, model.SourcePitOut:
		res, after = e.ingestPitLocked(pass)
	default:
		res, after = e.ingestTrackLocked(pass)
	}

	if res.OK {
		after = append(after, e.checkAutoLocked()...)
	}
	clockMs := e.clockNowLocked()
	e.mu.Unlock()

	e.runAfter(after)
	e.publishDecision(pass, res, clockMs)
	result := "drop"
	if res.OK {
		result = "accept"
	}
	e.metrics.PassesTotal.WithLabelValues(result, res.Reason).Inc()
	return res
}

// ingestTrackLocked applies the lap-crediting rules for a start/finish
// loop crossing.
func (e *Engine) ingestTrackLocked(pass model.Pass) (IngestResult, []func()) {
	r := e.race

	ent, created, res := e.resolveEntrantLocked(pass.Tag)
	if res != nil {
		return *res, nil
	}
	var after []func()
	if created {
		// Provisional entrants are journaled before the pass that
		// created them so replay sees them in order.
		e.appendEventLocked(model.EventEntrantUpsert, entrantUpsertPayload{Entrant: *ent.Clone()})
		roster := []model.Entrant{*ent.Clone()}
		after = append(after, func() {
			if err := e.store.UpsertRoster(roster); err != nil {
				e.logger.Warn("provisional roster persist failed", "entrant_id", roster[0].ID, "error", err)
			}
		})
	}

	if !ent.Enabled {
		return IngestResult{EntrantID: ent.ID, Reason: ReasonDisabled}, after
	}

	switch r.Phase {
	case model.PhasePre, model.PhaseCountdown:
		return IngestResult{EntrantID: ent.ID, Reason: ReasonNotRacing}, after
	case model.PhaseCheckered:
		if !r.Limit.SoftEnd {
			return IngestResult{EntrantID: ent.ID, Reason: ReasonCheckeredFreeze}, after
		}
		if !r.Running {
			return IngestResult{EntrantID: ent.ID, Reason: ReasonCheckeredFreeze}, after
		}
		if ent.SoftEndCompleted {
			return IngestResult{EntrantID: ent.ID, Reason: ReasonSoftEndCompleted}, after
		}
	}

	nowMs := e.clockNowLocked()

	if ent.LastHitMs == nil {
		ms := nowMs
		ent.LastHitMs = &ms
		e.touchLocked()
		e.appendEventLocked(model.EventPass, passPayload{
			Kind: passArm, EntrantID: ent.ID, Tag: pass.Tag,
			Source: string(pass.Source), DeviceID: pass.DeviceID,
		})
		return IngestResult{OK: true, EntrantID: ent.ID, Reason: ReasonArmed}, after
	}

	deltaMs := nowMs - *ent.LastHitMs
	deltaS := float64(deltaMs) / 1000

	// delta < dup rejects; dup <= delta < min_lap rejects; delta >= min_lap
	// credits. Neither rejection re-arms.
	if deltaS < r.MinDupS {
		return IngestResult{EntrantID: ent.ID, Reason: ReasonDup}, after
	}
	if deltaS < r.MinLapS {
		return IngestResult{EntrantID: ent.ID, Reason: ReasonMinLap}, after
	}

	payload := e.creditLapLocked(ent, deltaMs, nowMs)
	payload.Tag = pass.Tag
	payload.Source = string(pass.Source)
	payload.DeviceID = pass.DeviceID
	e.appendEventLocked(model.EventPass, payload)

	raceID, entID, lap, lapMs := r.ID, ent.ID, ent.Laps, deltaMs
	after = append(after, func() {
		if err := e.store.RecordLap(raceID, entID, lap, lapMs, nowMs); err != nil {
			e.logger.Warn("lap row write failed", "entrant_id", entID, "error", err)
		}
	})

	e.metrics.LapsCreditedTotal.Inc()
	return IngestResult{OK: true, EntrantID: ent.ID, LapAdded: true, LapTimeS: deltaS, Reason: ReasonLap}, after
}

// creditLapLocked mutates the entrant for one credited lap and returns the
// journal payload describing the delta.
func (e *Engine) creditLapLocked(ent *model.Entrant, deltaMs, nowMs int64) passPayload {
	r := e.race

	ent.Laps++
	ent.LapMs = append(ent.LapMs, deltaMs)
	recomputeDerived(ent)
	ms := nowMs
	ent.LastHitMs = &ms
	e.touchLocked()

	payload := passPayload{Kind: passLap, EntrantID: ent.ID, LapMs: deltaMs}

	// An entrant finishes when crossing under checkered, or when this very
	// crossing completes the lap limit: that lap falls under the checkered
	// flag it is about to throw.
	finished := r.Phase == model.PhaseCheckered ||
		(r.Limit.Type == model.LimitLaps && ent.Laps >= int(r.Limit.Value))
	if finished && ent.FinishOrder == nil {
		r.FinishCounter++
		fo := r.FinishCounter
		ent.FinishOrder = &fo
		payload.FinishOrder = &fo
		if r.Limit.SoftEnd {
			ent.SoftEndCompleted = true
			payload.SoftEndDone = true
		}
	}
	return payload
}

// recomputeDerived refreshes last/best/pace from the lap history. Shared
// by live crediting and journal replay.
func recomputeDerived(ent *model.Entrant) {
	if len(ent.LapMs) == 0 {
		ent.LastS, ent.BestS, ent.Pace5S = nil, nil, nil
		return
	}
	last := float64(ent.LapMs[len(ent.LapMs)-1]) / 1000
	ent.LastS = &last

	best := ent.LapMs[0]
	for _, ms := range ent.LapMs[1:] {
		if ms < best {
			best = ms
		}
	}
	bestS := float64(best) / 1000
	ent.BestS = &bestS

	n := len(ent.LapMs)
	if n > 5 {
		n = 5
	}
	var sum int64
	for _, ms := range ent.LapMs[len(ent.LapMs)-n:] {
		sum += ms
	}
	pace := float64(sum) / float64(n) / 1000
	ent.Pace5S = &pace
}

// ingestPitLocked handles pit lane loop crossings. Mismatched in/out pairs
// are anomalies, not failures.
func (e *Engine) ingestPitLocked(pass model.Pass) (IngestResult, []func()) {
	if !e.cfg.PitTiming {
		return IngestResult{Reason: ReasonPitDisabled}, nil
	}

	ent, created, res := e.resolveEntrantLocked(pass.Tag)
	if res != nil {
		return *res, nil
	}
	var after []func()
	if created {
		e.appendEventLocked(model.EventEntrantUpsert, entrantUpsertPayload{Entrant: *ent.Clone()})
	}
	if !ent.Enabled {
		return IngestResult{EntrantID: ent.ID, Reason: ReasonDisabled}, after
	}

	nowMs := e.clockNowLocked()

	if pass.Source == model.SourcePitIn {
		if ent.PitOpenMs != nil {
			e.logger.Warn("pit_in while pit already open", "entrant_id", ent.ID)
		}
		ms := nowMs
		ent.PitOpenMs = &ms
		e.touchLocked()
		e.appendEventLocked(model.EventPass, passPayload{
			Kind: passPitIn, EntrantID: ent.ID, Tag: pass.Tag,
			Source: string(pass.Source), DeviceID: pass.DeviceID,
		})
		return IngestResult{OK: true, EntrantID: ent.ID, Reason: ReasonPitOpen}, after
	}

	if ent.PitOpenMs == nil {
		e.logger.Warn("pit_out without matching pit_in", "entrant_id", ent.ID)
		return IngestResult{OK: true, EntrantID: ent.ID, Reason: ReasonPitUnmatched}, after
	}

	pitMs := nowMs - *ent.PitOpenMs
	pitS := float64(pitMs) / 1000
	ent.LastPitS = &pitS
	ent.PitCount++
	ent.PitOpenMs = nil
	e.touchLocked()
	e.appendEventLocked(model.EventPass, passPayload{
		Kind: passPitOut, EntrantID: ent.ID, Tag: pass.Tag,
		Source: string(pass.Source), DeviceID: pass.DeviceID, PitMs: pitMs,
	})
	return IngestResult{OK: true, EntrantID: ent.ID, Reason: ReasonPitClosed}, after
}

// resolveEntrantLocked maps a tag to its entrant, creating a provisional
// entrant for unknown tags when allowed. A non-nil IngestResult means the
// pass terminates here.
func (e *Engine) resolveEntrantLocked(tag string) (ent *model.Entrant, created bool, terminal *IngestResult) {
	if id, ok := e.tagIndex[tag]; ok {
		return e.entrants[id], false, nil
	}

	// The enabled index missed; a disabled entrant may still hold the tag.
	for _, cand := range e.sortedEntrantsLocked() {
		if cand.Tag == tag {
			return cand, false, nil
		}
	}

	if !e.cfg.AutoProvisional {
		// The filter already rejects this case; kept as a guard for
		// direct callers.
		return nil, false, &IngestResult{Reason: filter.ReasonUnknownDisallowed}
	}

	if e.nextID == 0 {
		e.nextID = 1
	}
	id := e.nextID
	e.nextID++
	ent = &model.Entrant{
		ID:          id,
		Name:        "Unknown " + tag,
		Tag:         tag,
		Enabled:     true,
		Status:      model.StatusActive,
		Provisional: true,
	}
	e.entrants[id] = ent
	e.tagIndex[tag] = id
	e.logger.Info("provisional entrant created", "entrant_id", id, "tag", tag)
	return ent, true, nil
}

func (e *Engine) publishDecision(pass model.Pass, res IngestResult, clockMs int64) {
	e.diag.Publish(diagnostics.Decision{
		Pass:      pass,
		Accepted:  res.OK,
		Reason:    res.Reason,
		EntrantID: res.EntrantID,
		LapAdded:  res.LapAdded,
		LapTimeS:  res.LapTimeS,
		ClockMs:   clockMs,
		At:        e.clock.Now(),
	})
}
