package engine

import (
	"time"

	"github.com/chronocore/backend/internal/model"
)

// FlagResult is the SetFlag response.
type FlagResult struct {
	Phase      model.Phase `json:"phase"`
	Flag       model.Flag  `json:"flag"`
	GreenAtUTC *time.Time  `json:"green_at_utc,omitempty"`
}

// SetFlag validates the requested flag against the transition table and
// applies it. Requesting the current flag is an idempotent no-op. In the
// countdown phase every token except PRE is acknowledged but ignored.
func (e *Engine) SetFlag(flag model.Flag, countdownS float64) (FlagResult, error) {
	e.mu.Lock()

	if e.race == nil {
		e.mu.Unlock()
		return FlagResult{}, model.ErrNoSession
	}

	// Repeating the current flag is a no-op success, except in countdown
	// where PRE means "abort the countdown" even though the flag shown is
	// already PRE.
	r := e.race
	if flag == r.Flag && r.Phase != model.PhaseCountdown {
		res := e.flagResultLocked()
		e.mu.Unlock()
		return res, nil
	}

	var after []func()
	switch r.Phase {
	case model.PhasePre:
		switch flag {
		case model.FlagPre:
			// already PRE, handled above
		case model.FlagGreen:
			if countdownS > 0 {
				e.enterCountdownLocked(countdownS)
			} else {
				after = e.enterGreenLocked(false)
			}
		default:
			e.mu.Unlock()
			return FlagResult{}, &model.TransitionError{Phase: r.Phase, Flag: flag}
		}

	case model.PhaseCountdown:
		if flag == model.FlagPre {
			e.cancelCountdownLocked()
			r.Phase = model.PhasePre
			r.Flag = model.FlagPre
			e.touchLocked()
		}
		// other tokens: acknowledged, ignored

	case model.PhaseGreen, model.PhaseWhite:
		switch flag {
		case model.FlagGreen:
			r.Phase = model.PhaseGreen
			r.Flag = model.FlagGreen
			after = e.recordFlagLocked(false, false)
		case model.FlagYellow, model.FlagRed, model.FlagBlue:
			// advisory flags: no engine logic, scoring continues
			r.Flag = flag
			after = e.recordFlagLocked(false, false)
		case model.FlagWhite:
			r.Phase = model.PhaseWhite
			r.Flag = model.FlagWhite
			after = e.recordFlagLocked(false, false)
		case model.FlagCheckered:
			after = e.enterCheckeredLocked(false)
		default:
			e.mu.Unlock()
			return FlagResult{}, &model.TransitionError{Phase: r.Phase, Flag: flag}
		}

	case model.PhaseCheckered:
		if flag != model.FlagCheckered {
			e.mu.Unlock()
			return FlagResult{}, &model.TransitionError{Phase: r.Phase, Flag: flag}
		}
	}

	res := e.flagResultLocked()
	e.mu.Unlock()
	e.runAfter(after)
	e.notifyChanged()
	return res, nil
}

func (e *Engine) flagResultLocked() FlagResult {
	res := FlagResult{Phase: e.race.Phase, Flag: e.race.Flag}
	if t := e.greenAtLocked(); t != nil {
		res.GreenAtUTC = t
	}
	return res
}

// greenAtLocked projects the (actual or scheduled) green wall time.
func (e *Engine) greenAtLocked() *time.Time {
	r := e.race
	if r.GreenAtUTCMs != nil {
		t := time.UnixMilli(*r.GreenAtUTCMs).UTC()
		return &t
	}
	if r.Phase == model.PhaseCountdown && r.countdownTarget != nil {
		remaining := r.countdownTarget.Sub(e.clock.Now())
		t := time.UnixMilli(e.clock.WallMs()).Add(remaining).UTC()
		return &t
	}
	return nil
}

// enterCountdownLocked arms the countdown timer. The flag stays PRE; a
// process restart cancels the countdown (the target is never persisted).
func (e *Engine) enterCountdownLocked(countdownS float64) {
	r := e.race
	d := time.Duration(countdownS * float64(time.Second))
	target := e.clock.Now().Add(d)
	r.Phase = model.PhaseCountdown
	r.Flag = model.FlagPre
	r.countdownTarget = &target
	e.touchLocked()

	e.cancelTimerLocked()
	e.countdownTimer = time.AfterFunc(d, e.countdownFired)
	e.logger.Info("countdown armed", "race_id", r.ID, "seconds", countdownS)
}

// countdownFired is the timer callback performing the GREEN transition.
func (e *Engine) countdownFired() {
	e.mu.Lock()
	if e.race == nil || e.race.Phase != model.PhaseCountdown {
		e.mu.Unlock()
		return
	}
	e.race.countdownTarget = nil
	after := e.enterGreenLocked(false)
	e.mu.Unlock()
	e.runAfter(after)
	e.notifyChanged()
}

func (e *Engine) cancelTimerLocked() {
	if e.countdownTimer != nil {
		e.countdownTimer.Stop()
		e.countdownTimer = nil
	}
}

func (e *Engine) cancelCountdownLocked() {
	e.cancelTimerLocked()
	if e.race != nil {
		e.race.countdownTarget = nil
	}
}

// enterGreenLocked starts (or resumes, from WHITE) the race. On the first
// start the per-entrant last-hit marks are cleared so parade-lap crossings
// cannot produce phantom short first laps.
func (e *Engine) enterGreenLocked(auto bool) []func() {
	r := e.race
	clearArmed := false
	if !r.Running {
		for _, ent := range e.entrants {
			ent.LastHitMs = nil
		}
		r.Running = true
		r.monoAnchor = e.clock.Now()
		now := e.clock.WallMs()
		r.GreenAtUTCMs = &now
		clearArmed = true
	}
	r.Phase = model.PhaseGreen
	r.Flag = model.FlagGreen
	r.countdownTarget = nil
	e.cancelTimerLocked()
	e.touchLocked()
	e.logger.Info("green flag", "race_id", r.ID, "auto", auto)
	return e.recordFlagLocked(auto, clearArmed)
}

// enterCheckeredLocked throws the checkered flag. Hard-end races freeze
// immediately; soft-end races keep running until the timeout or until the
// soft-end window empties.
func (e *Engine) enterCheckeredLocked(auto bool) []func() {
	r := e.race
	cs := e.clockNowLocked()
	r.CheckeredStartMs = &cs
	r.Phase = model.PhaseCheckered
	r.Flag = model.FlagCheckered
	e.touchLocked()
	e.logger.Info("checkered flag", "race_id", r.ID, "clock_ms", cs, "soft_end", r.Limit.SoftEnd, "auto", auto)

	if !r.Limit.SoftEnd {
		return e.freezeLocked(auto)
	}
	return e.recordFlagLocked(auto, false)
}

// freezeLocked stops the clock and locks the classification. The final
// standings are persisted to the result tables outside the lock.
func (e *Engine) freezeLocked(auto bool) []func() {
	r := e.race
	e.foldClockLocked()
	r.Running = false
	e.touchLocked()

	after := e.recordFlagLocked(auto, false)

	results := e.resultRowsLocked()
	raceID, raceType, phase, flag, clockMs := r.ID, r.Type, r.Phase, r.Flag, r.clockMs
	after = append(after, func() {
		if err := e.store.SaveResults(raceID, raceType, phase, flag, clockMs, results); err != nil {
			e.logger.Error("result persist failed", "race_id", raceID, "error", err)
		}
	})
	e.logger.Info("race frozen", "race_id", raceID, "clock_ms", clockMs)
	return after
}

// recordFlagLocked journals the transition and schedules the flags-table
// row write for after the lock is released.
func (e *Engine) recordFlagLocked(auto, clearArmed bool) []func() {
	r := e.race
	e.appendEventLocked(model.EventFlagChange, flagChangePayload{
		Flag:             r.Flag,
		Phase:            r.Phase,
		Running:          r.Running,
		ClockMs:          e.clockNowLocked(),
		CheckeredStartMs: r.CheckeredStartMs,
		GreenAtUTCMs:     r.GreenAtUTCMs,
		ClearArmed:       clearArmed,
		Frozen:           r.Phase == model.PhaseCheckered && !r.Running,
		Auto:             auto,
	})
	raceID, flag, phase, clockMs := r.ID, r.Flag, r.Phase, e.clockNowLocked()
	return []func(){func() {
		if err := e.store.RecordFlag(raceID, flag, phase, clockMs); err != nil {
			e.logger.Warn("flag row write failed", "race_id", raceID, "error", err)
		}
	}}
}

// checkAutoLocked performs the automatic transitions: warning WHITE,
// limit CHECKERED, and the soft-end freeze. Invoked at the end of every
// ingested pass and from the low-frequency tick.
func (e *Engine) checkAutoLocked() []func() {
	r := e.race
	if r == nil {
		return nil
	}
	clockMs := e.clockNowLocked()

	switch r.Phase {
	case model.PhaseGreen:
		if r.Limit.Type == model.LimitTime {
			limitMs := int64(r.Limit.Value * 1000)
			if clockMs >= limitMs {
				return e.enterCheckeredLocked(true)
			}
			if r.Limit.Value >= 60 && clockMs >= limitMs-60000 {
				r.Phase = model.PhaseWhite
				r.Flag = model.FlagWhite
				e.touchLocked()
				e.logger.Info("white flag (auto)", "race_id", r.ID, "clock_ms", clockMs)
				return e.recordFlagLocked(true, false)
			}
		} else {
			leader := e.leaderLapsLocked()
			if leader >= int(r.Limit.Value) {
				return e.enterCheckeredLocked(true)
			}
			if leader == int(r.Limit.Value)-1 {
				r.Phase = model.PhaseWhite
				r.Flag = model.FlagWhite
				e.touchLocked()
				e.logger.Info("white flag (auto)", "race_id", r.ID, "leader_laps", leader)
				return e.recordFlagLocked(true, false)
			}
		}

	case model.PhaseWhite:
		if r.Limit.Type == model.LimitTime {
			if clockMs >= int64(r.Limit.Value*1000) {
				return e.enterCheckeredLocked(true)
			}
		} else if e.leaderLapsLocked() >= int(r.Limit.Value) {
			return e.enterCheckeredLocked(true)
		}

	case model.PhaseCheckered:
		if r.Limit.SoftEnd && r.Running && r.CheckeredStartMs != nil &&
			clockMs-*r.CheckeredStartMs >= int64(r.Limit.SoftEndTimeoutS*1000) {
			return e.freezeLocked(true)
		}
	}
	return nil
}

func (e *Engine) leaderLapsLocked() int {
	max := 0
	for _, ent := range e.entrants {
		if ent.Laps > max {
			max = ent.Laps
		}
	}
	return max
}
