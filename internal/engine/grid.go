package engine

import (
	"fmt"
	"sort"

	"github.com/chronocore/backend/internal/model"
)

// Qualifying grid freezing: converts a qualifying heat's lap results into a
// persistent starting order for later races in the same event, applying the
// brake-test policy.

type gridCandidate struct {
	entrantID int64
	bestMs    int64
	brakeOK   *bool
	demoted   bool
	excluded  bool
}

// FreezeGrid reads the source heat's credited laps and brake verdicts,
// applies the policy, and persists the resulting grid under the heat's
// event. The grid is returned for the operator UI.
func (e *Engine) FreezeGrid(sourceHeatID int64, policy model.GridPolicy) ([]model.GridSlot, error) {
	if _, ok := model.ParseGridPolicy(string(policy)); !ok {
		return nil, fmt.Errorf("%w: unknown grid policy %q", model.ErrInvalidPayload, policy)
	}

	eventID, ok, err := e.store.HeatEvent(sourceHeatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: heat %d", model.ErrNotFound, sourceHeatID)
	}

	laps, err := e.store.LapsByEntrant(sourceHeatID)
	if err != nil {
		return nil, err
	}
	verdicts, err := e.store.BrakeVerdicts(sourceHeatID)
	if err != nil {
		return nil, err
	}

	var cands []gridCandidate
	for entrantID, lapMs := range laps {
		if len(lapMs) == 0 {
			continue
		}
		c := gridCandidate{entrantID: entrantID}
		if v, has := verdicts[entrantID]; has {
			verdict := v
			c.brakeOK = &verdict
		}

		sorted := append([]int64(nil), lapMs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		if c.brakeOK != nil && !*c.brakeOK {
			switch policy {
			case model.PolicyExclude:
				c.excluded = true
				c.bestMs = sorted[0]
			case model.PolicyUseNextValid:
				if len(sorted) < 2 {
					// only one lap: nothing valid remains
					c.excluded = true
					c.bestMs = sorted[0]
				} else {
					c.bestMs = sorted[1]
				}
			case model.PolicyDemote:
				c.demoted = true
				c.bestMs = sorted[0]
			}
		} else {
			c.bestMs = sorted[0]
		}
		cands = append(cands, c)
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.excluded != b.excluded {
			return !a.excluded
		}
		if a.demoted != b.demoted {
			return !a.demoted
		}
		if a.bestMs != b.bestMs {
			return a.bestMs < b.bestMs
		}
		return a.entrantID < b.entrantID
	})

	slots := make([]model.GridSlot, 0, len(cands))
	order := 0
	for _, c := range cands {
		if c.excluded {
			continue
		}
		order++
		slots = append(slots, model.GridSlot{
			EntrantID: c.entrantID,
			Order:     order,
			BestMs:    c.bestMs,
			BrakeOK:   c.brakeOK,
			Demoted:   c.demoted,
		})
	}

	if err := e.store.SaveGrid(eventID, slots); err != nil {
		return nil, err
	}
	e.logger.Info("grid frozen", "heat_id", sourceHeatID, "event_id", eventID, "policy", policy, "slots", len(slots))

	// If the loaded race belongs to the same event and has not started,
	// attach the fresh grid so the pre-race display order updates.
	e.mu.Lock()
	if e.race != nil && e.race.EventID == eventID && e.race.Type != model.RaceQualifying &&
		(e.race.Phase == model.PhasePre || e.race.Phase == model.PhaseCountdown) {
		for _, ent := range e.entrants {
			ent.GridIndex = nil
			ent.BrakeValid = nil
		}
		for _, slot := range slots {
			if ent, ok := e.entrants[slot.EntrantID]; ok {
				o := slot.Order
				ent.GridIndex = &o
				if slot.BrakeOK != nil {
					v := *slot.BrakeOK
					ent.BrakeValid = &v
				}
			}
		}
		e.touchLocked()
	}
	e.mu.Unlock()
	e.notifyChanged()

	return slots, nil
}
