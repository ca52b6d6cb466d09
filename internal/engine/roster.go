package engine

import (
	"fmt"
	"strings"

	"github.com/chronocore/backend/internal/model"
)

// Roster and tag management. The tag index covers enabled entrants only;
// disabled entrants may retain historical tags that collide freely.

// rebuildTagIndexLocked rebuilds the enabled-only tag index from scratch.
// Called on every enable/disable/assign; the roster is small enough that
// incremental maintenance is not worth the bug surface.
func (e *Engine) rebuildTagIndexLocked() {
	e.tagIndex = make(map[string]int64, len(e.entrants))
	for id, ent := range e.entrants {
		if ent.Enabled && ent.Tag != "" {
			e.tagIndex[ent.Tag] = id
		}
	}
}

// tagConflictLocked reports the enabled entrant (other than exclude)
// holding the tag, if any.
func (e *Engine) tagConflictLocked(tag string, exclude int64) *model.Entrant {
	if tag == "" {
		return nil
	}
	if id, ok := e.tagIndex[tag]; ok && id != exclude {
		return e.entrants[id]
	}
	return nil
}

// AssignTag sets (or clears, with an empty tag) an entrant's transponder
// tag. Assigning the tag an entrant already holds is an idempotent no-op
// that emits no journal event.
func (e *Engine) AssignTag(entrantID int64, tag string) error {
	tag = strings.TrimSpace(tag)

	e.mu.Lock()

	if e.race == nil {
		e.mu.Unlock()
		return model.ErrNoSession
	}
	ent, ok := e.entrants[entrantID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: entrant %d", model.ErrNotFound, entrantID)
	}
	if ent.Tag == tag {
		e.mu.Unlock()
		return nil
	}
	if holder := e.tagConflictLocked(tag, entrantID); holder != nil {
		err := &model.ConflictError{Tag: tag, HolderID: holder.ID, HolderNum: holder.Number}
		e.mu.Unlock()
		return err
	}

	ent.Tag = tag
	e.rebuildTagIndexLocked()
	e.touchLocked()
	e.appendEventLocked(model.EventAssignTag, assignTagPayload{EntrantID: entrantID, Tag: tag})

	row := *ent.Clone()
	e.mu.Unlock()

	if err := e.store.UpsertRoster([]model.Entrant{row}); err != nil {
		e.logger.Warn("tag persist failed", "entrant_id", entrantID, "error", err)
	}
	e.notifyChanged()
	return nil
}

// SetEntrantEnabled enables or disables an entrant. Enabling fails with
// Conflict when the entrant's tag is already held by another enabled
// entrant.
func (e *Engine) SetEntrantEnabled(entrantID int64, enabled bool) error {
	e.mu.Lock()

	if e.race == nil {
		e.mu.Unlock()
		return model.ErrNoSession
	}
	ent, ok := e.entrants[entrantID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: entrant %d", model.ErrNotFound, entrantID)
	}
	if ent.Enabled == enabled {
		e.mu.Unlock()
		return nil
	}
	if enabled {
		if holder := e.tagConflictLocked(ent.Tag, entrantID); holder != nil {
			err := &model.ConflictError{Tag: ent.Tag, HolderID: holder.ID, HolderNum: holder.Number}
			e.mu.Unlock()
			return err
		}
	}

	ent.Enabled = enabled
	if enabled {
		ent.Status = model.StatusActive
	} else {
		ent.Status = model.StatusDisabled
	}
	e.rebuildTagIndexLocked()
	e.touchLocked()
	e.appendEventLocked(model.EventEntrantEnable, enablePayload{
		EntrantID: entrantID, Enabled: enabled, Status: ent.Status,
	})

	row := *ent.Clone()
	e.mu.Unlock()

	if err := e.store.UpsertRoster([]model.Entrant{row}); err != nil {
		e.logger.Warn("enable persist failed", "entrant_id", entrantID, "error", err)
	}
	e.notifyChanged()
	return nil
}
