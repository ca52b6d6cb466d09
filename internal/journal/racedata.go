package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chronocore/backend/internal/model"
)

// Roster, lap, flag, grid and result persistence. These writes happen
// outside the hot ingestion path (LoadRace, flag transitions, freeze) or
// are fire-and-forget from the engine's perspective (lap rows).

// UpsertRoster replaces the persisted roster rows for the given entrants.
// Disabled rows keep their historical tags; the partial index only guards
// enabled ones.
func (s *Store) UpsertRoster(entrants []model.Entrant) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: roster: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO entrants (entrant_id, number, name, tag, enabled, status, provisional)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entrant_id) DO UPDATE SET
			number = excluded.number, name = excluded.name, tag = excluded.tag,
			enabled = excluded.enabled, status = excluded.status,
			provisional = excluded.provisional`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entrants {
		var tag any
		if e.Tag != "" {
			tag = e.Tag
		}
		if _, err := stmt.Exec(e.ID, e.Number, e.Name, tag, boolInt(e.Enabled), string(e.Status), boolInt(e.Provisional)); err != nil {
			return fmt.Errorf("journal: roster upsert %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// RecordLap appends one credited lap row for grid freezing and results.
func (s *Store) RecordLap(heatID, entrantID int64, lap int, lapMs, clockMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO lap_events (heat_id, entrant_id, lap, lap_ms, clock_ms, created_utc_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		heatID, entrantID, lap, lapMs, clockMs, s.clock.WallMs())
	if err != nil {
		return fmt.Errorf("journal: lap event: %w", err)
	}
	return nil
}

// RecordFlag appends one flag transition row.
func (s *Store) RecordFlag(raceID int64, flag model.Flag, phase model.Phase, clockMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO flags (race_id, flag, phase, clock_ms, ts_utc_ms)
		VALUES (?, ?, ?, ?, ?)`,
		raceID, string(flag), string(phase), clockMs, s.clock.WallMs())
	if err != nil {
		return fmt.Errorf("journal: flag: %w", err)
	}
	return nil
}

// LapsByEntrant returns every credited lap time (ms) of a heat, grouped by
// entrant and in credit order. Input to FreezeGrid.
func (s *Store) LapsByEntrant(heatID int64) (map[int64][]int64, error) {
	rows, err := s.db.Query(`
		SELECT entrant_id, lap_ms FROM lap_events
		WHERE heat_id = ? ORDER BY entrant_id, lap`, heatID)
	if err != nil {
		return nil, fmt.Errorf("journal: heat laps: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var id, ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = append(out[id], ms)
	}
	return out, rows.Err()
}

// EnsureEvent creates the weekend/event row when it does not exist yet.
func (s *Store) EnsureEvent(eventID int64, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (event_id, name, created_utc_ms) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, name, s.clock.WallMs())
	return err
}

// EnsureHeat creates a heat row bound to an event.
func (s *Store) EnsureHeat(heatID, eventID int64, name string) error {
	if err := s.EnsureEvent(eventID, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO heats (heat_id, event_id, name, created_utc_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(heat_id) DO UPDATE SET event_id = excluded.event_id`,
		heatID, eventID, name, s.clock.WallMs())
	return err
}

// SetBrakeVerdicts stores per-entrant brake test booleans on the heat row.
func (s *Store) SetBrakeVerdicts(heatID int64, verdicts map[int64]bool) error {
	blob, err := json.Marshal(verdicts)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE heats SET brake_json = ? WHERE heat_id = ?`, string(blob), heatID)
	return err
}

// BrakeVerdicts loads the heat's brake test verdicts. Entrants without a
// verdict are simply absent from the map.
func (s *Store) BrakeVerdicts(heatID int64) (map[int64]bool, error) {
	var blob sql.NullString
	err := s.db.QueryRow(`SELECT brake_json FROM heats WHERE heat_id = ?`, heatID).Scan(&blob)
	if err == sql.ErrNoRows || (err == nil && !blob.Valid) {
		return map[int64]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: brake verdicts: %w", err)
	}
	out := make(map[int64]bool)
	if err := json.Unmarshal([]byte(blob.String), &out); err != nil {
		return nil, fmt.Errorf("journal: brake verdicts decode: %w", err)
	}
	return out, nil
}

// HeatEvent resolves the event a heat belongs to.
func (s *Store) HeatEvent(heatID int64) (int64, bool, error) {
	var eventID sql.NullInt64
	err := s.db.QueryRow(`SELECT event_id FROM heats WHERE heat_id = ?`, heatID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return eventID.Int64, eventID.Valid, nil
}

// SaveGrid persists the frozen grid array under the event's config.
func (s *Store) SaveGrid(eventID int64, slots []model.GridSlot) error {
	blob, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	if err := s.EnsureEvent(eventID, ""); err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE events SET grid_json = ? WHERE event_id = ?`, string(blob), eventID)
	if err != nil {
		return fmt.Errorf("journal: save grid: %w", err)
	}
	return nil
}

// LoadGrid returns the event's frozen grid, or ok=false when none was
// frozen yet.
func (s *Store) LoadGrid(eventID int64) ([]model.GridSlot, bool, error) {
	var blob sql.NullString
	err := s.db.QueryRow(`SELECT grid_json FROM events WHERE event_id = ?`, eventID).Scan(&blob)
	if err == sql.ErrNoRows || (err == nil && !blob.Valid) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("journal: load grid: %w", err)
	}
	var slots []model.GridSlot
	if err := json.Unmarshal([]byte(blob.String), &slots); err != nil {
		return nil, false, fmt.Errorf("journal: grid decode: %w", err)
	}
	return slots, true, nil
}

// ResultRow is one classified finishing position at freeze time.
type ResultRow struct {
	Position    int
	EntrantID   int64
	Laps        int
	BestMs      *int64
	LastMs      *int64
	FinishOrder *int
	LapMs       []int64
}

// SaveResults writes the final classification when the race freezes. The
// write replaces any previous result for the race (re-freeze after
// recovery is idempotent).
func (s *Store) SaveResults(raceID int64, raceType model.RaceType, phase model.Phase, flag model.Flag, clockMs int64, rows []ResultRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: results: %w", err)
	}
	defer tx.Rollback()

	for _, del := range []string{
		`DELETE FROM result_standings WHERE race_id = ?`,
		`DELETE FROM result_laps WHERE race_id = ?`,
		`DELETE FROM result_meta WHERE race_id = ?`,
	} {
		if _, err := tx.Exec(del, raceID); err != nil {
			return err
		}
	}

	for _, r := range rows {
		if _, err := tx.Exec(`
			INSERT INTO result_standings (race_id, position, entrant_id, laps, best_ms, last_ms, finish_order)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			raceID, r.Position, r.EntrantID, r.Laps, nullInt64(r.BestMs), nullInt64(r.LastMs), nullInt(r.FinishOrder)); err != nil {
			return err
		}
		for i, ms := range r.LapMs {
			if _, err := tx.Exec(`
				INSERT INTO result_laps (race_id, entrant_id, lap, lap_ms)
				VALUES (?, ?, ?, ?)`,
				raceID, r.EntrantID, i+1, ms); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO result_meta (race_id, race_type, phase, flag, clock_ms, frozen_utc_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		raceID, string(raceType), string(phase), string(flag), clockMs, s.clock.WallMs()); err != nil {
		return err
	}

	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
