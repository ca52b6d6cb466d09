package journal

import "database/sql"

// Schema for the single embedded store. The partial unique index on
// entrants(tag) enforces enabled-only tag uniqueness below the engine,
// so an app-layer bug cannot persist a collision.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		grid_json  TEXT,
		created_utc_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS heats (
		heat_id    INTEGER PRIMARY KEY,
		event_id   INTEGER REFERENCES events(event_id),
		name       TEXT NOT NULL DEFAULT '',
		brake_json TEXT,
		created_utc_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entrants (
		entrant_id INTEGER PRIMARY KEY,
		number     TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL,
		tag        TEXT,
		enabled    INTEGER NOT NULL DEFAULT 1,
		status     TEXT NOT NULL DEFAULT 'ACTIVE',
		provisional INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_entrants_tag
		ON entrants(tag) WHERE enabled = 1 AND tag IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS lap_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		heat_id    INTEGER NOT NULL,
		entrant_id INTEGER NOT NULL,
		lap        INTEGER NOT NULL,
		lap_ms     INTEGER NOT NULL,
		clock_ms   INTEGER NOT NULL,
		created_utc_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_lap_events_heat ON lap_events(heat_id, entrant_id)`,
	`CREATE TABLE IF NOT EXISTS flags (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		race_id   INTEGER NOT NULL,
		flag      TEXT NOT NULL,
		phase     TEXT NOT NULL,
		clock_ms  INTEGER NOT NULL,
		ts_utc_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS race_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		event_uid TEXT NOT NULL,
		race_id   INTEGER NOT NULL,
		ts_utc_ms INTEGER NOT NULL,
		clock_ms  INTEGER NOT NULL,
		type      TEXT NOT NULL,
		payload   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_race_events_replay ON race_events(race_id, clock_ms, ts_utc_ms)`,
	`CREATE TABLE IF NOT EXISTS race_checkpoints (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		race_id   INTEGER NOT NULL,
		ts_utc_ms INTEGER NOT NULL,
		clock_ms  INTEGER NOT NULL,
		snapshot  BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_race_checkpoints_race ON race_checkpoints(race_id, id)`,
	`CREATE TABLE IF NOT EXISTS result_standings (
		race_id      INTEGER NOT NULL,
		position     INTEGER NOT NULL,
		entrant_id   INTEGER NOT NULL,
		laps         INTEGER NOT NULL,
		best_ms      INTEGER,
		last_ms      INTEGER,
		finish_order INTEGER,
		PRIMARY KEY (race_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS result_laps (
		race_id    INTEGER NOT NULL,
		entrant_id INTEGER NOT NULL,
		lap        INTEGER NOT NULL,
		lap_ms     INTEGER NOT NULL,
		PRIMARY KEY (race_id, entrant_id, lap)
	)`,
	`CREATE TABLE IF NOT EXISTS result_meta (
		race_id       INTEGER PRIMARY KEY,
		race_type     TEXT NOT NULL,
		phase         TEXT NOT NULL,
		flag          TEXT NOT NULL,
		clock_ms      INTEGER NOT NULL,
		frozen_utc_ms INTEGER NOT NULL
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
