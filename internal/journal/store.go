// Package journal owns the embedded SQLite store: the append-only race
// event journal, periodic engine checkpoints, and the result/roster tables.
// A single writer goroutine (the microbatch processor) owns all journal
// writes; the engine never blocks on I/O under its lock.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	microbatch "github.com/joeycumines/go-microbatch"
	_ "modernc.org/sqlite"

	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/monitoring"
	"github.com/chronocore/backend/internal/timing"
)

const (
	flushAttempts = 5
	backoffBase   = 100 * time.Millisecond
	backoffCap    = 5 * time.Second
)

// Options tune the store. Zero values fall back to the defaults from the
// configuration package.
type Options struct {
	BatchInterval   time.Duration
	BatchMax        int
	KeepCheckpoints int
	Fsync           bool
}

// Store is the journal and checkpoint store. All methods are safe for
// concurrent use; journal appends are serialized through the batcher.
type Store struct {
	db      *sql.DB
	clock   timing.Clock
	metrics *monitoring.Metrics
	logger  *slog.Logger
	keep    int

	batcher *microbatch.Batcher[*appendJob]

	mu      sync.Mutex
	last    *microbatch.JobResult[*appendJob]
	pending int
}

type appendJob struct {
	ev model.JournalEvent
}

// Open opens (creating if necessary) the database at path and runs schema
// migration. Migration failure is fatal to the caller by contract.
func Open(path string, opts Options, clock timing.Clock, metrics *monitoring.Metrics) (*Store, error) {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 200 * time.Millisecond
	}
	if opts.BatchMax <= 0 {
		opts.BatchMax = 50
	}
	if opts.KeepCheckpoints <= 0 {
		opts.KeepCheckpoints = 5
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// The writer goroutine owns the connection; a single connection also
	// sidesteps SQLITE_BUSY between journal and checkpoint writes.
	db.SetMaxOpenConns(1)

	syncMode := "NORMAL"
	if opts.Fsync {
		syncMode = "FULL"
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + syncMode,
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	s := &Store{
		db:      db,
		clock:   clock,
		metrics: metrics,
		logger:  slog.With("component", "journal"),
		keep:    opts.KeepCheckpoints,
	}
	s.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        opts.BatchMax,
		FlushInterval:  opts.BatchInterval,
		MaxConcurrency: 1,
	}, s.processBatch)

	return s, nil
}

// Append queues a journal event for the next batch flush. The event id and
// wall timestamp are filled in if missing. Append never performs I/O in the
// caller's goroutine; durability requires a subsequent Flush.
func (s *Store) Append(ev model.JournalEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TsUTCMs == 0 {
		ev.TsUTCMs = s.clock.WallMs()
	}

	res, err := s.batcher.Submit(context.Background(), &appendJob{ev: ev})
	if err != nil {
		s.logger.Error("append rejected, store closing", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	s.last = res
	s.pending++
	s.metrics.JournalQueueDepth.Set(float64(s.pending))
	s.mu.Unlock()
}

// Flush waits until every event appended so far is durable. It rides the
// batch timer rather than forcing an early write, so it may take up to one
// batch interval.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.Wait(ctx)
}

// processBatch writes one batch in a single transaction, retrying transient
// failures with exponential backoff. After the final failed attempt the
// batch is dropped (degraded durability) and the writer keeps going.
func (s *Store) processBatch(ctx context.Context, jobs []*appendJob) error {
	start := time.Now()
	defer func() {
		s.metrics.JournalFlush.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.pending -= len(jobs)
		if s.pending < 0 {
			s.pending = 0
		}
		s.metrics.JournalQueueDepth.Set(float64(s.pending))
		s.mu.Unlock()
	}()

	var err error
	for attempt := 0; attempt < flushAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = s.insertEvents(ctx, jobs); err == nil {
			return nil
		}
		s.logger.Warn("journal flush failed", "attempt", attempt+1, "events", len(jobs), "error", err)
	}

	s.logger.Error("journal batch dropped after retries", "events", len(jobs), "error", err)
	return fmt.Errorf("journal: batch of %d dropped: %w", len(jobs), err)
}

func (s *Store) insertEvents(ctx context.Context, jobs []*appendJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO race_events (event_uid, race_id, ts_utc_ms, clock_ms, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		ev := j.ev
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.RaceID, ev.TsUTCMs, ev.ClockMs, string(ev.Type), string(ev.Payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// WriteCheckpoint persists a full engine snapshot and trims old checkpoints
// for the same race down to the configured retention.
func (s *Store) WriteCheckpoint(cp model.Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT INTO race_checkpoints (race_id, ts_utc_ms, clock_ms, snapshot)
		VALUES (?, ?, ?, ?)`,
		cp.RaceID, cp.TsUTCMs, cp.ClockMs, cp.Blob)
	if err != nil {
		return fmt.Errorf("journal: checkpoint: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM race_checkpoints
		WHERE race_id = ? AND id NOT IN (
			SELECT id FROM race_checkpoints WHERE race_id = ? ORDER BY id DESC LIMIT ?
		)`, cp.RaceID, cp.RaceID, s.keep)
	if err != nil {
		return fmt.Errorf("journal: checkpoint trim: %w", err)
	}

	s.metrics.CheckpointsTotal.Inc()
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for the race, or
// ok=false when none exists.
func (s *Store) LatestCheckpoint(raceID int64) (model.Checkpoint, bool, error) {
	var cp model.Checkpoint
	row := s.db.QueryRow(`
		SELECT race_id, ts_utc_ms, clock_ms, snapshot
		FROM race_checkpoints WHERE race_id = ? ORDER BY id DESC LIMIT 1`, raceID)
	err := row.Scan(&cp.RaceID, &cp.TsUTCMs, &cp.ClockMs, &cp.Blob)
	if err == sql.ErrNoRows {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("journal: latest checkpoint: %w", err)
	}
	return cp, true, nil
}

// EventsAfter returns the race's journal events strictly after the given
// (clock_ms, ts_utc_ms) position, in replay order.
func (s *Store) EventsAfter(raceID, clockMs, tsUTCMs int64) ([]model.JournalEvent, error) {
	rows, err := s.db.Query(`
		SELECT event_uid, race_id, ts_utc_ms, clock_ms, type, payload
		FROM race_events
		WHERE race_id = ? AND (clock_ms > ? OR (clock_ms = ? AND ts_utc_ms > ?))
		ORDER BY clock_ms, ts_utc_ms, id`,
		raceID, clockMs, clockMs, tsUTCMs)
	if err != nil {
		return nil, fmt.Errorf("journal: events after: %w", err)
	}
	defer rows.Close()

	var out []model.JournalEvent
	for rows.Next() {
		var ev model.JournalEvent
		var typ, payload string
		if err := rows.Scan(&ev.ID, &ev.RaceID, &ev.TsUTCMs, &ev.ClockMs, &typ, &payload); err != nil {
			return nil, err
		}
		ev.Type = model.JournalEventType(typ)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestRaceID returns the race most recently touched by a checkpoint or
// journal event, for auto-detecting what to recover at startup.
func (s *Store) LatestRaceID() (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT race_id FROM race_checkpoints ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("journal: latest race: %w", err)
	}
	err = s.db.QueryRow(`SELECT race_id FROM race_events ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("journal: latest race: %w", err)
	}
	return id, true, nil
}

// Close drains the batcher and closes the database. Appends after Close are
// dropped with a log line.
func (s *Store) Close(ctx context.Context) error {
	if err := s.batcher.Shutdown(ctx); err != nil {
		s.logger.Warn("batcher shutdown forced", "error", err)
	}
	return s.db.Close()
}

// Ping reports store health for the /health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
