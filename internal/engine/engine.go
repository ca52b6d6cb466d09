// Package engine implements the ChronoCore race engine: lap crediting, the
// flag state machine, standings, roster and tag management, qualifying grid
// handling, and crash recovery from the journal.
//
// Concurrency model: a single mutex serializes every state mutation. The
// engine never performs blocking I/O under the lock; journal appends go to
// the store's batcher and direct row writes (laps, roster, results) are
// deferred to after unlock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/filter"
	"github.com/chronocore/backend/internal/journal"
	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/monitoring"
	"github.com/chronocore/backend/internal/timing"
)

// Store is the persistence surface the engine needs. *journal.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	Append(ev model.JournalEvent)
	Flush(ctx context.Context) error
	WriteCheckpoint(cp model.Checkpoint) error
	LatestCheckpoint(raceID int64) (model.Checkpoint, bool, error)
	EventsAfter(raceID, clockMs, tsUTCMs int64) ([]model.JournalEvent, error)
	LatestRaceID() (int64, bool, error)

	UpsertRoster(entrants []model.Entrant) error
	RecordLap(heatID, entrantID int64, lap int, lapMs, clockMs int64) error
	RecordFlag(raceID int64, flag model.Flag, phase model.Phase, clockMs int64) error
	SaveResults(raceID int64, raceType model.RaceType, phase model.Phase, flag model.Flag, clockMs int64, rows []journal.ResultRow) error

	EnsureHeat(heatID, eventID int64, name string) error
	HeatEvent(heatID int64) (int64, bool, error)
	LapsByEntrant(heatID int64) (map[int64][]int64, error)
	BrakeVerdicts(heatID int64) (map[int64]bool, error)
	SaveGrid(eventID int64, slots []model.GridSlot) error
	LoadGrid(eventID int64) ([]model.GridSlot, bool, error)
}

// Config holds the engine-level knobs (the filter pipeline has its own).
type Config struct {
	MinLapDupS      float64
	AutoProvisional bool
	PitTiming       bool
	CheckpointEvery time.Duration
	TickEvery       time.Duration
}

// raceState is the current session. All fields are guarded by Engine.mu.
type raceState struct {
	ID       int64
	EventID  int64
	Type     model.RaceType
	Phase    model.Phase
	Flag     model.Flag
	Running  bool
	Limit   model.Limit
	MinLapS float64
	MinDupS float64

	// clockMs is the frozen/accumulated race clock. While Running, the
	// live clock is clockMs + (now - monoAnchor).
	clockMs    int64
	monoAnchor time.Time

	CheckeredStartMs *int64
	FinishCounter    int

	countdownTarget *time.Time
	GreenAtUTCMs    *int64
}

// Engine is the single-writer race engine.
type Engine struct {
	mu sync.Mutex

	clock   timing.Clock
	store   Store
	filter  *filter.Pipeline
	diag    *diagnostics.Stream
	metrics *monitoring.Metrics
	logger  *slog.Logger
	cfg     Config

	race     *raceState
	entrants map[int64]*model.Entrant
	tagIndex map[string]int64 // enabled entrants only
	nextID   int64            // next provisional entrant id

	countdownTimer *time.Timer
	lastUpdateMs   int64

	// notify is invoked (outside the lock) after every state change, so
	// the transport layer can push fresh snapshots.
	notify func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires an engine. The filter pipeline is owned by the engine; decoder
// workers must go through IngestPass.
func New(clock timing.Clock, store Store, pipe *filter.Pipeline, diag *diagnostics.Stream, metrics *monitoring.Metrics, cfg Config) *Engine {
	if cfg.MinLapDupS <= 0 {
		cfg.MinLapDupS = 1.0
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 15 * time.Second
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 500 * time.Millisecond
	}
	return &Engine{
		clock:    clock,
		store:    store,
		filter:   pipe,
		diag:     diag,
		metrics:  metrics,
		logger:   slog.With("component", "engine"),
		cfg:      cfg,
		entrants: make(map[int64]*model.Entrant),
		tagIndex: make(map[string]int64),
		stopCh:   make(chan struct{}),
	}
}

// SetNotify installs the state-change callback. Must be called before
// Start; the callback runs outside the engine lock.
func (e *Engine) SetNotify(fn func()) { e.notify = fn }

// LoadRaceRequest is the LoadRace payload.
type LoadRaceRequest struct {
	RaceID   int64               `json:"race_id"`
	EventID  int64               `json:"event_id,omitempty"`
	Name     string              `json:"name,omitempty"`
	RaceType model.RaceType      `json:"race_type"`
	Entrants []model.EntrantSpec `json:"entrants"`
	Limit    model.Limit         `json:"limit"`
	MinLapS  float64             `json:"min_lap_s"`
}

func (r *LoadRaceRequest) validate() error {
	if r.RaceID <= 0 {
		return fmt.Errorf("%w: race_id must be positive", model.ErrInvalidPayload)
	}
	if _, ok := model.ParseRaceType(string(r.RaceType)); !ok {
		return fmt.Errorf("%w: unknown race_type %q", model.ErrInvalidPayload, r.RaceType)
	}
	seen := make(map[int64]struct{}, len(r.Entrants))
	tags := make(map[string]int64, len(r.Entrants))
	for _, spec := range r.Entrants {
		if spec.ID <= 0 {
			return fmt.Errorf("%w: entrant %q lacks a stable id", model.ErrInvalidPayload, spec.Name)
		}
		if spec.Name == "" {
			return fmt.Errorf("%w: entrant %d has no name", model.ErrInvalidPayload, spec.ID)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("%w: duplicate entrant id %d", model.ErrInvalidPayload, spec.ID)
		}
		seen[spec.ID] = struct{}{}

		// tags must be unique among enabled entrants; disabled entrants may
		// keep a colliding tag on the bench
		if spec.Enabled && spec.Tag != "" {
			if holder, dup := tags[spec.Tag]; dup {
				return fmt.Errorf("%w: entrants %d and %d share tag %q",
					model.ErrInvalidPayload, holder, spec.ID, spec.Tag)
			}
			tags[spec.Tag] = spec.ID
		}
	}
	if r.Limit.Type != model.LimitTime && r.Limit.Type != model.LimitLaps {
		return fmt.Errorf("%w: limit type must be time or laps", model.ErrInvalidPayload)
	}
	if r.Limit.SoftEnd && r.Limit.SoftEndTimeoutS <= 0 {
		r.Limit.SoftEndTimeoutS = 30
	}
	return nil
}

// LoadRace replaces the current session. A frozen qualifying grid for the
// race's event is applied unless the race itself is a qualifying session.
func (e *Engine) LoadRace(req LoadRaceRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	// Grid lookup happens before taking the lock: it is store I/O.
	var grid []model.GridSlot
	if req.EventID > 0 && req.RaceType != model.RaceQualifying {
		slots, ok, err := e.store.LoadGrid(req.EventID)
		if err != nil {
			e.logger.Warn("grid load failed, starting without grid", "event_id", req.EventID, "error", err)
		} else if ok {
			grid = slots
		}
	}

	e.mu.Lock()

	e.cancelCountdownLocked()
	e.filter.Reset()

	e.race = &raceState{
		ID:      req.RaceID,
		EventID: req.EventID,
		Type:    req.RaceType,
		Phase:   model.PhasePre,
		Flag:    model.FlagPre,
		Limit:   req.Limit,
		MinLapS: req.MinLapS,
		MinDupS: e.cfg.MinLapDupS,
	}
	e.entrants = make(map[int64]*model.Entrant, len(req.Entrants))
	e.nextID = 0
	for _, spec := range req.Entrants {
		status := model.StatusActive
		if !spec.Enabled {
			status = model.StatusDisabled
		}
		e.entrants[spec.ID] = &model.Entrant{
			ID:      spec.ID,
			Number:  spec.Number,
			Name:    spec.Name,
			Tag:     spec.Tag,
			Enabled: spec.Enabled,
			Status:  status,
		}
		if spec.ID >= e.nextID {
			e.nextID = spec.ID + 1
		}
	}
	for _, slot := range grid {
		if ent, ok := e.entrants[slot.EntrantID]; ok {
			order := slot.Order
			ent.GridIndex = &order
			if slot.BrakeOK != nil {
				v := *slot.BrakeOK
				ent.BrakeValid = &v
			}
		}
	}
	e.rebuildTagIndexLocked()
	e.touchLocked()

	for _, ent := range e.sortedEntrantsLocked() {
		e.appendEventLocked(model.EventEntrantUpsert, entrantUpsertPayload{Entrant: *ent.Clone()})
	}

	roster := e.rosterCopyLocked()
	cp := e.checkpointLocked()
	race := *e.race
	e.mu.Unlock()

	// Persistence outside the lock: roster rows, heat registration, and an
	// immediate checkpoint so recovery never depends on replaying a
	// journal with no base state.
	if err := e.store.UpsertRoster(roster); err != nil {
		e.logger.Error("roster persist failed", "race_id", race.ID, "error", err)
	}
	if err := e.store.EnsureHeat(race.ID, race.EventID, req.Name); err != nil {
		e.logger.Error("heat persist failed", "race_id", race.ID, "error", err)
	}
	if err := e.store.WriteCheckpoint(cp); err != nil {
		e.logger.Error("initial checkpoint failed", "race_id", race.ID, "error", err)
	}

	e.logger.Info("race loaded",
		"race_id", race.ID, "type", race.Type, "entrants", len(roster),
		"limit_type", race.Limit.Type, "limit_value", race.Limit.Value,
		"grid", len(grid) > 0)
	e.notifyChanged()
	return nil
}

// clockNowLocked returns the live race clock in milliseconds.
func (e *Engine) clockNowLocked() int64 {
	if e.race == nil {
		return 0
	}
	if !e.race.Running {
		return e.race.clockMs
	}
	return e.race.clockMs + e.clock.Now().Sub(e.race.monoAnchor).Milliseconds()
}

// foldClockLocked freezes the accumulated clock at the current instant.
func (e *Engine) foldClockLocked() {
	if e.race != nil && e.race.Running {
		e.race.clockMs = e.clockNowLocked()
		e.race.monoAnchor = e.clock.Now()
	}
}

func (e *Engine) touchLocked() {
	e.lastUpdateMs = e.clock.WallMs()
}

func (e *Engine) notifyChanged() {
	if e.notify != nil {
		e.notify()
	}
}

// Start launches the background loops: the checkpoint writer and the
// low-frequency tick that catches time-limit expiry between passes.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.checkpointLoop()
	go e.tickLoop()
}

// Stop halts background loops and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.mu.Lock()
	e.cancelCountdownLocked()
	e.mu.Unlock()
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.race == nil {
				e.mu.Unlock()
				continue
			}
			cp := e.checkpointLocked()
			e.mu.Unlock()

			// Write failures are retried on the next tick.
			if err := e.store.WriteCheckpoint(cp); err != nil {
				e.logger.Warn("checkpoint write failed", "race_id", cp.RaceID, "error", err)
			}
		}
	}
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			var after []func()
			if e.race != nil {
				e.metrics.RaceClockMs.Set(float64(e.clockNowLocked()))
				after = e.checkAutoLocked()
			}
			e.mu.Unlock()
			e.runAfter(after)
		}
	}
}

// runAfter executes deferred post-lock work (store writes, notifications).
func (e *Engine) runAfter(fns []func()) {
	for _, fn := range fns {
		fn()
	}
	if len(fns) > 0 {
		e.notifyChanged()
	}
}

func (e *Engine) rosterCopyLocked() []model.Entrant {
	out := make([]model.Entrant, 0, len(e.entrants))
	for _, ent := range e.sortedEntrantsLocked() {
		out = append(out, *ent.Clone())
	}
	return out
}
