// Package filter implements the pass admission pipeline that sits between
// decoder workers and the race engine. It is stateless across restarts:
// every window starts empty after a crash, and drops are never journaled.
package filter

import (
	"strings"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/timing"
)

// Drop reasons. These are outcomes, not errors.
const (
	ReasonShortTag          = "short_tag"
	ReasonRateLimit         = "rate_limit"
	ReasonDuplicateWindow   = "duplicate_window"
	ReasonUnknownDisallowed = "unknown_and_disallowed"
)

// rateCategory is the single catrate bucket: the limit is global across all
// tags and sources.
const rateCategory = "global"

// Config holds the pipeline thresholds.
type Config struct {
	MinTagLen       int
	RatePerSec      int
	DuplicateWindow time.Duration
	AutoProvisional bool
}

// TagResolver reports whether a tag maps to an enabled entrant. The engine
// provides this; the pipeline itself holds no roster state.
type TagResolver interface {
	TagKnown(tag string) bool
}

// Decision is the pipeline verdict for one pass.
type Decision struct {
	Accept bool
	Reason string
}

// Pipeline applies short-tag, duplicate-window, unknown-tag and rate-limit
// filtering, in that order. Safe for concurrent use.
type Pipeline struct {
	cfg   Config
	clock timing.Clock
	rate  *catrate.Limiter

	mu       sync.Mutex
	lastSeen map[string]time.Time // tag -> last accepted
}

// New builds a pipeline with the given thresholds. Zero-valued fields fall
// back to the defaults (7 / 20 per second / 500ms).
func New(cfg Config, clock timing.Clock) *Pipeline {
	if cfg.MinTagLen <= 0 {
		cfg.MinTagLen = 7
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 500 * time.Millisecond
	}
	return &Pipeline{
		cfg:      cfg,
		clock:    clock,
		rate:     catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.RatePerSec}),
		lastSeen: make(map[string]time.Time),
	}
}

// Filter decides whether a pass reaches the engine. Acceptance is recorded
// in the duplicate window and the rate window; drops are not.
func (p *Pipeline) Filter(pass model.Pass, roster TagResolver) Decision {
	tag := strings.TrimSpace(pass.Tag)
	if len(tag) < p.cfg.MinTagLen {
		return Decision{Reason: ReasonShortTag}
	}

	now := p.clock.Now()

	p.mu.Lock()
	last, seen := p.lastSeen[tag]
	if seen && now.Sub(last) < p.cfg.DuplicateWindow {
		p.mu.Unlock()
		return Decision{Reason: ReasonDuplicateWindow}
	}
	p.mu.Unlock()

	if !roster.TagKnown(tag) && !p.cfg.AutoProvisional {
		return Decision{Reason: ReasonUnknownDisallowed}
	}

	// Last check, so the sliding window only ever counts accepted passes.
	if _, ok := p.rate.Allow(rateCategory); !ok {
		return Decision{Reason: ReasonRateLimit}
	}

	p.mu.Lock()
	p.lastSeen[tag] = now
	p.mu.Unlock()

	return Decision{Accept: true}
}

// Reset clears the duplicate window, e.g. when a new race is loaded.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = make(map[string]time.Time)
}
