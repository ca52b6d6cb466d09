// Package timing provides the engine's time sources. The race clock is
// derived from the monotonic reading so wall-clock adjustments never move
// race time; wall time is used only for journal timestamps.
package timing

import (
	"sync"
	"time"
)

// Clock is the injectable time source. The engine subtracts Now() values,
// so only the monotonic component matters for race time; WallMs is the
// journal timestamp.
type Clock interface {
	Now() time.Time
	WallMs() int64
}

// System is the production clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) WallMs() int64 { return time.Now().UnixMilli() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake starts a fake clock at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) WallMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.UnixMilli()
}

// Advance moves the clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
