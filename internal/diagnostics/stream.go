// Package diagnostics keeps a bounded in-memory history of recent pass
// decisions (accepted and dropped) and fans them out to live observers.
// Nothing here is durable; a restart loses the history.
package diagnostics

import (
	"sync"
	"time"

	"github.com/chronocore/backend/internal/model"
)

const (
	// ringSize is the number of recent decisions retained for the
	// diagnostics endpoint.
	ringSize = 500

	// subscriber channel buffer; slow observers lose events rather than
	// stalling the engine
	bufferSize = 100
)

// Decision is one annotated pass: what came in and what the pipeline and
// engine decided about it.
type Decision struct {
	Pass      model.Pass `json:"pass"`
	Accepted  bool       `json:"accepted"`
	Reason    string     `json:"reason,omitempty"`
	EntrantID int64      `json:"entrant_id,omitempty"`
	LapAdded  bool       `json:"lap_added,omitempty"`
	LapTimeS  float64    `json:"lap_time_s,omitempty"`
	ClockMs   int64      `json:"clock_ms"`
	At        time.Time  `json:"at"`
}

// Stream is the pub/sub ring. Writes come from the engine goroutine only;
// reads may come from any observer.
type Stream struct {
	mu    sync.RWMutex
	ring  []Decision
	next  int
	full  bool
	subs  []chan Decision
	total uint64
}

// NewStream creates an empty diagnostics stream.
func NewStream() *Stream {
	return &Stream{ring: make([]Decision, ringSize)}
}

// Publish records a decision and delivers it to subscribers. Full
// subscriber channels are skipped.
func (s *Stream) Publish(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = d
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
	s.total++

	for _, ch := range s.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

// Subscribe returns a channel of live decisions. The caller must invoke the
// returned unsubscribe function when done; it closes the channel.
func (s *Stream) Subscribe() (<-chan Decision, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Decision, bufferSize)
	s.subs = append(s.subs, ch)

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Recent returns up to n of the most recent decisions, oldest first.
func (s *Stream) Recent(n int) []Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Decision, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// Total reports how many decisions have passed through since startup.
func (s *Stream) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
