// Package session tracks how often each controller polls and derives an
// advisory backoff hint. Controllers polling faster than the minimum interval
// see the hint double on every consecutive offending poll; one compliant poll
// resets it.
package session

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultBaseInterval = 10 * time.Second
	DefaultMinInterval  = 2 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// Tracker records polls and suggests when a controller should poll next.
type Tracker interface {
	RecordPoll(ctx context.Context, controllerID string, at time.Time) error
	SuggestedBackoff(ctx context.Context, controllerID string) (time.Duration, error)
}

// Policy configures the hint.
type Policy struct {
	Base        time.Duration
	MinInterval time.Duration
	Max         time.Duration
}

// DefaultPolicy returns the 10s base, 2s minimum, 5m cap policy.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBaseInterval, MinInterval: DefaultMinInterval, Max: DefaultMaxBackoff}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBaseInterval
	}
	if p.MinInterval <= 0 {
		p.MinInterval = DefaultMinInterval
	}
	if p.Max <= 0 {
		p.Max = DefaultMaxBackoff
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Hint returns the backoff for a controller with streak consecutive
// too-fast polls.
func (p Policy) Hint(streak int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 0; i < streak; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// tooFast reports whether a poll at at, following one at last, violates the
// minimum interval.
func (p Policy) tooFast(last, at time.Time) bool {
	if last.IsZero() {
		return false
	}
	gap := at.Sub(last)
	return gap >= 0 && gap < p.withDefaults().MinInterval
}

type entry struct {
	last   time.Time
	streak int
}

// MemoryTracker keeps poll state in process memory.
type MemoryTracker struct {
	policy Policy

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryTracker returns a tracker applying p.
func NewMemoryTracker(p Policy) *MemoryTracker {
	return &MemoryTracker{policy: p.withDefaults(), entries: make(map[string]entry)}
}

func (m *MemoryTracker) RecordPoll(_ context.Context, controllerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[controllerID]
	if m.policy.tooFast(e.last, at) {
		e.streak++
	} else {
		e.streak = 0
	}
	e.last = at
	m.entries[controllerID] = e
	return nil
}

func (m *MemoryTracker) SuggestedBackoff(_ context.Context, controllerID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Hint(m.entries[controllerID].streak), nil
}

// Forget drops state for controllers not seen since before cutoff and
// returns how many were removed.
func (m *MemoryTracker) Forget(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.last.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}
