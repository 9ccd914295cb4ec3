package clock

import (
	"sync"
	"time"
)

// Manual is a hand-driven Clock for tests. Advance moves the clock forward
// and fires any timers whose deadline has been reached, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	loc    *time.Location
	timers []*manualTimer
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, loc: start.Location()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Location() *time.Location { return m.loc }

func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		parent:   m,
		deadline: m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- m.now
	} else {
		m.timers = append(m.timers, t)
	}
	return t
}

// Advance moves the clock forward by d and delivers every timer whose
// deadline falls within the new window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due, rest []*manualTimer
	for _, t := range m.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.timers = rest
	m.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		if !t.fired {
			t.fired = true
			t.ch <- now
		}
		t.mu.Unlock()
	}
}

type manualTimer struct {
	parent   *Manual
	deadline time.Time
	ch       chan time.Time

	mu    sync.Mutex
	fired bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.fired = true
	return true
}
