package clock

import (
	"sync"
	"time"
)

// Manual is a hand-driven clock for deterministic tests. Timers created via
// After fire only when Advance (or AdvanceTo) moves time past their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has been advanced by d.
// Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.pending = append(m.pending, &manualTimer{deadline: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d, firing any timers that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo moves time forward to target, firing any timers that became due.
// Moving backwards is a no-op.
func (m *Manual) AdvanceTo(target time.Time) time.Time {
	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	now := m.now
	keep := m.pending[:0]
	var fire []*manualTimer
	for _, timer := range m.pending {
		if timer.deadline.After(now) {
			keep = append(keep, timer)
			continue
		}
		fire = append(fire, timer)
	}
	m.pending = keep
	m.mu.Unlock()
	for _, timer := range fire {
		timer.ch <- now
	}
	return now
}

// Pending reports how many timers are waiting for the clock to advance.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
