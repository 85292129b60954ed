package loop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler with a virtual clock. Nothing runs
// until the test calls Drain or Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
	err    error
}

func NewManual() *Manual {
	return &Manual{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Manual) Post(f func()) {
	m.mu.Lock()
	m.queue = append(m.queue, f)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.seq++
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// Err returns the first error passed to Fail.
func (m *Manual) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Timers returns the number of armed timers.
func (m *Manual) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Drain runs queued tasks, including ones they post, until the queue is empty.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		f()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline
// order and draining the queue after each one.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()
	for {
		t := m.popDue(end)
		if t == nil {
			break
		}
		t.f()
		m.Drain()
	}
	m.mu.Lock()
	m.now = end
	m.mu.Unlock()
}

func (m *Manual) popDue(end time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	t := m.timers[0]
	if t.when.After(end) {
		return nil
	}
	m.timers = m.timers[1:]
	if t.when.After(m.now) {
		m.now = t.when
	}
	t.done = true
	return t
}

type manualTimer struct {
	m    *Manual
	when time.Time
	seq  uint64
	f    func()
	done bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, x := range t.m.timers {
		if x == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			break
		}
	}
	return true
}
