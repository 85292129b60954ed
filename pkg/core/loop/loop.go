// Package loop provides the reactor every connection, client and server
// runs on. All protocol state is touched from exactly one goroutine: the
// one executing Loop.Run. Transports and timers hand work over with Post.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a one-shot callback scheduled on a Scheduler.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from running.
	Stop() bool
}

// Scheduler serializes callbacks. Implementations must run posted tasks
// and timer callbacks one at a time, in posting order.
type Scheduler interface {
	Post(f func())
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
	// Fail aborts the scheduler with err. Only the first error is kept.
	Fail(err error)
}

// Loop is the production Scheduler backed by a single goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	err    error

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Post enqueues f. It never blocks; tasks posted after Close are dropped.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.fired.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return lt
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) Fail(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.closed = true
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.done) })
}

// Close stops the loop; Run returns nil unless Fail was called first.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.done) })
}

// Err returns the error passed to Fail, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Run executes tasks until ctx is cancelled, Close is called or a task
// calls Fail.
func (l *Loop) Run(ctx context.Context) error {
	for {
		batch := l.take()
		for _, f := range batch {
			f()
			if err := l.Err(); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return l.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	q := l.queue
	l.queue = nil
	return q
}

type loopTimer struct {
	t     *time.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.t.Stop()
	return t.fired.CompareAndSwap(false, true)
}
