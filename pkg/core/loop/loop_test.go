package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(l.Close)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("ran %d tasks", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order mismatch: %v", got)
		}
	}
}

func TestLoopTimerAndStop(t *testing.T) {
	l := New()
	fired := make(chan struct{})
	l.Post(func() {
		stopped := l.AfterFunc(time.Millisecond, func() { t.Errorf("stopped timer fired") })
		if !stopped.Stop() {
			t.Errorf("stop should report true")
		}
		l.AfterFunc(5*time.Millisecond, func() { close(fired); l.Close() })
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatalf("timer did not fire")
	}
}

func TestLoopFail(t *testing.T) {
	l := New()
	boom := errors.New("boom")
	ranAfter := false
	l.Post(func() { l.Fail(boom) })
	l.Post(func() { ranAfter = true })
	if err := l.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ranAfter {
		t.Fatalf("task after Fail should not run")
	}
}

func TestManualAdvance(t *testing.T) {
	m := NewManual()
	var got []string
	m.AfterFunc(20*time.Millisecond, func() { got = append(got, "b") })
	m.AfterFunc(10*time.Millisecond, func() {
		got = append(got, "a")
		m.Post(func() { got = append(got, "a2") })
	})
	c := m.AfterFunc(15*time.Millisecond, func() { got = append(got, "cancelled") })
	c.Stop()
	start := m.Now()
	m.Advance(15 * time.Millisecond)
	if len(got) != 2 || got[0] != "a" || got[1] != "a2" {
		t.Fatalf("after 15ms: %v", got)
	}
	if m.Timers() != 1 {
		t.Fatalf("timers: %d", m.Timers())
	}
	m.Advance(10 * time.Millisecond)
	if len(got) != 3 || got[2] != "b" {
		t.Fatalf("after 25ms: %v", got)
	}
	if d := m.Now().Sub(start); d != 25*time.Millisecond {
		t.Fatalf("clock: %v", d)
	}
	if c.Stop() {
		t.Fatalf("second stop should report false")
	}
}
