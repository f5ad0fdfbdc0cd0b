package session

import (
	"errors"
	"testing"
	"time"
)

func TestPingQueueFIFO(t *testing.T) {
	q := pingQueue{max: 3}
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		if !q.add(func(error, time.Duration, [8]byte) { order = append(order, i) }) {
			t.Fatalf("add %d failed below capacity", i)
		}
	}
	if q.add(nil) {
		t.Error("add succeeded at capacity")
	}
	for q.len() > 0 {
		req, ok := q.pop()
		if !ok {
			t.Fatal("pop failed with requests outstanding")
		}
		req.done(nil, 0, [8]byte{})
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("completion order = %v, want [1 2 3]", order)
	}
	if _, ok := q.pop(); ok {
		t.Error("pop succeeded on empty queue")
	}
}

func TestPingQueueFailAll(t *testing.T) {
	q := pingQueue{max: 2}
	var got []error
	q.add(func(err error, _ time.Duration, _ [8]byte) { got = append(got, err) })
	q.add(func(err error, _ time.Duration, _ [8]byte) { got = append(got, err) })

	q.failAll(ErrSessionClosed)
	if len(got) != 2 {
		t.Fatalf("failed completions = %d, want 2", len(got))
	}
	for i, err := range got {
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("completion %d error = %v, want ErrSessionClosed", i, err)
		}
	}
	if q.len() != 0 {
		t.Errorf("queue length after failAll = %d, want 0", q.len())
	}
}

func TestSettingsQueueCapacityAndFIFO(t *testing.T) {
	q := settingsQueue{max: 1}
	fired := false
	if !q.add(func(error, time.Duration) { fired = true }) {
		t.Fatal("add failed below capacity")
	}
	if q.add(nil) {
		t.Error("add succeeded at capacity")
	}
	req, ok := q.pop()
	if !ok {
		t.Fatal("pop failed")
	}
	req.done(nil, time.Millisecond)
	if !fired {
		t.Error("completion did not fire")
	}
}

func TestMemoryTracker(t *testing.T) {
	m := memoryTracker{limit: 100}
	if !m.has(100) {
		t.Error("has(100) = false with empty tracker")
	}
	if m.has(101) {
		t.Error("has(101) = true over limit")
	}
	m.add(60)
	if m.has(41) {
		t.Error("has(41) = true with 60 charged")
	}
	if !m.has(40) {
		t.Error("has(40) = false with 60 charged")
	}
	m.release(20)
	if m.current != 40 {
		t.Errorf("current = %d, want 40", m.current)
	}
	// Releasing more than charged clamps at zero instead of wrapping.
	m.release(1000)
	if m.current != 0 {
		t.Errorf("current after over-release = %d, want 0", m.current)
	}
}
