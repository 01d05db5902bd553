package fiberloop

import (
	"math/rand"
	"testing"
)

// The heap property must hold on when after arbitrary add/pop sequences.
func TestTimerHeapProperty(t *testing.T) {
	l := &Loop{}
	rng := rand.New(rand.NewSource(1))
	f := &Fiber{}
	check := func() {
		for i := range l.timers {
			left := 2*i + 1
			right := left + 1
			if left < len(l.timers) && l.timers[left].when < l.timers[i].when {
				t.Fatalf("heap property violated at %d/%d", i, left)
			}
			if right < len(l.timers) && l.timers[right].when < l.timers[i].when {
				t.Fatalf("heap property violated at %d/%d", i, right)
			}
		}
	}
	for i := 0; i < 500; i++ {
		l.addTimeout(timeout{when: rng.Int63n(1000), fiber: f})
		check()
	}
	prev := int64(-1)
	for len(l.timers) > 0 {
		to := l.popTimeout()
		if to.when < prev {
			t.Fatalf("pop order not non-decreasing: %d after %d", to.when, prev)
		}
		prev = to.when
		check()
	}
}

func TestTimerHeapPeek(t *testing.T) {
	l := &Loop{}
	f := &Fiber{}
	if _, ok := l.peekTimeout(); ok {
		t.Fatal("peek on empty heap reported ok")
	}
	l.addTimeout(timeout{when: 30, fiber: f})
	l.addTimeout(timeout{when: 10, fiber: f})
	l.addTimeout(timeout{when: 20, fiber: f})
	to, ok := l.peekTimeout()
	if !ok || to.when != 10 {
		t.Fatalf("peek = (%v, %v), want when=10", to, ok)
	}
	if got := l.popTimeout().when; got != 10 {
		t.Fatalf("pop = %d, want 10", got)
	}
	if got := l.popTimeout().when; got != 20 {
		t.Fatalf("pop = %d, want 20", got)
	}
	if got := l.popTimeout().when; got != 30 {
		t.Fatalf("pop = %d, want 30", got)
	}
}
