package fiberloop

import "container/heap"

// timeout is a pending wake-up for a fiber at an absolute millisecond
// timestamp. schedID is captured at registration; a mismatch against the
// fiber's current value at dispatch time means the entry is stale and is
// dropped silently.
type timeout struct {
	when    int64
	fiber   *Fiber
	schedID uint32
	isError bool
}

// timerHeap is a min-heap of timeouts keyed on when.
type timerHeap []timeout

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timeout))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timeout{}
	*h = old[:n-1]
	return x
}

func (l *Loop) addTimeout(to timeout) {
	heap.Push(&l.timers, to)
}

// peekTimeout reads the earliest timeout without removing it.
func (l *Loop) peekTimeout() (timeout, bool) {
	if len(l.timers) == 0 {
		return timeout{}, false
	}
	return l.timers[0], true
}

// popTimeout removes the earliest timeout.
func (l *Loop) popTimeout() timeout {
	return heap.Pop(&l.timers).(timeout)
}
