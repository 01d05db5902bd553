//go:build unix && !linux

package fiberloop

import (
	"math"

	"golang.org/x/sys/unix"
)

// backend is the portable Unix implementation of the loop's OS event
// source: level-triggered poll(2). Two parallel slices — the OS poll set and
// a listener map — are indexed by the slot number stored in each listener.
type backend struct {
	fds       []unix.PollFd
	listeners []*ListenerState
}

func (l *Loop) initBackend() error   { return nil }
func (l *Loop) deinitBackend() error { return nil }

// now returns milliseconds on the wall clock. This backend tolerates the
// wall-clock fallback; only deltas are used.
func (l *Loop) now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		l.fatalf("failed to get time: %v", err)
	}
	return int64(ts.Sec)*1000 + int64(ts.Nsec)/1000000
}

func pollEventsFor(mask ListenMask) int16 {
	var events int16
	if mask&ListenRead != 0 {
		events |= unix.POLLIN
	}
	if mask&ListenWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

// listen appends a slot to the poll set for the new listener.
func (l *Loop) listen(f *Fiber, p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	s := l.listenImpl(f, p, machine, mask, user)
	b := &l.backend
	s.index = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{
		Fd:     int32(p.Handle),
		Events: pollEventsFor(p.mask),
	})
	b.listeners = append(b.listeners, s)
	return s
}

// unlisten swap-removes the listener's slot: the last entry moves into the
// vacated position and its listener's index is updated.
func (l *Loop) unlisten(s *ListenerState) {
	b := &l.backend
	last := len(b.fds) - 1
	b.fds[s.index] = b.fds[last]
	b.fds = b.fds[:last]
	replacer := b.listeners[last]
	b.listeners[s.index] = replacer
	b.listeners = b.listeners[:last]
	replacer.index = s.index
	l.unlistenImpl(s)
}

// waitOnce blocks in poll(2) with a timeout computed from the deadline
// (clamped to 31 bits), then dispatches readiness slot by slot: EventWrite
// before EventRead per slot, at most one of each per wake.
func (l *Loop) waitOnce(hasTimeout bool, deadline int64) {
	b := &l.backend
	timeoutMs := -1
	if hasTimeout {
		now := l.now()
		if now > deadline {
			timeoutMs = 0
		} else if delta := deadline - now; delta > math.MaxInt32 {
			timeoutMs = math.MaxInt32
		} else {
			timeoutMs = int(delta)
		}
	}
	for {
		_, err := unix.Poll(b.fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.fatalf("failed to poll events: %v", err)
		}
		break
	}

	for i := 0; i < len(b.fds); i++ {
		pfd := &b.fds[i]
		// Skip slots where nothing interesting happened.
		if pfd.Revents&(pfd.Events|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) == 0 {
			continue
		}
		s := b.listeners[i]
		mask := pfd.Revents
		status1, status2 := StatusNotDone, StatusNotDone
		s.Event = pfd
		if mask&unix.POLLOUT != 0 {
			status1 = s.machine(s, EventWrite)
		}
		if mask&unix.POLLIN != 0 {
			status2 = s.machine(s, EventRead)
		}
		if status1 == StatusDone || status2 == StatusDone {
			// Swap-remove: the moved slot is examined on the next wake.
			l.unlisten(s)
		}
	}
}
