//go:build unix

package fiberloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// scheduleOnRead resumes the owning fiber with the bytes read from the
// handle, completing after one read.
func scheduleOnRead(s *ListenerState, event AsyncEvent) AsyncStatus {
	switch event {
	case EventRead:
		var buf [256]byte
		n, err := unix.Read(s.Pollable().Handle, buf[:])
		if err != nil || n <= 0 {
			return StatusNotDone
		}
		s.Fiber().Loop().Schedule(s.Fiber(), string(buf[:n]))
		return StatusDone
	}
	return StatusNotDone
}

func TestListenerReadWakeup(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	var got any
	var gotErr error
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, scheduleOnRead, ListenRead, nil)
		got, gotErr = f.Await()
		return nil, gotErr
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		_, err := unix.Write(w, []byte("hello"))
		return nil, err
	})
	l.Run()

	require.NoError(t, gotErr)
	require.Equal(t, "hello", got)
	require.Equal(t, 0, l.ActiveListeners())
}

// A read listener on a handle that never becomes readable is torn down when
// the fiber's error timeout fires: the fiber observes "timeout" and the
// listener count returns to its prior value.
func TestListenerTimeoutCleanup(t *testing.T) {
	l := newTestLoop(t)
	r, _ := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	var gotErr error
	start := time.Now()
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, scheduleOnRead, ListenRead, nil)
		f.AddTimeout(50 * time.Millisecond)
		_, gotErr = f.Await()
		return nil, nil
	})
	l.Run()

	require.Error(t, gotErr)
	require.Equal(t, "timeout", gotErr.Error())
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 0, l.ActiveListeners())
	require.Nil(t, p.state)
}

// Within a single handle, write readiness is dispatched before read
// readiness in one wake.
func TestListenerWriteBeforeRead(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	_, err = unix.Write(fds[0], []byte("x"))
	require.NoError(t, err)

	var p Pollable
	l.InitPollable(&p, fds[1])

	var events []AsyncEvent
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(s *ListenerState, event AsyncEvent) AsyncStatus {
			events = append(events, event)
			if event == EventRead {
				var buf [16]byte
				_, _ = unix.Read(s.Pollable().Handle, buf[:])
				s.Fiber().Loop().Schedule(s.Fiber(), nil)
				return StatusDone
			}
			return StatusNotDone
		}, ListenRead|ListenWrite, nil)
		_, err := f.Await()
		return nil, err
	})
	l.Run()

	require.Equal(t, []AsyncEvent{EventInit, EventWrite, EventRead, EventDeinit}, events)
}

// Spawner listeners have no owning fiber and service events without
// suspending anyone.
func TestSpawnerListener(t *testing.T) {
	l := newTestLoop(t)
	r, w := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	served := 0
	var sawFiber *Fiber
	s := l.ListenSpawnerOn(&p, func(s *ListenerState, event AsyncEvent) AsyncStatus {
		if event != EventRead {
			return StatusNotDone
		}
		sawFiber = s.Fiber()
		var buf [16]byte
		_, _ = unix.Read(s.Pollable().Handle, buf[:])
		served++
		return StatusDone
	}, ListenRead, nil)
	require.Nil(t, s.Fiber())
	require.Equal(t, 1, l.ActiveListeners())

	_, err := unix.Write(w, []byte("go"))
	require.NoError(t, err)
	l.Run()

	require.Equal(t, 1, served)
	require.Nil(t, sawFiber)
	require.Equal(t, 0, l.ActiveListeners())
}

// Listener bookkeeping invariants: each listener appears in its pollable's
// chain exactly once, the pollable mask is the OR of the chain's masks, the
// owner's waiting pointer is symmetric, and the active count matches.
func TestListenerInvariants(t *testing.T) {
	l := newTestLoop(t)
	r, _ := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	// Runs inside fibers too, so report with t.Errorf rather than require.
	checkInvariants := func() {
		count := 0
		var mask ListenMask
		for s := p.state; s != nil; s = s.next {
			count++
			mask |= s.mask
			if s.fiber != nil && s.fiber.waiting != s {
				t.Errorf("listener owner's waiting pointer does not point back")
			}
		}
		if mask != p.mask {
			t.Errorf("pollable mask = %b, want OR of chain masks %b", p.mask, mask)
		}
		if count != l.ActiveListeners() {
			t.Errorf("ActiveListeners() = %d, want %d", l.ActiveListeners(), count)
		}
	}

	var reader, writer *Fiber
	reader = l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(*ListenerState, AsyncEvent) AsyncStatus { return StatusNotDone }, ListenRead, nil)
		_, err := f.Await()
		return nil, err
	})
	writer = l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(*ListenerState, AsyncEvent) AsyncStatus { return StatusNotDone }, ListenWrite, nil)
		_, err := f.Await()
		return nil, err
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		checkInvariants()
		if l.ActiveListeners() != 2 {
			t.Errorf("ActiveListeners() = %d, want 2", l.ActiveListeners())
		}
		l.Cancel(reader, ErrTimeout)
		return nil, nil
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		// The reader is queued but not yet torn down; invariants must hold
		// at every step regardless.
		checkInvariants()
		l.Cancel(writer, ErrTimeout)
		return nil, nil
	})
	l.Run()

	checkInvariants()
	require.Equal(t, 0, l.ActiveListeners())
}

// Listening for an event bit already covered on the pollable is a contract
// violation that unwinds the offending fiber only.
func TestDuplicateListenPanics(t *testing.T) {
	logged := 0
	l := newTestLoop(t, WithLogger(countingLogger(&logged)))
	r, _ := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	first := l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(*ListenerState, AsyncEvent) AsyncStatus { return StatusNotDone }, ListenRead, nil)
		_, err := f.Await()
		return nil, err
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(*ListenerState, AsyncEvent) AsyncStatus { return StatusNotDone }, ListenRead, nil)
		_, err := f.Await()
		return nil, err
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		l.Cancel(first, ErrTimeout)
		return nil, nil
	})
	l.Run()

	require.Equal(t, 2, logged, "duplicate listen and cancelled waiter should both report")
	require.Equal(t, 0, l.ActiveListeners())
}

// Closing a pollable dispatches EventClose to every listener and unlistens
// each; blocked owners are left to their timeouts or cancellation.
func TestPollableClose(t *testing.T) {
	l := newTestLoop(t)
	r, _ := testPipe(t)

	var p Pollable
	l.InitPollable(&p, r)

	var events []AsyncEvent
	owner := l.Call(func(f *Fiber, _ ...any) (any, error) {
		f.Listen(&p, func(s *ListenerState, event AsyncEvent) AsyncStatus {
			events = append(events, event)
			return StatusNotDone
		}, ListenRead, nil)
		_, err := f.Await()
		return nil, err
	})
	l.Call(func(f *Fiber, _ ...any) (any, error) {
		p.Close()
		l.Cancel(owner, ErrTimeout)
		return nil, nil
	})
	l.Run()

	require.Equal(t, []AsyncEvent{EventInit, EventClose, EventDeinit}, events)
	require.Equal(t, 0, l.ActiveListeners())
	require.Nil(t, owner.waiting)
}
