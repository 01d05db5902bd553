//go:build windows

package fiberloop

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// Handle is the OS object wrapped by a Pollable: a kernel handle on
// Windows.
type Handle = windows.Handle

// backend is the Windows implementation of the loop's OS event source: a
// single I/O completion port. There are no readiness dispatches here;
// listener machines issue overlapped operations themselves (during
// EventInit or EventComplete) and receive EventComplete when each finishes.
// A machine routes completions by publishing the operation's
// *windows.Overlapped in its listener's Tag.
type backend struct {
	iocp    windows.Handle
	keys    map[uintptr]*Pollable
	nextKey uintptr
}

func (l *Loop) initBackend() error {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("fiberloop: could not create io completion port: %w", err)
	}
	l.backend.iocp = iocp
	l.backend.keys = make(map[uintptr]*Pollable)
	return nil
}

func (l *Loop) deinitBackend() error {
	b := &l.backend
	err := windows.CloseHandle(b.iocp)
	b.keys = nil
	return err
}

// now returns milliseconds on the system tick counter (monotonic).
func (l *Loop) now() int64 {
	return int64(windows.GetTickCount64())
}

// listen associates the pollable's handle with the completion port on its
// first listener. Interest masks have no OS-level meaning here.
func (l *Loop) listen(f *Fiber, p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	s := l.listenImpl(f, p, machine, mask, user)
	b := &l.backend
	if p.flags&pollableRegistered == 0 {
		b.nextKey++
		key := b.nextKey
		if _, err := windows.CreateIoCompletionPort(p.Handle, b.iocp, key, 0); err != nil {
			l.unlistenImpl(s)
			panic(fmt.Errorf("fiberloop: failed to listen for events: %w", err))
		}
		p.flags |= pollableRegistered
		p.key = key
		b.keys[key] = p
	}
	return s
}

// unlisten releases the listener. The port association persists for the
// handle's lifetime; closing the handle removes it.
func (l *Loop) unlisten(s *ListenerState) {
	l.unlistenImpl(s)
}

// waitOnce retrieves one completion packet (or times out at the deadline)
// and dispatches EventComplete to the listener whose Tag matches the
// returned overlapped pointer. Timeouts, per-operation failures, and fatal
// wait errors are distinguished: a failed completion still carries a
// non-nil overlapped and is dispatched with Err set; a failed wait without
// one is fatal.
func (l *Loop) waitOnce(hasTimeout bool, deadline int64) {
	b := &l.backend
	waitMs := uint32(windows.INFINITE)
	if hasTimeout {
		now := l.now()
		if now >= deadline {
			waitMs = 0
		} else if delta := deadline - now; delta >= int64(windows.INFINITE) {
			waitMs = uint32(windows.INFINITE) - 1
		} else {
			waitMs = uint32(delta)
		}
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(b.iocp, &bytes, &key, &overlapped, waitMs)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
			// Deadline: the loop re-checks the timer heap.
			return
		}
		if overlapped == nil {
			l.fatalf("completion port wait failed: %v", err)
			return
		}
		// A specific operation failed; fall through and dispatch it with
		// the failure recorded.
	}
	p := b.keys[key]
	if p == nil {
		// Spurious or post-teardown packet.
		return
	}
	for s := p.state; s != nil; s = s.next {
		tag, ok := s.Tag.(*windows.Overlapped)
		if !ok || tag != overlapped {
			continue
		}
		s.Event = overlapped
		s.Bytes = bytes
		s.Err = err
		if s.machine(s, EventComplete) == StatusDone {
			l.unlisten(s)
		}
		break
	}
}
