//go:build linux

package fiberloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// backendMaxEvents is the epoll wait batch size.
const backendMaxEvents = 64

// backend is the Linux implementation of the loop's OS event source:
// edge-triggered epoll, with a timerfd delivering the next deadline as an
// event on a sentinel descriptor.
//
// Because notification is edge-triggered, listener machines must consume
// until the OS reports "would block"; interest is only re-armed by a
// subsequent edge.
type backend struct {
	epfd         int
	timerfd      int
	timerEnabled bool
	fds          []*Pollable
	events       [backendMaxEvents]unix.EpollEvent
}

func (l *Loop) initBackend() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fiberloop: epoll create: %w", err)
	}
	timerfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return fmt.Errorf("fiberloop: timerfd create: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(timerfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, timerfd, &ev); err != nil {
		_ = unix.Close(timerfd)
		_ = unix.Close(epfd)
		return fmt.Errorf("fiberloop: register timerfd: %w", err)
	}
	l.backend.epfd = epfd
	l.backend.timerfd = timerfd
	return nil
}

func (l *Loop) deinitBackend() error {
	b := &l.backend
	err := unix.Close(b.epfd)
	if cerr := unix.Close(b.timerfd); err == nil {
		err = cerr
	}
	b.fds = nil
	return err
}

// now returns milliseconds on the monotonic clock.
func (l *Loop) now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		l.fatalf("failed to get time: %v", err)
	}
	return int64(ts.Sec)*1000 + int64(ts.Nsec)/1000000
}

func epollEventsFor(mask ListenMask) uint32 {
	events := uint32(unix.EPOLLET)
	if mask&ListenRead != 0 {
		events |= unix.EPOLLIN
	}
	if mask&ListenWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *backend) trackPollable(p *Pollable) {
	fd := p.Handle
	if fd >= len(b.fds) {
		fds := make([]*Pollable, fd*2+1)
		copy(fds, b.fds)
		b.fds = fds
	}
	b.fds[fd] = p
}

func (b *backend) pollableFor(fd int) *Pollable {
	if fd < 0 || fd >= len(b.fds) {
		return nil
	}
	return b.fds[fd]
}

// listen registers interest with epoll: ADD on the pollable's first
// listener, MOD when the mask grows.
func (l *Loop) listen(f *Fiber, p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	op := unix.EPOLL_CTL_MOD
	if p.state == nil {
		op = unix.EPOLL_CTL_ADD
	}
	s := l.listenImpl(f, p, machine, mask, user)
	ev := unix.EpollEvent{Events: epollEventsFor(p.mask), Fd: int32(p.Handle)}
	var err error
	for {
		err = unix.EpollCtl(l.backend.epfd, op, p.Handle, &ev)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		l.unlistenImpl(s)
		panic(fmt.Errorf("fiberloop: failed to schedule event: %w", err))
	}
	l.backend.trackPollable(p)
	return s
}

// unlisten updates epoll interest (DEL on the last listener, MOD
// otherwise), then releases the listener.
func (l *Loop) unlisten(s *ListenerState) {
	p := s.pollable
	isLast := s.next == nil && p.state == s
	op := unix.EPOLL_CTL_MOD
	if isLast {
		op = unix.EPOLL_CTL_DEL
	}
	ev := unix.EpollEvent{Events: epollEventsFor(p.mask &^ s.mask), Fd: int32(p.Handle)}
	var err error
	for {
		err = unix.EpollCtl(l.backend.epfd, op, p.Handle, &ev)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		l.fatalf("failed to unschedule event: %v", err)
	}
	if isLast {
		l.backend.fds[p.Handle] = nil
	}
	l.unlistenImpl(s)
}

// waitOnce arms the timerfd for the deadline (if any), blocks in epoll, and
// dispatches readiness to the affected listener chains: within one handle,
// EventWrite before EventRead, at most one of each per listener per wake.
func (l *Loop) waitOnce(hasTimeout bool, deadline int64) {
	b := &l.backend
	if b.timerEnabled || hasTimeout {
		var its unix.ItimerSpec
		if hasTimeout {
			ns := deadline * 1000000
			if ns <= 0 {
				// A zero itimerspec disarms rather than firing immediately.
				ns = 1
			}
			its.Value = unix.NsecToTimespec(ns)
		}
		if err := unix.TimerfdSettime(b.timerfd, unix.TFD_TIMER_ABSTIME, &its, nil); err != nil {
			l.fatalf("failed to arm timer: %v", err)
		}
	}
	b.timerEnabled = hasTimeout

	var n int
	for {
		var err error
		n, err = unix.EpollWait(b.epfd, b.events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.fatalf("failed to poll events: %v", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := int(ev.Fd)
		if fd == b.timerfd {
			// Deadline sentinel: drain it and let the loop re-check the
			// timer heap.
			var buf [8]byte
			_, _ = unix.Read(b.timerfd, buf[:])
			continue
		}
		p := b.pollableFor(fd)
		if p == nil {
			continue
		}
		mask := ev.Events
		s := p.state
		for s != nil {
			next := s.next
			status1, status2 := StatusNotDone, StatusNotDone
			s.Event = ev
			if mask&unix.EPOLLOUT != 0 {
				status1 = s.machine(s, EventWrite)
			}
			if mask&unix.EPOLLIN != 0 {
				status2 = s.machine(s, EventRead)
			}
			if status1 == StatusDone || status2 == StatusDone {
				l.unlisten(s)
			}
			s = next
		}
	}
}
