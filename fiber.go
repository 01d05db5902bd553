package fiberloop

import (
	"runtime/debug"
	"time"
)

// Signal is the status a fiber yields back to the loop when it stops
// running, and the status the loop resumes it with.
type Signal uint8

const (
	// SignalOK means the fiber ran to completion (or, as a resume signal,
	// that the resume is a normal wake-up).
	SignalOK Signal = iota
	// SignalEvent means the fiber suspended itself and is waiting on a
	// timeout, listener, or channel.
	SignalEvent
	// SignalError means the fiber failed (or, as a resume signal, that the
	// fiber is being cancelled with the resume value).
	SignalError
)

// String returns a human-readable representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalOK:
		return "ok"
	case SignalEvent:
		return "event"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

type fiberFlags uint8

const (
	// fiberScheduled is set while the fiber sits in the run queue; it makes
	// scheduling idempotent.
	fiberScheduled fiberFlags = 1 << iota
)

// FiberFunc is the body of a fiber. The fiber handle is the only way to
// reach the blocking operations ([Fiber.Sleep], [Fiber.Give], [Fiber.Take],
// [Fiber.Select], [Fiber.Listen]). A non-nil error return surfaces to the
// loop's error sink as a fiber failure.
type FiberFunc func(f *Fiber, args ...any) (any, error)

// Fiber is a cooperatively scheduled, resumable computation. Each fiber runs
// its body on a dedicated goroutine, but control is handed off strictly:
// exactly one of the loop goroutine and the fiber goroutine executes at any
// moment, so the runtime remains observably single-threaded.
//
// A fiber must not be shared across loops, and its blocking methods must
// only be called from its own body.
type Fiber struct {
	loop *Loop
	fn   FiberFunc
	args []any

	// schedID is the fiber's epoch counter. It is incremented on every
	// scheduling; timeouts and channel waiters capture it at registration
	// and are dropped at dispatch if it has moved on.
	schedID uint32
	flags   fiberFlags

	// waiting is the single listener this fiber is blocked on, if any.
	waiting *ListenerState

	resume  chan resumeMsg
	yield   chan yieldMsg
	started bool
	done    bool
}

type resumeMsg struct {
	value any
	sig   Signal
}

type yieldMsg struct {
	value any
	sig   Signal
}

func newFiber(l *Loop, fn FiberFunc, args []any) *Fiber {
	return &Fiber{
		loop:   l,
		fn:     fn,
		args:   args,
		resume: make(chan resumeMsg),
		yield:  make(chan yieldMsg),
	}
}

// Loop returns the loop that owns this fiber.
func (f *Fiber) Loop() *Loop { return f.loop }

// continueSignal resumes the fiber with a value and an incoming signal, and
// blocks until the fiber either suspends (SignalEvent), completes
// (SignalOK), or fails (SignalError). Called only from the loop goroutine.
func (f *Fiber) continueSignal(value any, sigin Signal) (Signal, any) {
	if f.done {
		return SignalError, ErrDeadFiber
	}
	if !f.started {
		f.started = true
		go f.run()
	}
	f.resume <- resumeMsg{value: value, sig: sigin}
	y := <-f.yield
	if y.sig != SignalEvent {
		f.done = true
	}
	return y.sig, y.value
}

// run is the fiber goroutine: wait for the first resume, execute the body,
// and yield the terminal signal. Uncaught panics become SignalError.
func (f *Fiber) run() {
	msg := <-f.resume
	var out yieldMsg
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = yieldMsg{value: PanicError{Value: r, Stack: debug.Stack()}, sig: SignalError}
			}
		}()
		if msg.sig == SignalError {
			// Cancelled before first run.
			out = yieldMsg{value: msg.value, sig: SignalError}
			return
		}
		result, err := f.fn(f, f.args...)
		if err != nil {
			out = yieldMsg{value: err, sig: SignalError}
			return
		}
		out = yieldMsg{value: result, sig: SignalOK}
	}()
	f.yield <- out
}

// Await suspends the fiber until the loop resumes it. Returns the resume
// value, or an error if the fiber was resumed with SignalError (cancelled).
// Callers must have registered exactly one wake-up source (timeout, listener,
// or channel waiter) before awaiting; the blocking methods do this
// themselves, so Await is only needed after [Fiber.Listen] or
// [Fiber.AddTimeout].
func (f *Fiber) Await() (any, error) {
	f.yield <- yieldMsg{sig: SignalEvent}
	msg := <-f.resume
	if msg.sig == SignalError {
		return nil, asError(msg.value)
	}
	return msg.value, nil
}

// didResume tears down the fiber's waiting listener, if any. Called by the
// loop just before resuming the fiber, which handles forcible wake-ups (for
// example cancellation) while blocked on I/O.
func (f *Fiber) didResume() {
	if f.waiting != nil {
		f.loop.unlisten(f.waiting)
	}
}

// AddTimeout registers an error timeout for this fiber at its current epoch.
// If the fiber is still suspended at the same epoch when the timeout
// expires, it is cancelled with [ErrTimeout]. Unlike [Fiber.Sleep] this does
// not suspend; it is meant to bound a subsequent [Fiber.Listen] await.
func (f *Fiber) AddTimeout(d time.Duration) {
	f.loop.addTimeout(timeout{
		// +1 covers the truncation of now(), as in Sleep.
		when:    f.loop.now() + durationMs(d) + 1,
		fiber:   f,
		schedID: f.schedID,
		isError: true,
	})
}

// Sleep suspends the fiber for at least d without blocking the loop. It
// returns nil on normal expiry, or the cancellation error if the fiber was
// cancelled first.
func (f *Fiber) Sleep(d time.Duration) error {
	f.loop.addTimeout(timeout{
		// now() truncates to whole milliseconds; the extra millisecond keeps
		// the deadline from landing before d has elapsed.
		when:    f.loop.now() + durationMs(d) + 1,
		fiber:   f,
		schedID: f.schedID,
		isError: false,
	})
	_, err := f.Await()
	return err
}

func durationMs(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
