package fiberloop

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/joeycumines/logiface"
)

// task is a pending fiber resumption in the run queue. sig distinguishes a
// normal resume from a cancellation.
type task struct {
	fiber *Fiber
	value any
	sig   Signal
}

// Loop is a single-threaded cooperative scheduler. It multiplexes fibers,
// millisecond timers, and I/O readiness for OS handles onto one backend
// event source, and hosts the channel primitive.
//
// All loop state is confined to the goroutine that drives Run; there is no
// locking because there is no sharing. Multiple independent loops may run on
// separate goroutines, each with its own run queue, timers, backend
// registration, and channels. Channels must not be shared across loops.
type Loop struct {
	// Make Loop non-comparable
	_ [0]func()

	runq            queue[task]
	timers          timerHeap
	activeListeners int
	rng             *rand.Rand
	logger          *logiface.Logger[logiface.Event]
	backend         backend
}

// New creates a loop and initializes its OS backend.
func New(options ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(options)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		rng:    rand.New(rand.NewSource(cfg.randSeed)),
		logger: cfg.logger,
	}
	if l.logger == nil {
		l.logger = noopLogger()
	}
	if err := l.initBackend(); err != nil {
		return nil, err
	}
	return l, nil
}

// Close releases the loop's backend resources. The loop must not be used
// afterwards. Pending fibers, timers, and listeners are abandoned.
func (l *Loop) Close() error {
	return l.deinitBackend()
}

// scheduleSignal enqueues a resumption for the fiber. It is idempotent: a
// fiber already in the run queue is left untouched. Scheduling increments
// the fiber's epoch, invalidating any queued wake-up that captured the
// previous value.
func (l *Loop) scheduleSignal(f *Fiber, value any, sig Signal) {
	if f.flags&fiberScheduled != 0 {
		return
	}
	f.flags |= fiberScheduled
	f.schedID++
	if !l.runq.push(task{fiber: f, value: value, sig: sig}) {
		l.fatalf("run queue overflow")
	}
}

// Schedule enqueues a normal resumption of the fiber with a value.
func (l *Loop) Schedule(f *Fiber, value any) {
	l.scheduleSignal(f, value, SignalOK)
}

// Cancel enqueues an error resumption of the fiber. When the fiber next
// runs, its pending wait (listener, timeout, or channel registration) is
// torn down or invalidated, and the blocked operation returns err.
func (l *Loop) Cancel(f *Fiber, err error) *Fiber {
	l.scheduleSignal(f, err, SignalError)
	return f
}

// Call creates a fiber running fn(args...) and schedules it. The returned
// fiber can be passed to Cancel or Go.
func (l *Loop) Call(fn FiberFunc, args ...any) *Fiber {
	f := newFiber(l, fn, args)
	l.Schedule(f, nil)
	return f
}

// Go schedules an existing fiber to resume with value.
func (l *Loop) Go(f *Fiber, value any) *Fiber {
	l.Schedule(f, value)
	return f
}

// runOne resumes one task's fiber and routes a terminal failure to the
// error sink. SignalEvent means the fiber suspended itself again.
func (l *Loop) runOne(t task) {
	t.fiber.flags &^= fiberScheduled
	t.fiber.didResume()
	sig, res := t.fiber.continueSignal(t.value, t.sig)
	if sig != SignalOK && sig != SignalEvent {
		l.reportFiberError(t.fiber, sig, res)
	}
}

// loop1 is a single scheduler pass: expire timers, drain the run queue,
// then block in the backend for the next event.
func (l *Loop) loop1() {
	// Schedule expired timers.
	now := l.now()
	for {
		to, ok := l.peekTimeout()
		if !ok || to.when > now {
			break
		}
		l.popTimeout()
		if to.fiber.schedID == to.schedID {
			if to.isError {
				l.Cancel(to.fiber, ErrTimeout)
			} else {
				l.Schedule(to.fiber, nil)
			}
		}
	}
	// Run scheduled fibers.
	for {
		t, ok := l.runq.pop()
		if !ok {
			break
		}
		l.runOne(t)
	}
	// Poll for events.
	if l.activeListeners > 0 || len(l.timers) > 0 {
		// Drop timeouts that are no longer needed.
		var to timeout
		hasTimeout := false
		for {
			top, ok := l.peekTimeout()
			if !ok {
				break
			}
			if top.fiber.schedID != top.schedID {
				l.popTimeout()
				continue
			}
			to = top
			hasTimeout = true
			break
		}
		if !hasTimeout && l.activeListeners == 0 {
			// Every pending timeout was stale; nothing left to wait for.
			return
		}
		l.waitOnce(hasTimeout, to.when)
	}
}

// Run drives the loop until no fiber is runnable, no timeout is pending,
// and no listener is registered.
func (l *Loop) Run() {
	for l.activeListeners > 0 || l.runq.count() > 0 || len(l.timers) > 0 {
		l.loop1()
	}
}

// MarkRoots visits every fiber and value in the run queue and every fiber
// in the timer heap. Embedders that manage host value lifetimes outside Go
// call this from their collector; channels and pollables have their own
// MarkRoots.
func (l *Loop) MarkRoots(visit func(any)) {
	l.runq.each(func(t *task) {
		visit(t.fiber)
		if t.value != nil {
			visit(t.value)
		}
	})
	for i := range l.timers {
		visit(l.timers[i].fiber)
	}
}

// ActiveListeners returns the number of live listeners across all
// pollables registered with this loop.
func (l *Loop) ActiveListeners() int { return l.activeListeners }

// reportFiberError is the stack-trace sink: fiber failures are reported
// here and do not abort the loop.
func (l *Loop) reportFiberError(f *Fiber, sig Signal, value any) {
	b := l.logger.Err().Str("signal", sig.String())
	if pe, ok := value.(PanicError); ok {
		b = b.Str("stack", string(pe.Stack))
	}
	if err, ok := value.(error); ok {
		b.Err(err).Log("fiber error")
		return
	}
	b.Any("value", value).Log("fiber error")
}

// fatalf reports an unrecoverable loop error (OS failure, bookkeeping
// corruption, out-of-memory on queue growth) and aborts the process.
func (l *Loop) fatalf(format string, args ...any) {
	l.logger.Crit().Log(fmt.Sprintf(format, args...))
	os.Exit(1)
}
