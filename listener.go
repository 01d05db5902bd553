package fiberloop

// AsyncEvent identifies the lifecycle or I/O event being dispatched to a
// listener machine.
type AsyncEvent uint8

const (
	// EventInit is dispatched synchronously inside listen; the listener's
	// Event field carries the user payload.
	EventInit AsyncEvent = iota
	// EventDeinit is dispatched synchronously inside unlisten.
	EventDeinit
	// EventMark is dispatched by the mark visitors.
	EventMark
	// EventClose is dispatched when the owning pollable is being torn down.
	EventClose
	// EventRead and EventWrite are readiness-backend dispatches.
	EventRead
	EventWrite
	// EventComplete is the completion-backend dispatch; Bytes and Event are
	// set from the completion packet.
	EventComplete
)

// AsyncStatus is a listener machine's verdict after a dispatch.
type AsyncStatus uint8

const (
	// StatusNotDone keeps the listener registered.
	StatusNotDone AsyncStatus = iota
	// StatusDone causes the listener to be unlistened.
	StatusDone
)

// ListenMask selects the events a listener is interested in.
type ListenMask int

const (
	// ListenRead requests read-readiness dispatches.
	ListenRead ListenMask = 1 << iota
	// ListenWrite requests write-readiness dispatches.
	ListenWrite
	// ListenSpawner marks a listener with no owning fiber, for resources
	// that accept events continuously (e.g. a listening socket). It is
	// always OR'd into the registered mask.
	ListenSpawner
)

// ListenerFunc is a listener state machine. It receives lifecycle and I/O
// events from the backend and drives one asynchronous operation.
type ListenerFunc func(s *ListenerState, event AsyncEvent) AsyncStatus

// ListenerState is the fixed header of a registered listener. Concrete
// operations keep their working state in Data.
//
// A live listener is reachable from exactly two places: its pollable's
// chain, and (unless it is a spawner) its owning fiber's waiting pointer.
// Unlisten removes it from both atomically.
type ListenerState struct {
	machine  ListenerFunc
	fiber    *Fiber
	pollable *Pollable
	mask     ListenMask
	index    int
	next     *ListenerState

	// Event carries the per-dispatch payload: the user value on EventInit,
	// the backend's native event on readiness dispatches, the completion
	// packet on EventComplete.
	Event any
	// Bytes is the bytes-transferred count on EventComplete.
	Bytes uint32
	// Tag is matched against the completion backend's per-operation token
	// to route a completion to the listener that issued it.
	Tag any
	// Err records a completion failure on EventComplete dispatches.
	Err error
	// Data holds the concrete operation's state.
	Data any
}

// Fiber returns the listener's owning fiber, or nil for a spawner.
func (s *ListenerState) Fiber() *Fiber { return s.fiber }

// Pollable returns the pollable the listener is registered on.
func (s *ListenerState) Pollable() *Pollable { return s.pollable }

// Mask returns the listener's registered event mask.
func (s *ListenerState) Mask() ListenMask { return s.mask }

type pollableFlags uint8

const (
	pollableClosed pollableFlags = 1 << iota
	// pollableRegistered is backend-private: set once the handle has been
	// associated with the OS notification facility.
	pollableRegistered
)

// Pollable wraps an OS handle with a chain of listeners and the OR of their
// event masks. Pollables are externally owned; the loop never closes the
// underlying handle.
type Pollable struct {
	// Handle is the OS object being watched.
	Handle Handle

	loop  *Loop
	flags pollableFlags
	state *ListenerState
	mask  ListenMask
	key   uintptr
}

// Loop returns the loop the pollable was initialized with.
func (p *Pollable) Loop() *Loop { return p.loop }

// InitPollable prepares a pollable for use with this loop. Call it once
// after creating the OS handle and before the first Listen.
func (l *Loop) InitPollable(p *Pollable, h Handle) {
	p.Handle = h
	p.loop = l
	p.flags = 0
	p.state = nil
	p.mask = 0
}

// Close tears down every listener on the pollable: each machine receives
// EventClose, then is unlistened. The underlying handle is not closed.
func (p *Pollable) Close() {
	p.flags |= pollableClosed
	s := p.state
	for s != nil {
		s.machine(s, EventClose)
		next := s.next
		p.loop.unlisten(s)
		s = next
	}
	p.state = nil
}

// MarkRoots visits the fiber of every listener on the pollable and gives
// each machine an EventMark dispatch, for embedders that track host value
// lifetimes outside Go.
func (p *Pollable) MarkRoots(visit func(any)) {
	for s := p.state; s != nil; s = s.next {
		if s.fiber != nil {
			visit(s.fiber)
		}
		s.machine(s, EventMark)
	}
}

// listenImpl registers a listener on a pollable: allocation, chain and mask
// bookkeeping, and the synchronous EventInit dispatch. OS registration is
// the backend's job (see the listen implementations).
//
// Panics on duplicate mask bits or if the fiber is already waiting; the
// panic unwinds the current fiber into its error signal.
func (l *Loop) listenImpl(f *Fiber, p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	if p.mask&mask != 0 {
		panic(errDuplicateListen)
	}
	s := &ListenerState{machine: machine, pollable: p}
	if mask&ListenSpawner == 0 {
		if f.waiting != nil {
			panic(errAlreadyWaiting)
		}
		s.fiber = f
		f.waiting = s
	}
	mask |= ListenSpawner
	s.mask = mask
	p.mask |= mask
	l.activeListeners++
	// Prepend to the chain.
	s.next = p.state
	p.state = s
	s.Event = user
	s.machine(s, EventInit)
	return s
}

// unlistenImpl is the backend-independent half of unlisten: the synchronous
// EventDeinit dispatch, chain and mask bookkeeping, and clearing the owning
// fiber's waiting pointer.
func (l *Loop) unlistenImpl(s *ListenerState) {
	s.machine(s, EventDeinit)
	iter := &s.pollable.state
	for *iter != nil && *iter != s {
		iter = &(*iter).next
	}
	if *iter == nil {
		l.fatalf("failed to remove listener")
	}
	*iter = s.next
	l.activeListeners--
	// Recompute rather than clear bits: remaining listeners share the
	// spawner bit, and the pollable mask must stay the OR of theirs.
	var mask ListenMask
	for ls := s.pollable.state; ls != nil; ls = ls.next {
		mask |= ls.mask
	}
	s.pollable.mask = mask
	if f := s.fiber; f != nil && f.waiting == s {
		f.waiting = nil
	}
}

// Listen attaches a listener state machine to a pollable on behalf of this
// fiber, registering OS interest for the events in mask. The fiber becomes
// the listener's owner and must await afterwards; it is resumed (or
// cancelled) by the machine, a timeout, or Close. With ListenSpawner in
// mask the listener has no owner and the fiber does not need to await.
func (f *Fiber) Listen(p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	return f.loop.listen(f, p, machine, mask, user)
}

// ListenSpawnerOn registers an ownerless listener, for resources serviced
// continuously rather than by one blocked fiber.
func (l *Loop) ListenSpawnerOn(p *Pollable, machine ListenerFunc, mask ListenMask, user any) *ListenerState {
	return l.listen(nil, p, machine, mask|ListenSpawner, user)
}
