package fiberloop

import "fmt"

// maxChannelCapacity bounds the capacity argument to NewChannel.
const maxChannelCapacity = 0xFFFFFF

type waiterMode uint8

const (
	// modeItem: a plain give/take; the counterparty delivers the raw value
	// (reader) or the channel (writer).
	modeItem waiterMode = iota
	// modeChoiceRead / modeChoiceWrite: the waiter came from a select
	// clause; the counterparty delivers a Selected result instead.
	modeChoiceRead
	modeChoiceWrite
)

// waiter is a blocked fiber recorded on a channel's pending-read or
// pending-write queue. schedID is the fiber's epoch at registration; stale
// entries are skipped at dispatch.
type waiter struct {
	fiber   *Fiber
	schedID uint32
	mode    waiterMode
}

// Channel is a bounded, first-class communication queue between fibers on
// one loop. Sends block once more than capacity items are buffered;
// receives block while the buffer is empty.
//
// The bound is checked after the value is buffered, so a channel with
// capacity 0 admits one in-flight value before the sender blocks. This is
// the chosen semantics rather than a true rendezvous.
//
// Channels are owned by a single loop; sharing one across loops is
// undefined.
type Channel struct {
	items        queue[any]
	readPending  queue[waiter]
	writePending queue[waiter]
	limit        int32
	loop         *Loop
}

// NewChannel creates a channel. capacity is the number of values buffered
// before writers block, default 0 (see [Channel] for the off-by-one
// semantics of the bound).
func (l *Loop) NewChannel(capacity int) *Channel {
	if capacity < 0 || capacity > maxChannelCapacity {
		panic(fmt.Errorf("fiberloop: channel capacity out of range: %d", capacity))
	}
	return &Channel{limit: int32(capacity), loop: l}
}

// Op identifies which half of a channel operation a Selected reports.
type Op uint8

const (
	// OpGive reports a completed send.
	OpGive Op = 1 + iota
	// OpTake reports a completed receive.
	OpTake
)

// String returns the result keyword, "give" or "take".
func (o Op) String() string {
	switch o {
	case OpGive:
		return "give"
	case OpTake:
		return "take"
	default:
		return "unknown"
	}
}

// Selected is the result of a completed select clause: [OpGive] with the
// channel written to, or [OpTake] with the channel and the received value.
type Selected struct {
	Op      Op
	Channel *Channel
	Value   any
}

// SendClause is a select clause requesting a send of Value on Channel.
type SendClause struct {
	Channel *Channel
	Value   any
}

// push sends a value, reporting whether the calling fiber should block.
// If a live reader is pending it receives the value directly; otherwise the
// value is buffered and, past the bound, the fiber is queued as a writer.
func (c *Channel) push(f *Fiber, x any, isChoice bool) bool {
	for {
		reader, ok := c.readPending.pop()
		if !ok {
			break
		}
		if reader.schedID != reader.fiber.schedID {
			// Stale reader; dropped silently.
			continue
		}
		if reader.mode == modeChoiceRead {
			c.loop.Schedule(reader.fiber, Selected{Op: OpTake, Channel: c, Value: x})
		} else {
			c.loop.Schedule(reader.fiber, x)
		}
		return false
	}
	// No pending reader.
	if !c.items.push(x) {
		panic(fmt.Errorf("fiberloop: channel overflow: %v", x))
	}
	if c.items.count() > c.limit {
		// Buffered successfully, but the sender should block.
		mode := modeItem
		if isChoice {
			mode = modeChoiceWrite
		}
		c.writePending.push(waiter{fiber: f, schedID: f.schedID, mode: mode})
		return true
	}
	return false
}

// pop receives a value, reporting whether one was obtained. On an empty
// buffer the fiber is queued as a reader. On success the oldest live writer,
// if any, is scheduled to resume.
func (c *Channel) pop(f *Fiber, isChoice bool) (any, bool) {
	item, ok := c.items.pop()
	if !ok {
		mode := modeItem
		if isChoice {
			mode = modeChoiceRead
		}
		c.readPending.push(waiter{fiber: f, schedID: f.schedID, mode: mode})
		return nil, false
	}
	if !isChoice {
		// Deliver through the standard resume path, ahead of the writer
		// woken below, so the receiver observes the value first.
		c.loop.Schedule(f, item)
	}
	for {
		writer, ok := c.writePending.pop()
		if !ok {
			break
		}
		if writer.schedID != writer.fiber.schedID {
			// Stale writer; dropped silently.
			continue
		}
		if writer.mode == modeChoiceWrite {
			c.loop.Schedule(writer.fiber, Selected{Op: OpGive, Channel: c})
		} else {
			c.loop.Schedule(writer.fiber, c)
		}
		break
	}
	return item, true
}

// Give sends a value on the channel, suspending the fiber while the channel
// is over its bound. Returns the channel, or the cancellation error if the
// fiber was cancelled while blocked.
func (f *Fiber) Give(c *Channel, value any) (*Channel, error) {
	if c.push(f, value, false) {
		if _, err := f.Await(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Take receives a value from the channel, suspending the fiber while the
// channel is empty. Returns the cancellation error if the fiber was
// cancelled while blocked.
func (f *Fiber) Take(c *Channel) (any, error) {
	c.pop(f, false)
	return f.Await()
}

// Full reports whether the channel buffer has reached its bound.
func (c *Channel) Full() bool { return c.items.count() >= c.limit }

// Count returns the number of buffered values.
func (c *Channel) Count() int { return int(c.items.count()) }

// Capacity returns the channel's bound.
func (c *Channel) Capacity() int { return int(c.limit) }

// MarkRoots visits the fibers of all pending waiters and every buffered
// value, for embedders that track host value lifetimes outside Go.
func (c *Channel) MarkRoots(visit func(any)) {
	c.readPending.each(func(w *waiter) { visit(w.fiber) })
	c.writePending.each(func(w *waiter) { visit(w.fiber) })
	c.items.each(func(v *any) {
		if *v != nil {
			visit(*v)
		}
	})
}

// Select blocks until the first of several channel operations completes,
// and returns which. Each clause is either a *Channel (receive) or a
// [SendClause] (send). Clauses are tried in positional order: earlier
// clauses take precedence whenever more than one could proceed.
func (f *Fiber) Select(clauses ...any) (Selected, error) {
	// First pass: anything immediate?
	for _, clause := range clauses {
		switch clause := clause.(type) {
		case SendClause:
			c := clause.Channel
			if c.items.count() < c.limit {
				c.push(f, clause.Value, true)
				return Selected{Op: OpGive, Channel: c}, nil
			}
		case *Channel:
			if clause.items.count() > 0 {
				item, _ := clause.pop(f, true)
				return Selected{Op: OpTake, Channel: clause, Value: item}, nil
			}
		default:
			panic(errMalformedClause)
		}
	}
	// Second pass: register on every clause, then wait for the first
	// counterparty. Registrations left behind capture the current epoch and
	// become stale the moment this fiber is rescheduled.
	for _, clause := range clauses {
		done := false
		switch clause := clause.(type) {
		case SendClause:
			if !clause.Channel.push(f, clause.Value, true) {
				// Paired immediately with a pending reader: the send is
				// complete, so deliver our own result through the resume
				// path and stop registering (later registrations would
				// capture the post-schedule epoch and never go stale).
				f.loop.Schedule(f, Selected{Op: OpGive, Channel: clause.Channel})
				done = true
			}
		case *Channel:
			if item, ok := clause.pop(f, true); ok {
				f.loop.Schedule(f, Selected{Op: OpTake, Channel: clause, Value: item})
				done = true
			}
		}
		if done {
			break
		}
	}
	v, err := f.Await()
	if err != nil {
		return Selected{}, err
	}
	return v.(Selected), nil
}

// RSelect is [Fiber.Select] with the clauses shuffled first
// (Fisher-Yates, loop-local randomness), providing probabilistic fairness
// instead of positional priority.
func (f *Fiber) RSelect(clauses ...any) (Selected, error) {
	shuffled := make([]any, len(clauses))
	copy(shuffled, clauses)
	for i := len(shuffled); i > 1; i-- {
		j := f.loop.rng.Intn(i)
		shuffled[j], shuffled[i-1] = shuffled[i-1], shuffled[j]
	}
	return f.Select(shuffled...)
}
