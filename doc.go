// Package fiberloop provides a cooperative, single-threaded asynchronous
// runtime: lightweight fibers multiplexed with millisecond timers and I/O
// readiness onto one OS event source, plus a bounded channel primitive with
// blocking send/receive and a multi-clause select.
//
// # Architecture
//
// A [Loop] owns a FIFO run queue of pending fiber resumptions, a min-heap of
// timeouts, and an OS backend. One scheduler pass expires due timers, drains
// the run queue, and then blocks in the backend until the next readiness
// event or deadline. [Loop.Run] repeats passes until no fiber is runnable,
// no timeout is pending, and no listener is registered.
//
// A [Fiber] runs its body on a dedicated goroutine, but control is handed
// off strictly between the loop and at most one fiber, so the runtime is
// observably single-threaded and loop state needs no locking. Fibers
// suspend by registering exactly one wake-up source — a timeout
// ([Fiber.Sleep], [Fiber.AddTimeout]), a listener on a [Pollable]
// ([Fiber.Listen]), or a channel waiter ([Fiber.Give], [Fiber.Take],
// [Fiber.Select]) — and are resumed with a value or a cancellation error.
//
// Every queued wake-up captures the fiber's epoch counter at registration.
// Resuming a fiber advances the epoch, so stale timer entries and channel
// waiters are recognized and dropped lazily at dispatch; this is the sole
// cancellation mechanism for queued wake-ups, and it keeps cancellation
// O(1) for the canceller.
//
// # Platform support
//
// The backend contract is three operations: register a listener, release
// it, and block once for the next event. Implementations:
//   - Linux: edge-triggered epoll, with a timerfd delivering deadlines.
//   - Other Unix: level-triggered poll(2).
//   - Windows: an I/O completion port; listener machines issue overlapped
//     operations and receive completion dispatches.
//
// On the readiness backends a listener receives at most one EventWrite and
// then at most one EventRead per wake; tests must not rely on the reverse
// order.
//
// # Channels
//
// A [Channel] buffers values up to a bound and parks fibers past it. Sends
// pair with the oldest live reader and receives with the oldest live
// writer. [Fiber.Select] tries clauses in positional order before parking
// on all of them; [Fiber.RSelect] shuffles first for probabilistic
// fairness. Channels belong to a single loop.
//
// # Errors
//
// Fiber failures (cancellations, returned errors, uncaught panics) are
// reported to the loop's structured logger (see [WithLogger]) and do not
// stop the loop. Contract violations — listening for a duplicate event,
// suspending while already waiting, malformed select clauses, channel
// overflow — panic, unwinding only the offending fiber. OS-level failures
// of the backend are fatal.
package fiberloop
