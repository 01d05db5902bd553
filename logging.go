package fiberloop

import "github.com/joeycumines/logiface"

// noopLogger builds the default logger: no writer is configured, so every
// builder short-circuits. Attach a real sink with [WithLogger]; generify a
// concretely-typed logger via its Logger method.
func noopLogger() *logiface.Logger[logiface.Event] {
	return logiface.New[logiface.Event]()
}
