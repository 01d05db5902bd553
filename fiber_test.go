package fiberloop

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalString(t *testing.T) {
	assert.Equal(t, "ok", SignalOK.String())
	assert.Equal(t, "event", SignalEvent.String())
	assert.Equal(t, "error", SignalError.String())
	assert.Equal(t, "unknown", Signal(250).String())
}

func TestDurationMs(t *testing.T) {
	assert.EqualValues(t, 10, durationMs(10*time.Millisecond))
	assert.EqualValues(t, 1000, durationMs(time.Second))
	// Sub-millisecond durations round up so sleeps never fire early.
	assert.EqualValues(t, 1, durationMs(time.Microsecond))
	assert.EqualValues(t, 0, durationMs(0))
}

func TestPanicErrorUnwrap(t *testing.T) {
	err := PanicError{Value: io.EOF}
	assert.True(t, errors.Is(err, io.EOF))
	assert.Nil(t, PanicError{Value: "plain string"}.Unwrap())
	assert.Contains(t, PanicError{Value: "boom"}.Error(), "boom")
}

func TestAsError(t *testing.T) {
	sentinel := errors.New("x")
	assert.ErrorIs(t, asError(sentinel), sentinel)
	assert.EqualError(t, asError("raw value"), "raw value")
	var ce CancelError
	assert.True(t, errors.As(asError(42), &ce))
	assert.Equal(t, 42, ce.Value)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "give", OpGive.String())
	assert.Equal(t, "take", OpTake.String())
	assert.Equal(t, "unknown", Op(9).String())
}
