package batch

import "time"

// Clock abstracts timer creation so coordinator tests can advance time
// deterministically. Production code uses SystemClock.
type Clock interface {
	// AfterFunc schedules fn to run once after d and returns a handle
	// that can cancel it.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellation handle for a scheduled function.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// function from running, matching time.Timer semantics.
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the wall-clock implementation backed by time.AfterFunc.
func SystemClock() Clock {
	return systemClock{}
}
