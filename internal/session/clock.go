package session

import "time"

// Clock abstracts wall time and timer scheduling so credential expiry can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d and returns a handle to cancel it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// SystemClock is the Clock used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
