package sync

import "time"

// Clock abstracts time for the engine so retry scheduling can be tested
// without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Backoff computes capped exponential retry delays.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the next attempt, given how many attempts
// have already been made. The first retry waits Base, each subsequent retry
// doubles, capped at Cap.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
