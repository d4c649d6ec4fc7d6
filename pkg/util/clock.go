package util

import "time"

// Clock abstracts the timers behind election timeouts, heartbeat periods,
// price-increment drivers and reconciliation loops, so tests can run them
// at millisecond scale.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
