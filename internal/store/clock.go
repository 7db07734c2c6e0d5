package store

import "time"

// Clock supplies wall-clock time to the stores built on this package.
//
// TTL expiry, staleness detection and retry cool-downs all compare
// persisted timestamps against Clock.Now(), so injecting a fake clock
// makes every time-based behavior testable without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
