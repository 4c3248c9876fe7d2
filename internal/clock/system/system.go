// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements fleet.Clock with UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time. Lease ages and heartbeat staleness are measured against it.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed time since t, never negative.
func (c Clock) Since(t time.Time) time.Duration {
	d := c.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
