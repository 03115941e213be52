// Package system provides the wall clock used by real runs.
package system

import "time"

// Clock implements crawler.Clock in UTC, so run timestamps and report
// object names do not depend on the host time zone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
