// Package system provides the wall clock that stamps run start and finish
// times outside tests.
package system

import "time"

// Clock implements ads.Clock using time.Now in UTC.
type Clock struct{}

// New returns the clock the app wires into the engine and run manager.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, the zone persisted with run records.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

