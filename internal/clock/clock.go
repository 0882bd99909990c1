// Package clock provides a time source abstraction so that time-dependent
// logic (job staleness, consumption timestamps) is deterministically testable.
package clock

import "time"

// Clock is the time source used by components that need the current time.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the real wall clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually-advanced Clock for tests.
type Fake struct {
	now time.Time
}

// NewFake creates a Fake clock set to the given time.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake current time.
func (c *Fake) Now() time.Time {
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *Fake) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
