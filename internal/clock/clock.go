// Package clock abstracts wall-clock time behind a fixed timezone so that
// every due-time computation in the process shares one Location and tests
// can drive time by hand.
package clock

import (
	"fmt"
	"time"
)

// Timer is the subset of time.Timer the scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock supplies the current time in a fixed Location. The Location is
// resolved once at construction; changing the timezone at runtime is
// unsupported.
type Clock interface {
	Now() time.Time
	Location() *time.Location
	NewTimer(d time.Duration) Timer
}

type systemClock struct{ loc *time.Location }

// System returns a Clock backed by the OS clock, reporting time in loc.
func System(loc *time.Location) Clock { return &systemClock{loc: loc} }

// LoadSystem resolves an IANA timezone name (e.g. "Asia/Kolkata") and
// returns a system Clock pinned to it.
func LoadSystem(tz string) (Clock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return System(loc), nil
}

func (c *systemClock) Now() time.Time           { return time.Now().In(c.loc) }
func (c *systemClock) Location() *time.Location { return c.loc }
func (c *systemClock) NewTimer(d time.Duration) Timer {
	return sysTimer{t: time.NewTimer(d)}
}

type sysTimer struct{ t *time.Timer }

func (s sysTimer) C() <-chan time.Time { return s.t.C }
func (s sysTimer) Stop() bool          { return s.t.Stop() }
