package collab

import (
	"time"

	"github.com/benbjohnson/clock"
)

// SystemClock is the production TimeService: a thin wrapper over
// benbjohnson/clock.Clock, so tests can substitute clock.NewMock() wherever
// expiration comparisons need to be deterministic.
type SystemClock struct {
	Clock clock.Clock
}

// NewSystemClock returns a SystemClock backed by the real wall clock.
func NewSystemClock() SystemClock {
	return SystemClock{Clock: clock.New()}
}

// NewSystemClockWith wraps an arbitrary clock.Clock, typically
// clock.NewMock() in tests.
func NewSystemClockWith(c clock.Clock) SystemClock {
	return SystemClock{Clock: c}
}

func (s SystemClock) Now() time.Time { return s.Clock.Now() }
