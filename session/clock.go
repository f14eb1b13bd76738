package session

import (
	"math"
	"time"
)

// Rate is the session clock rate: ticks per second. One tick is 1/10 ms.
const Rate = 10_000

// Clock is the monotonic session clock. Ticks count from a start instant
// captured at construction; the wall-clock origin is captured once alongside
// it and used only to translate between session ticks and absolute time.
type Clock struct {
	start       time.Time
	originTicks int64

	// now is the time source, replaceable in tests.
	now func() time.Time
}

// NewClock captures the start instant and wall-clock origin.
func NewClock() *Clock {
	return newClockAt(time.Now)
}

func newClockAt(now func() time.Time) *Clock {
	start := now()
	return &Clock{
		start:       start,
		originTicks: start.UnixNano() / (int64(time.Second) / Rate),
		now:         now,
	}
}

// Ticks returns the elapsed session ticks since construction as a 64-bit
// value. Clock-sync arithmetic uses this form.
func (c *Clock) Ticks() int64 {
	elapsed := c.now().Sub(c.start).Seconds()
	return int64(math.Round(elapsed * Rate))
}

// Now returns the current RTP timestamp: Ticks truncated modulo 2^32.
func (c *Clock) Now() uint32 {
	return uint32(c.Ticks())
}

// TicksAt translates an absolute wall-clock instant into session ticks.
func (c *Clock) TicksAt(t time.Time) int64 {
	return int64(math.Round(t.Sub(c.start).Seconds() * Rate))
}

// Origin returns the wall-clock capture expressed in ticks since the Unix
// epoch. Adding a session tick value yields an absolute timestamp.
func (c *Clock) Origin() int64 {
	return c.originTicks
}
