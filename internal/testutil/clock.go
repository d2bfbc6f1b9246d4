package testutil

import (
	"fmt"
	"sync"
	"time"
)

// FixedTime is the instant FixedClock starts at: 2024-01-15 10:30:00 UTC.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is an ark.Clock that only moves when told to. Safe for
// concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to FixedTime.
func FixedClock() *StubClock {
	return NewStubClock(FixedTime)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowMs is Now as epoch milliseconds, the unit stored in every *_at column.
func (c *StubClock) NowMs() int64 {
	return c.Now().UnixMilli()
}

func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock, backwards included.
func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// UTCMillis is the epoch milliseconds of a UTC wall time.
func UTCMillis(y int, m time.Month, d, h, minute int) int64 {
	return time.Date(y, m, d, h, minute, 0, 0, time.UTC).UnixMilli()
}

// StubIDGenerator hands out "id-1", "id-2", ... in order.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
