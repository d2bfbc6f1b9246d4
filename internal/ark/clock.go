package ark

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MonotonicMillis hands out strictly increasing epoch milliseconds derived
// from an underlying Clock. Two calls within the same millisecond, or a clock
// that steps backwards, still yield increasing values.
type MonotonicMillis struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

func NewMonotonicMillis(clock Clock) *MonotonicMillis {
	return &MonotonicMillis{clock: clock}
}

// NowMs returns the next timestamp in milliseconds.
func (m *MonotonicMillis) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UnixMilli()
	if now <= m.last {
		now = m.last + 1
	}
	m.last = now
	return now
}

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDv7Generator produces time-ordered UUIDs.
type UUIDv7Generator struct{}

func (UUIDv7Generator) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// UUIDv4Generator produces random UUIDs.
type UUIDv4Generator struct{}

func (UUIDv4Generator) New() string { return uuid.NewString() }
