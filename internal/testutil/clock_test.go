package testutil

import (
	"testing"
	"time"
)

func TestStubClock(t *testing.T) {
	c := FixedClock()
	if got := c.NowMs(); got != FixedTime.UnixMilli() {
		t.Fatalf("NowMs() = %d, want %d", got, FixedTime.UnixMilli())
	}

	c.Advance(1500 * time.Millisecond)
	if got := c.NowMs(); got != FixedTime.UnixMilli()+1500 {
		t.Errorf("NowMs() after Advance = %d, want %d", got, FixedTime.UnixMilli()+1500)
	}

	c.Set(FixedTime.Add(-time.Hour))
	if !c.Now().Equal(FixedTime.Add(-time.Hour)) {
		t.Errorf("Now() after Set = %v", c.Now())
	}
}

func TestUTCMillis(t *testing.T) {
	if got, want := UTCMillis(2024, time.January, 15, 10, 30), FixedTime.UnixMilli(); got != want {
		t.Errorf("UTCMillis() = %d, want %d", got, want)
	}
}
