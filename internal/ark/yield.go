package ark

import (
	"context"
	"runtime"
	"time"
)

// Yielder paces long loops: it yields the processor every 25 ticks and
// sleeps briefly every 100 so foreground work stays responsive.
type Yielder struct {
	n          int
	every      int
	sleepEvery int
	sleep      time.Duration
}

func NewYielder() *Yielder {
	return &Yielder{every: 25, sleepEvery: 100, sleep: 10 * time.Millisecond}
}

// Tick counts one item and returns ctx.Err() so callers can stop at the
// loop boundary.
func (y *Yielder) Tick(ctx context.Context) error {
	y.n++
	switch {
	case y.n%y.sleepEvery == 0:
		t := time.NewTimer(y.sleep)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	case y.n%y.every == 0:
		runtime.Gosched()
	}
	return ctx.Err()
}

// Count returns the number of ticks so far.
func (y *Yielder) Count() int { return y.n }
