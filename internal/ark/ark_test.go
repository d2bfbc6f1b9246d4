package ark

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type steppingClock struct{ times []time.Time }

func (c *steppingClock) Now() time.Time {
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func TestMonotonicMillis(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := &steppingClock{times: []time.Time{base, base, base.Add(-time.Second), base.Add(time.Second)}}
	m := NewMonotonicMillis(clock)

	first := m.NowMs()
	second := m.NowMs()
	third := m.NowMs()
	fourth := m.NowMs()

	assert.Equal(t, base.UnixMilli(), first)
	assert.Equal(t, first+1, second)
	assert.Equal(t, second+1, third, "clock stepping backwards must not go backwards")
	assert.Equal(t, base.Add(time.Second).UnixMilli(), fourth)
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.New(), g.New()
	require.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Equal(t, byte('7'), a[14], "version nibble")
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"events"`, QuoteIdent("events"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestHashPath(t *testing.T) {
	assert.Equal(t, HashPath("bills/a.pdf"), HashPath("bills/a.pdf"))
	assert.NotEqual(t, HashPath("bills/a.pdf"), HashPath("bills/b.pdf"))
	assert.Len(t, HashPath("x"), 16)
}

func TestAppError(t *testing.T) {
	t.Run("context and cause are rendered", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(cause, CodeBackupTask, "writing backup").With("dir", "/tmp/b")
		assert.Equal(t, "DB_BACKUP/TASK: writing backup [dir=/tmp/b]: disk full", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("wrap keeps the inner code", func(t *testing.T) {
		inner := New(CodeFileMissing, "source missing")
		outer := Wrap(fmt.Errorf("moving: %w", inner), CodeGenericFail, "file_move")
		assert.Equal(t, CodeFileMissing, outer.Code)
		assert.Equal(t, "file_move", outer.Context["operation"])
	})

	t.Run("code of plain errors", func(t *testing.T) {
		assert.Equal(t, "", CodeOf(nil))
		assert.Equal(t, CodeGenericFail, CodeOf(errors.New("boom")))
		assert.True(t, IsCode(fmt.Errorf("x: %w", New(CodeRangeInvalid, "")), CodeRangeInvalid))
	})

	t.Run("errors.Is matches on code", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", New(CodeDBUnhealthy, "first"))
		assert.ErrorIs(t, err, New(CodeDBUnhealthy, "other message"))
	})
}

func TestGate(t *testing.T) {
	g := NewGate()

	err := g.CheckWritable()
	require.Error(t, err)
	assert.Equal(t, CodeDBUnhealthy, CodeOf(err), "no health report yet")

	g.SetHealth("ok", "")
	require.NoError(t, g.CheckWritable())

	release, err := g.BeginMaintenance("repair")
	require.NoError(t, err)
	assert.Equal(t, CodeMaintenance, CodeOf(g.CheckWritable()))

	_, err = g.BeginMaintenance("hard_repair")
	assert.Equal(t, CodeMaintenance, CodeOf(err))

	release()
	release()
	assert.False(t, g.InMaintenance())
	require.NoError(t, g.CheckWritable())

	g.SetHealth("error", "integrity_check failed")
	err = g.CheckWritable()
	assert.Equal(t, CodeDBUnhealthy, CodeOf(err))
	assert.Contains(t, err.Error(), "repair")
}

func TestYielderStopsOnCancel(t *testing.T) {
	y := NewYielder()
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 99; i++ {
		require.NoError(t, y.Tick(ctx))
	}
	cancel()
	assert.ErrorIs(t, y.Tick(ctx), context.Canceled)
	assert.Equal(t, 100, y.Count())
}
