package recurrence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
)

// wallMs encodes a local wall clock the way the legacy columns stored it.
var wallMs = testutil.UTCMillis

func addLegacyColumns(t *testing.T, store *database.Store) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		"ALTER TABLE events ADD COLUMN start_at INTEGER",
		"ALTER TABLE events ADD COLUMN end_at INTEGER",
	} {
		_, err := store.Exec(ctx, stmt)
		require.NoError(t, err)
	}
	store.ResetSchemaCache()
}

func TestShadowAuditWithoutLegacyColumns(t *testing.T) {
	e, _ := newExpander(t, Options{Clock: testutil.FixedClock()})
	summary, err := e.ShadowAudit(context.Background(), "hh1")
	require.NoError(t, err)
	assert.Equal(t, &ShadowSummary{}, summary)
}

func TestShadowAudit(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	e, store := newExpander(t, Options{Clock: clock})
	addLegacyColumns(t, store)

	insert := func(id string, legacyStart, legacyEnd, utcStart, utcEnd int64) {
		_, err := store.Exec(ctx, `INSERT INTO events
			(id, household_id, title, tz, start_at, end_at, start_at_utc, end_at_utc, created_at, updated_at)
			VALUES (?, 'hh1', 'x', 'America/New_York', ?, ?, ?, ?, 1, 1)`,
			id, legacyStart, legacyEnd, utcStart, utcEnd)
		require.NoError(t, err)
	}
	// 09:00 EST is 14:00Z.
	insert("evt_a", wallMs(2025, 1, 10, 9, 0), wallMs(2025, 1, 10, 10, 0), at(t, "2025-01-10T14:00:00Z"), at(t, "2025-01-10T15:00:00Z"))
	insert("evt_b", wallMs(2025, 1, 11, 9, 0), wallMs(2025, 1, 11, 10, 0), at(t, "2025-01-11T15:00:00Z"), at(t, "2025-01-11T15:00:00Z"))

	summary, err := e.ShadowAudit(ctx, "hh1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.TotalRows)
	assert.EqualValues(t, 1, summary.Discrepancies)
	require.NotNil(t, summary.Last)
	assert.Equal(t, "evt_b", summary.Last.EventID)
	assert.Equal(t, "America/New_York", summary.Last.TZ)
	assert.Equal(t, int64(3600000), *summary.Last.StartDeltaMs)
	assert.Equal(t, int64(0), *summary.Last.EndDeltaMs)
	assert.Equal(t, clock.NowMs(), summary.Last.ObservedAtMs)

	summary, err = e.ShadowAudit(ctx, "hh1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, summary.TotalRows)
	assert.EqualValues(t, 2, summary.Discrepancies)
}

func TestListRangeRunsShadowAudit(t *testing.T) {
	ctx := context.Background()
	e, store := newExpander(t, Options{ShadowRead: true, Clock: testutil.FixedClock()})
	addLegacyColumns(t, store)
	_, err := store.Exec(ctx, `INSERT INTO events (id, household_id, title, start_at, start_at_utc, created_at, updated_at)
		VALUES ('evt', 'hh1', 'x', ?, ?, 1, 1)`, wallMs(2025, 1, 10, 9, 0), at(t, "2025-01-10T09:00:00Z"))
	require.NoError(t, err)

	res, err := e.ListRange(ctx, "hh1", at(t, "2025-01-10T00:00:00Z"), at(t, "2025-01-11T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)

	summary, err := e.ShadowSummary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.TotalRows)
	assert.EqualValues(t, 0, summary.Discrepancies)
}
