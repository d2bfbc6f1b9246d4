package recurrence

import (
	"context"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
)

func at(t *testing.T, s string) int64 {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v.UnixMilli()
}

type event struct {
	id, title    string
	start, end   int64
	tz, rule, ex string
}

func newExpander(t *testing.T, opts Options, events ...event) (*Expander, *database.Store) {
	t.Helper()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh1", "UTC")
	for _, ev := range events {
		row := database.Row{"id": ev.id, "household_id": "hh1", "title": ev.title, "start_at_utc": ev.start}
		if ev.end != 0 {
			row["end_at_utc"] = ev.end
		}
		if ev.tz != "" {
			row["tz"] = ev.tz
		}
		if ev.rule != "" {
			row["rrule"] = ev.rule
		}
		if ev.ex != "" {
			row["exdates"] = ev.ex
		}
		testutil.MustCreate(t, store, "events", row)
	}
	return New(store, opts), store
}

func starts(items []Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.StartAtUTC
	}
	return out
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestListRangeRejectsEmptyRange(t *testing.T) {
	e, _ := newExpander(t, Options{})
	_, err := e.ListRange(context.Background(), "hh1", 100, 100)
	assert.True(t, ark.IsCode(err, ark.CodeRangeInvalid))
	_, err = e.ListRange(context.Background(), "hh1", 200, 100)
	assert.True(t, ark.IsCode(err, ark.CodeRangeInvalid))
}

func TestListRangeSingleEvents(t *testing.T) {
	ctx := context.Background()
	e, store := newExpander(t, Options{},
		event{id: "e_in_b", title: "b", start: at(t, "2025-01-10T09:00:00Z")},
		event{id: "e_in_a", title: "a", start: at(t, "2025-01-10T09:00:00Z")},
		event{id: "e_overlap", title: "x", start: at(t, "2025-01-09T22:00:00Z"), end: at(t, "2025-01-10T01:00:00Z")},
		event{id: "e_before", title: "x", start: at(t, "2025-01-08T09:00:00Z"), end: at(t, "2025-01-08T10:00:00Z")},
		event{id: "e_after", title: "x", start: at(t, "2025-01-12T09:00:00Z")},
		event{id: "e_deleted", title: "x", start: at(t, "2025-01-10T12:00:00Z")},
	)
	_, err := store.Exec(ctx, "UPDATE events SET deleted_at = 1 WHERE id = 'e_deleted'")
	require.NoError(t, err)

	res, err := e.ListRange(ctx, "hh1", at(t, "2025-01-10T00:00:00Z"), at(t, "2025-01-11T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []string{"e_overlap", "e_in_a", "e_in_b"}, ids(res.Items))
	assert.False(t, res.Truncated)
	assert.Equal(t, GlobalLimit, res.Limit)
	assert.Nil(t, res.Items[0].SeriesParentID)
}

func TestListRangeExpandsSeries(t *testing.T) {
	ctx := context.Background()
	start := at(t, "2025-01-01T09:00:00Z")
	e, _ := newExpander(t, Options{},
		event{id: "daily", title: "Standup", start: start, end: start + 15*60*1000, tz: "UTC",
			rule: "FREQ=DAILY;COUNT=5", ex: "2025-01-02T09:00:00Z, ,not-a-date,2025-01-02T09:00:00Z"},
	)

	res, err := e.ListRange(ctx, "hh1", at(t, "2024-12-01T00:00:00Z"), at(t, "2025-02-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	first := res.Items[0]
	assert.Equal(t, fmt.Sprintf("daily::%d", start), first.ID)
	assert.Equal(t, start, first.StartAtUTC)
	require.NotNil(t, first.EndAtUTC)
	assert.Equal(t, start+15*60*1000, *first.EndAtUTC)
	assert.Nil(t, first.RRule)
	assert.Nil(t, first.Exdates)
	require.NotNil(t, first.SeriesParentID)
	assert.Equal(t, "daily", *first.SeriesParentID)
	assert.Equal(t, "Standup", first.Title)
	assert.Equal(t, "UTC", *first.TZ)
	assert.Equal(t, []int64{
		start, at(t, "2025-01-03T09:00:00Z"), at(t, "2025-01-04T09:00:00Z"), at(t, "2025-01-05T09:00:00Z"),
	}, starts(res.Items))

	again, err := e.ListRange(ctx, "hh1", at(t, "2024-12-01T00:00:00Z"), at(t, "2025-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestListRangeWindowIntersection(t *testing.T) {
	start := at(t, "2025-01-01T09:00:00Z")
	e, _ := newExpander(t, Options{},
		event{id: "s", title: "Shift", start: start, end: start + 2*3600*1000, rule: "FREQ=DAILY;UNTIL=20250105T090000Z"},
	)
	res, err := e.ListRange(context.Background(), "hh1", at(t, "2025-01-03T10:00:00Z"), at(t, "2025-01-04T09:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []int64{at(t, "2025-01-03T09:00:00Z"), at(t, "2025-01-04T09:00:00Z")}, starts(res.Items))

	res, err = e.ListRange(context.Background(), "hh1", at(t, "2025-01-01T00:00:00Z"), at(t, "2025-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
}

func TestSpringForwardGap(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	opt, err := parseRule("FREQ=DAILY;COUNT=2")
	require.NoError(t, err)

	s := series{wallStart: time.Date(2025, 3, 9, 2, 30, 0, 0, time.UTC), loc: ny, exdates: map[int64]bool{}}
	got, truncated, err := s.occurrences(context.Background(), *opt,
		at(t, "2025-03-01T00:00:00Z"), at(t, "2025-03-31T00:00:00Z"), SeriesLimit)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []int64{at(t, "2025-03-09T07:00:00Z"), at(t, "2025-03-10T07:00:00Z")}, got)
}

func TestListRangeDSTTransitions(t *testing.T) {
	e, _ := newExpander(t, Options{},
		event{id: "gap", title: "Feed cat", start: at(t, "2025-03-07T07:30:00Z"), tz: "America/New_York", rule: "FREQ=DAILY;COUNT=4"},
		event{id: "fold", title: "Bins", start: at(t, "2025-10-26T05:30:00Z"), tz: "America/New_York", rule: "FREQ=WEEKLY;COUNT=2"},
	)

	res, err := e.ListRange(context.Background(), "hh1", at(t, "2025-03-01T00:00:00Z"), at(t, "2025-03-31T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []int64{
		at(t, "2025-03-07T07:30:00Z"), // 02:30 EST
		at(t, "2025-03-08T07:30:00Z"),
		at(t, "2025-03-09T07:00:00Z"), // 02:30 does not exist; 03:00 EDT
		at(t, "2025-03-10T06:30:00Z"), // 02:30 EDT
	}, starts(res.Items))

	res, err = e.ListRange(context.Background(), "hh1", at(t, "2025-10-01T00:00:00Z"), at(t, "2025-11-30T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, []int64{at(t, "2025-10-26T05:30:00Z"), at(t, "2025-11-02T05:30:00Z")}, starts(res.Items))
}

func TestListRangeSeriesLimit(t *testing.T) {
	tests := []struct {
		count         int
		wantItems     int
		wantTruncated bool
	}{
		{count: 499, wantItems: 499},
		{count: 500, wantItems: 500, wantTruncated: true},
		{count: 600, wantItems: 500, wantTruncated: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.count), func(t *testing.T) {
			e, _ := newExpander(t, Options{}, event{
				id: "s", title: "Pill", start: at(t, "2024-01-01T08:00:00Z"),
				rule: fmt.Sprintf("FREQ=DAILY;COUNT=%d", tt.count),
			})
			res, err := e.ListRange(context.Background(), "hh1", at(t, "2023-12-01T00:00:00Z"), at(t, "2026-01-01T00:00:00Z"))
			require.NoError(t, err)
			assert.Len(t, res.Items, tt.wantItems)
			assert.Equal(t, tt.wantTruncated, res.Truncated)
		})
	}
}

func TestListRangeGlobalLimit(t *testing.T) {
	var events []event
	for i := 0; i < 3; i++ {
		events = append(events, event{
			id: fmt.Sprintf("s%d", i), title: "Chore", start: at(t, "2025-01-01T08:00:00Z") + int64(i)*60000,
			rule: "FREQ=DAILY;COUNT=5",
		})
	}
	e, _ := newExpander(t, Options{GlobalLimit: 10}, events...)
	res, err := e.ListRange(context.Background(), "hh1", at(t, "2025-01-01T00:00:00Z"), at(t, "2025-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, 10, res.Limit)
	for i := 1; i < len(res.Items); i++ {
		assert.LessOrEqual(t, res.Items[i-1].StartAtUTC, res.Items[i].StartAtUTC)
	}
}

func TestListRangeRuleErrors(t *testing.T) {
	start := at(t, "2025-01-01T08:00:00Z")
	window := func(e *Expander) (*Result, error) {
		return e.ListRange(context.Background(), "hh1", at(t, "2025-01-01T00:00:00Z"), at(t, "2025-01-10T00:00:00Z"))
	}

	e, _ := newExpander(t, Options{},
		event{id: "bad1", title: "x", start: start, rule: "FREQ=DAILY;COUNT"},
		event{id: "bad2", title: "x", start: start, rule: "FREQ=SOMETIMES"},
		event{id: "ok", title: "y", start: start},
	)
	res, err := window(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(res.Items))

	for _, rule := range []string{"FREQ=DAILY;X-NAME=1", "FREQ=DAILY;COUNT=2;UNTIL=20250105T000000Z", "FREQ=DAILY;RSCALE=GREGORIAN"} {
		e, _ := newExpander(t, Options{}, event{id: "s", title: "x", start: start, rule: rule})
		_, err := window(e)
		assert.True(t, ark.IsCode(err, ark.CodeRRuleUnsupportedField), rule)
	}

	e, _ = newExpander(t, Options{}, event{id: "s", title: "x", start: start, tz: "Mars/Olympus", rule: "FREQ=DAILY"})
	_, err = window(e)
	assert.True(t, ark.IsCode(err, ark.CodeTZUnknown))
}

func TestParseRule(t *testing.T) {
	opt, err := parseRule("RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE")
	require.NoError(t, err)
	assert.Equal(t, 2, opt.Interval)
	assert.Len(t, opt.Byweekday, 2)

	_, err = parseRule("  ")
	assert.True(t, ark.IsCode(err, ark.CodeRRuleParse))
}

func TestParseExdates(t *testing.T) {
	got := parseExdates("2025-01-02T09:00:00Z,, 2025-01-03T09:00:00Z ,junk,2025-01-02T09:00:00Z")
	assert.Len(t, got, 2)
	assert.True(t, got[at(t, "2025-01-03T09:00:00Z")])
	assert.Empty(t, parseExdates(""))
}
