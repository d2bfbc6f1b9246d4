package recurrence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/teambition/rrule-go"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

const (
	// SeriesLimit caps the instances produced by one recurring event.
	SeriesLimit = 500
	// GlobalLimit caps the items returned by one ListRange call.
	GlobalLimit = 10000

	// windowSlack widens the wall-clock iteration window so offset changes
	// never drop an occurrence at the edges.
	windowSlack = 48 * time.Hour
)

// Item is a single event or one instance of a recurring event.
type Item struct {
	ID             string  `json:"id"`
	HouseholdID    string  `json:"household_id"`
	Title          string  `json:"title"`
	StartAtUTC     int64   `json:"start_at_utc"`
	EndAtUTC       *int64  `json:"end_at_utc"`
	TZ             *string `json:"tz"`
	RRule          *string `json:"rrule"`
	Exdates        *string `json:"exdates"`
	Reminder       *int64  `json:"reminder"`
	SeriesParentID *string `json:"series_parent_id,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

// Result is the answer to a range query.
type Result struct {
	Items     []Item `json:"items"`
	Truncated bool   `json:"truncated"`
	Limit     int    `json:"limit"`
}

// Options configures an Expander.
type Options struct {
	Logger ark.Logger
	// ShadowRead runs the legacy wall-clock audit after each range query.
	ShadowRead  bool
	SeriesLimit int
	GlobalLimit int
	Clock       ark.Clock
}

// Expander answers event range queries.
type Expander struct {
	store *database.Store
	opts  Options
}

// New creates an Expander.
func New(store *database.Store, opts Options) *Expander {
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.SeriesLimit <= 0 {
		opts.SeriesLimit = SeriesLimit
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = GlobalLimit
	}
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	return &Expander{store: store, opts: opts}
}

type eventRow struct {
	ID          string         `db:"id"`
	HouseholdID string         `db:"household_id"`
	Title       string         `db:"title"`
	StartAtUTC  int64          `db:"start_at_utc"`
	EndAtUTC    sql.NullInt64  `db:"end_at_utc"`
	TZ          sql.NullString `db:"tz"`
	RRule       sql.NullString `db:"rrule"`
	Exdates     sql.NullString `db:"exdates"`
	Reminder    sql.NullInt64  `db:"reminder"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

func (ev eventRow) item() Item {
	it := Item{
		ID:          ev.ID,
		HouseholdID: ev.HouseholdID,
		Title:       ev.Title,
		StartAtUTC:  ev.StartAtUTC,
		CreatedAt:   ev.CreatedAt,
		UpdatedAt:   ev.UpdatedAt,
	}
	if ev.EndAtUTC.Valid {
		it.EndAtUTC = &ev.EndAtUTC.Int64
	}
	if ev.TZ.Valid {
		it.TZ = &ev.TZ.String
	}
	if ev.RRule.Valid {
		it.RRule = &ev.RRule.String
	}
	if ev.Exdates.Valid {
		it.Exdates = &ev.Exdates.String
	}
	if ev.Reminder.Valid {
		it.Reminder = &ev.Reminder.Int64
	}
	return it
}

func (ev eventRow) end() int64 {
	if ev.EndAtUTC.Valid && ev.EndAtUTC.Int64 > ev.StartAtUTC {
		return ev.EndAtUTC.Int64
	}
	return ev.StartAtUTC
}

// ListRange returns the events of household intersecting [startMs, endMs],
// with recurring events expanded into instances, ordered by start, title
// and id.
func (e *Expander) ListRange(ctx context.Context, household string, startMs, endMs int64) (*Result, error) {
	if startMs >= endMs {
		return nil, ark.Newf(ark.CodeRangeInvalid, "range end %d must be after start %d", endMs, startMs).
			With("start_ms", startMs).With("end_ms", endMs)
	}
	events, err := e.load(ctx, household, startMs, endMs)
	if err != nil {
		return nil, err
	}

	res := &Result{Items: []Item{}, Limit: e.opts.GlobalLimit}
	for _, ev := range events {
		remaining := e.opts.GlobalLimit - len(res.Items)
		if remaining <= 0 {
			res.Truncated = true
			break
		}
		if !ev.RRule.Valid || ev.RRule.String == "" {
			if ev.StartAtUTC <= endMs && ev.end() >= startMs {
				res.Items = append(res.Items, ev.item())
			}
			continue
		}

		limit := min(e.opts.SeriesLimit, remaining)
		instances, truncated, err := e.expand(ctx, ev, startMs, endMs, limit)
		if ark.IsCode(err, ark.CodeRRuleParse) {
			e.opts.Logger.Warn("skipping series with unparseable rule", "id", ev.ID, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, instances...)
		res.Truncated = res.Truncated || truncated
	}
	if len(res.Items) >= e.opts.GlobalLimit {
		res.Truncated = true
	}

	sort.SliceStable(res.Items, func(i, j int) bool {
		a, b := res.Items[i], res.Items[j]
		if a.StartAtUTC != b.StartAtUTC {
			return a.StartAtUTC < b.StartAtUTC
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})

	if e.opts.ShadowRead {
		if _, err := e.ShadowAudit(ctx, household); err != nil {
			e.opts.Logger.Warn("shadow read audit failed", "household_id", household, "error", err)
		}
	}
	return res, nil
}

var eventColumns = []string{
	"id", "household_id", "title", "start_at_utc", "end_at_utc", "tz",
	"rrule", "exdates", "reminder", "created_at", "updated_at",
}

// load reads every live recurring event plus the single events that can
// intersect the window.
func (e *Expander) load(ctx context.Context, household string, startMs, endMs int64) ([]eventRow, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(eventColumns...).From("events").
		Where(
			sb.Equal("household_id", household),
			sb.IsNull("deleted_at"),
			sb.IsNotNull("start_at_utc"),
			sb.Or(
				sb.And(sb.IsNotNull("rrule"), sb.NotEqual("rrule", "")),
				sb.And(
					sb.LessEqualThan("start_at_utc", endMs),
					sb.GreaterEqualThan("COALESCE(end_at_utc, start_at_utc)", startMs),
				),
			),
		).
		OrderBy("start_at_utc", "id")
	query, args := sb.Build()

	var events []eventRow
	if err := sqlx.SelectContext(ctx, e.store.X(), &events, query, args...); err != nil {
		return nil, ark.Generic(err, "events_list_range").With("household_id", household)
	}
	return events, nil
}

// expand materialises the instances of one series that intersect the window.
// Reaching limit marks the result truncated.
func (e *Expander) expand(ctx context.Context, ev eventRow, startMs, endMs int64, limit int) ([]Item, bool, error) {
	loc := time.UTC
	if ev.TZ.Valid && ev.TZ.String != "" {
		var err error
		if loc, err = time.LoadLocation(ev.TZ.String); err != nil {
			return nil, false, ark.Newf(ark.CodeTZUnknown, "unknown time zone %q", ev.TZ.String).
				With("tz", ev.TZ.String).With("id", ev.ID)
		}
	}
	opt, err := parseRule(ev.RRule.String)
	if err != nil {
		return nil, false, err
	}

	s := series{
		wallStart: ark.WallClock(time.UnixMilli(ev.StartAtUTC).In(loc)),
		loc:       loc,
		duration:  ev.end() - ev.StartAtUTC,
		exdates:   parseExdates(ev.Exdates.String),
	}
	starts, truncated, err := s.occurrences(ctx, *opt, startMs, endMs, limit)
	if err != nil {
		return nil, false, err
	}

	base := ev.item()
	items := make([]Item, 0, len(starts))
	for _, st := range starts {
		it := base
		it.ID = fmt.Sprintf("%s::%d", ev.ID, st)
		it.StartAtUTC = st
		if ev.EndAtUTC.Valid {
			end := st + s.duration
			it.EndAtUTC = &end
		}
		it.RRule = nil
		it.Exdates = nil
		parent := ev.ID
		it.SeriesParentID = &parent
		items = append(items, it)
	}
	return items, truncated, nil
}

// series is a recurring event reduced to what expansion needs.
type series struct {
	wallStart time.Time
	loc       *time.Location
	duration  int64
	exdates   map[int64]bool
}

// occurrences returns the UTC start of every instance intersecting
// [startMs, endMs], in order. Occurrences are generated on the wall clock
// and each one is resolved with ark.ResolveWall: nonexistent local times
// move forward to the next valid minute and ambiguous ones take the earlier
// offset. The series start is resolved the same way first.
func (s series) occurrences(ctx context.Context, opt rrule.ROption, startMs, endMs int64, limit int) ([]int64, bool, error) {
	first, err := ark.ResolveWall(s.wallStart, s.loc)
	if err != nil {
		return nil, false, err
	}
	r, err := newWallRule(opt, ark.WallClock(first.In(s.loc)), s.loc)
	if err != nil {
		return nil, false, err
	}

	lo := ark.WallClock(time.UnixMilli(startMs - s.duration).In(s.loc)).Add(-windowSlack)
	hi := ark.WallClock(time.UnixMilli(endMs).In(s.loc)).Add(windowSlack)

	var out []int64
	seen := make(map[int64]bool)
	next := r.Iterator()
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
		}
		wall, ok := next()
		if !ok || wall.After(hi) {
			break
		}
		if wall.Before(lo) {
			continue
		}
		at, err := ark.ResolveWall(wall, s.loc)
		if err != nil {
			return nil, false, err
		}
		st := at.UnixMilli()
		if s.exdates[st] || seen[st] {
			continue
		}
		if st > endMs || st+s.duration < startMs {
			continue
		}
		seen[st] = true
		out = append(out, st)
		if len(out) >= limit {
			return out, true, nil
		}
	}
	return out, false, nil
}
