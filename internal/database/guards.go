package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
)

// GuardOptions controls the pre-run guards.
type GuardOptions struct {
	// SkipBackfillGuard bypasses the UTC backfill guard. Honoured only in
	// builds tagged arkdebug; release builds log a warning and ignore it.
	SkipBackfillGuard bool
}

// PendingBackfill counts events without UTC values in one household.
type PendingBackfill struct {
	HouseholdID string `db:"household_id"`
	Count       int64  `db:"pending"`
}

// RunGuards runs the backfill guard followed by the legacy column guard.
func (s *Store) RunGuards(ctx context.Context, opts GuardOptions) error {
	if err := s.CheckBackfill(ctx, opts); err != nil {
		return err
	}
	return s.CheckLegacyColumns(ctx)
}

// PendingBackfills returns per-household counts of events that still lack
// UTC timestamps.
func (s *Store) PendingBackfills(ctx context.Context) ([]PendingBackfill, error) {
	cols, err := TableColumns(ctx, s.db, "events")
	if err != nil {
		return nil, err
	}
	cond := "start_at_utc IS NULL"
	if _, ok := columnSet(cols)["end_at"]; ok {
		cond += " OR (end_at IS NOT NULL AND end_at_utc IS NULL)"
	}

	var pending []PendingBackfill
	query := fmt.Sprintf(`SELECT household_id, COUNT(*) AS pending FROM events
		WHERE %s GROUP BY household_id ORDER BY household_id`, cond)
	if err := s.db.SelectContext(ctx, &pending, query); err != nil {
		return nil, ark.Generic(err, "backfill_guard")
	}
	return pending, nil
}

// CheckBackfill fails when any event row lacks UTC values.
func (s *Store) CheckBackfill(ctx context.Context, opts GuardOptions) error {
	pending, err := s.PendingBackfills(ctx)
	if err != nil {
		return err
	}
	var total int64
	var parts []string
	for _, p := range pending {
		total += p.Count
		parts = append(parts, fmt.Sprintf("%s=%d", p.HouseholdID, p.Count))
	}
	if total == 0 {
		return nil
	}

	if opts.SkipBackfillGuard {
		if debugBuild {
			s.logger.Warn("events UTC backfill guard bypassed", "pending", total)
			return nil
		}
		s.logger.Warn("backfill guard override ignored in release builds", "pending", total)
	}

	return ark.Newf(ark.CodeBackfillGuard,
		"%d events are missing UTC timestamps; run the events backfill before continuing", total).
		With("pending", total).
		With("households", len(pending)).
		With("summary", strings.Join(parts, ","))
}

// CheckLegacyColumns fails while events still carries start_at or end_at.
func (s *Store) CheckLegacyColumns(ctx context.Context) error {
	legacy, err := legacyEventColumns(ctx, s.db)
	if err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}
	return ark.Newf(ark.CodeLegacyColumns,
		"events still has legacy columns %s; back up and rebuild the events table", strings.Join(legacy, ", ")).
		With("columns", strings.Join(legacy, ","))
}

func legacyEventColumns(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	cols, err := TableColumns(ctx, q, "events")
	if err != nil {
		return nil, err
	}
	var legacy []string
	for _, c := range cols {
		if c.Name == "start_at" || c.Name == "end_at" {
			legacy = append(legacy, c.Name)
		}
	}
	return legacy, nil
}

// BackfillResult summarises a BackfillEventsUTC run.
type BackfillResult struct {
	Scanned int
	Updated int
	Skipped int
}

// BackfillEventsUTC derives start_at_utc/end_at_utc from the legacy wall-clock
// columns, interpreting them in the event's zone, then the household's zone,
// then UTC.
func (s *Store) BackfillEventsUTC(ctx context.Context, household string) (BackfillResult, error) {
	var res BackfillResult
	legacy, err := legacyEventColumns(ctx, s.db)
	if err != nil {
		return res, err
	}
	has := map[string]bool{}
	for _, c := range legacy {
		has[c] = true
	}
	if !has["start_at"] {
		return res, nil
	}

	endExpr := "NULL"
	if has["end_at"] {
		endExpr = "e.end_at"
	}
	query := fmt.Sprintf(`SELECT e.id, e.household_id, e.start_at, %s AS end_at,
		COALESCE(e.tz, h.tz, 'UTC') AS zone
		FROM events e LEFT JOIN household h ON h.id = e.household_id
		WHERE e.start_at_utc IS NULL`, endExpr)
	var binds []any
	if household != "" {
		query += " AND e.household_id = ?"
		binds = append(binds, household)
	}
	rows, err := s.Query(ctx, query, binds...)
	if err != nil {
		return res, err
	}

	yield := ark.NewYielder()
	err = s.Write(ctx, func(tx *Tx) error {
		for _, row := range rows {
			if err := yield.Tick(ctx); err != nil {
				return err
			}
			res.Scanned++
			loc, err := time.LoadLocation(row.String("zone"))
			if err != nil {
				s.logger.Warn("skipping event with unknown zone", "id", row.String("id"), "tz", row.String("zone"))
				res.Skipped++
				continue
			}
			start, ok := row.Int("start_at")
			if !ok {
				res.Skipped++
				continue
			}
			var end any
			if e, ok := row.Int("end_at"); ok {
				end = wallToUTC(e, loc)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE events SET start_at_utc = ?, end_at_utc = COALESCE(end_at_utc, ?) WHERE id = ?`,
				wallToUTC(start, loc), end, row.String("id")); err != nil {
				return err
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("events backfill complete", "scanned", res.Scanned, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

// DropLegacyEventColumns removes start_at and end_at once every row has UTC values.
func (s *Store) DropLegacyEventColumns(ctx context.Context) error {
	if err := s.CheckBackfill(ctx, GuardOptions{}); err != nil {
		return err
	}
	legacy, err := legacyEventColumns(ctx, s.db)
	if err != nil {
		return err
	}
	err = s.Write(ctx, func(tx *Tx) error {
		for _, c := range legacy {
			if _, err := tx.Exec(ctx, "ALTER TABLE events DROP COLUMN "+ark.QuoteIdent(c)); err != nil {
				return err
			}
		}
		return nil
	})
	s.ResetSchemaCache()
	return err
}

// wallToUTC reads ms as a naive wall clock and resolves it in loc with the
// gap-forward, ambiguous-earlier policy of ark.ResolveWall.
func wallToUTC(ms int64, loc *time.Location) int64 {
	w := time.UnixMilli(ms).UTC()
	t, err := ark.ResolveWall(w, loc)
	if err != nil {
		return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), loc).UnixMilli()
	}
	return t.UnixMilli()
}
