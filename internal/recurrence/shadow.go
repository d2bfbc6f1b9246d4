package recurrence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

// ShadowSample is the most recent row the shadow audit compared.
type ShadowSample struct {
	EventID       string `json:"event_id"`
	HouseholdID   string `json:"household_id"`
	TZ            string `json:"tz"`
	LegacyStartMs *int64 `json:"legacy_start_ms"`
	LegacyEndMs   *int64 `json:"legacy_end_ms"`
	UTCStartMs    *int64 `json:"utc_start_ms"`
	UTCEndMs      *int64 `json:"utc_end_ms"`
	StartDeltaMs  *int64 `json:"start_delta_ms"`
	EndDeltaMs    *int64 `json:"end_delta_ms"`
	ObservedAtMs  int64  `json:"observed_at_ms"`
}

// ShadowSummary accumulates shadow audit runs.
type ShadowSummary struct {
	TotalRows     int64         `json:"total_rows"`
	Discrepancies int64         `json:"discrepancies"`
	Last          *ShadowSample `json:"last,omitempty"`
}

type legacyRow struct {
	ID          string        `db:"id"`
	HouseholdID string        `db:"household_id"`
	Zone        string        `db:"zone"`
	StartAt     int64         `db:"start_at"`
	EndAt       sql.NullInt64 `db:"end_at"`
	StartAtUTC  int64         `db:"start_at_utc"`
	EndAtUTC    sql.NullInt64 `db:"end_at_utc"`
}

// ShadowAudit recomputes UTC instants from the legacy wall-clock columns,
// compares them with the stored UTC values and folds the outcome into the
// singleton shadow_read_audit row. Without legacy columns there is nothing
// to compare and the stored summary is returned unchanged.
func (e *Expander) ShadowAudit(ctx context.Context, household string) (*ShadowSummary, error) {
	cols, err := database.TableColumns(ctx, e.store.X(), "events")
	if err != nil {
		return nil, err
	}
	hasEnd, hasStart := false, false
	for _, c := range cols {
		hasStart = hasStart || c.Name == "start_at"
		hasEnd = hasEnd || c.Name == "end_at"
	}
	if !hasStart {
		return e.ShadowSummary(ctx)
	}

	endExpr := "NULL"
	if hasEnd {
		endExpr = "e.end_at"
	}
	query := `SELECT e.id, e.household_id, COALESCE(NULLIF(e.tz, ''), h.tz, 'UTC') AS zone,
		e.start_at, ` + endExpr + ` AS end_at, e.start_at_utc, e.end_at_utc
		FROM events e LEFT JOIN household h ON h.id = e.household_id
		WHERE e.start_at IS NOT NULL AND e.start_at_utc IS NOT NULL AND e.household_id = ?
		ORDER BY e.id`
	var rows []legacyRow
	if err := sqlx.SelectContext(ctx, e.store.X(), &rows, query, household); err != nil {
		return nil, ark.Generic(err, "shadow_read_audit")
	}
	if len(rows) == 0 {
		return e.ShadowSummary(ctx)
	}

	var discrepancies int64
	var last ShadowSample
	now := e.opts.Clock.Now().UnixMilli()
	for _, r := range rows {
		loc, err := time.LoadLocation(r.Zone)
		if err != nil {
			loc = time.UTC
		}
		last = ShadowSample{
			EventID:       r.ID,
			HouseholdID:   r.HouseholdID,
			TZ:            r.Zone,
			LegacyStartMs: ptr(r.StartAt),
			UTCStartMs:    ptr(r.StartAtUTC),
			ObservedAtMs:  now,
		}
		drift := false
		if want, err := ark.ResolveWall(time.UnixMilli(r.StartAt).UTC(), loc); err == nil {
			last.StartDeltaMs = ptr(r.StartAtUTC - want.UnixMilli())
			drift = *last.StartDeltaMs != 0
		}
		if r.EndAt.Valid {
			last.LegacyEndMs = ptr(r.EndAt.Int64)
		}
		if r.EndAtUTC.Valid {
			last.UTCEndMs = ptr(r.EndAtUTC.Int64)
		}
		if r.EndAt.Valid && r.EndAtUTC.Valid {
			if want, err := ark.ResolveWall(time.UnixMilli(r.EndAt.Int64).UTC(), loc); err == nil {
				last.EndDeltaMs = ptr(r.EndAtUTC.Int64 - want.UnixMilli())
				drift = drift || *last.EndDeltaMs != 0
			}
		}
		if drift {
			discrepancies++
			e.opts.Logger.Warn("shadow read discrepancy", "id", r.ID, "tz", r.Zone,
				"start_delta_ms", last.StartDeltaMs, "end_delta_ms", last.EndDeltaMs)
		}
	}

	_, err = e.store.Exec(ctx, `INSERT INTO shadow_read_audit (id, total_rows, discrepancies,
			last_event_id, last_household_id, last_tz, last_legacy_start_ms, last_legacy_end_ms,
			last_utc_start_ms, last_utc_end_ms, last_start_delta_ms, last_end_delta_ms, last_observed_at_ms)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_rows = total_rows + excluded.total_rows,
			discrepancies = discrepancies + excluded.discrepancies,
			last_event_id = excluded.last_event_id,
			last_household_id = excluded.last_household_id,
			last_tz = excluded.last_tz,
			last_legacy_start_ms = excluded.last_legacy_start_ms,
			last_legacy_end_ms = excluded.last_legacy_end_ms,
			last_utc_start_ms = excluded.last_utc_start_ms,
			last_utc_end_ms = excluded.last_utc_end_ms,
			last_start_delta_ms = excluded.last_start_delta_ms,
			last_end_delta_ms = excluded.last_end_delta_ms,
			last_observed_at_ms = excluded.last_observed_at_ms`,
		len(rows), discrepancies, last.EventID, last.HouseholdID, last.TZ,
		last.LegacyStartMs, last.LegacyEndMs, last.UTCStartMs, last.UTCEndMs,
		last.StartDeltaMs, last.EndDeltaMs, last.ObservedAtMs)
	if err != nil {
		return nil, err
	}
	return e.ShadowSummary(ctx)
}

// ShadowSummary reads the stored audit summary. A missing row is an empty
// summary.
func (e *Expander) ShadowSummary(ctx context.Context) (*ShadowSummary, error) {
	var row struct {
		TotalRows     int64          `db:"total_rows"`
		Discrepancies int64          `db:"discrepancies"`
		EventID       sql.NullString `db:"last_event_id"`
		HouseholdID   sql.NullString `db:"last_household_id"`
		TZ            sql.NullString `db:"last_tz"`
		LegacyStartMs *int64         `db:"last_legacy_start_ms"`
		LegacyEndMs   *int64         `db:"last_legacy_end_ms"`
		UTCStartMs    *int64         `db:"last_utc_start_ms"`
		UTCEndMs      *int64         `db:"last_utc_end_ms"`
		StartDeltaMs  *int64         `db:"last_start_delta_ms"`
		EndDeltaMs    *int64         `db:"last_end_delta_ms"`
		ObservedAtMs  sql.NullInt64  `db:"last_observed_at_ms"`
	}
	err := sqlx.GetContext(ctx, e.store.X(), &row, `SELECT total_rows, discrepancies, last_event_id,
		last_household_id, last_tz, last_legacy_start_ms, last_legacy_end_ms, last_utc_start_ms,
		last_utc_end_ms, last_start_delta_ms, last_end_delta_ms, last_observed_at_ms
		FROM shadow_read_audit WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return &ShadowSummary{}, nil
	}
	if err != nil {
		return nil, ark.Generic(err, "shadow_read_audit")
	}

	out := &ShadowSummary{TotalRows: row.TotalRows, Discrepancies: row.Discrepancies}
	if row.EventID.Valid {
		out.Last = &ShadowSample{
			EventID:       row.EventID.String,
			HouseholdID:   row.HouseholdID.String,
			TZ:            row.TZ.String,
			LegacyStartMs: row.LegacyStartMs,
			LegacyEndMs:   row.LegacyEndMs,
			UTCStartMs:    row.UTCStartMs,
			UTCEndMs:      row.UTCEndMs,
			StartDeltaMs:  row.StartDeltaMs,
			EndDeltaMs:    row.EndDeltaMs,
			ObservedAtMs:  row.ObservedAtMs.Int64,
		}
	}
	return out, nil
}

func ptr(v int64) *int64 { return &v }
