// Package health runs the storage health checks that gate writes to the
// live store.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

// Report status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Check names, in execution order.
const (
	CheckQuick      = "quick_check"
	CheckIntegrity  = "integrity_check"
	CheckForeignKey = "foreign_key_check"
	CheckStorage    = "storage_sanity"
)

// Check is the timed outcome of one health check.
type Check struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	DurationMS int64  `json:"duration_ms"`
	Details    string `json:"details,omitempty"`
}

// Offender is one foreign-key violation.
type Offender struct {
	Table   string `json:"table"`
	RowID   int64  `json:"rowid"`
	Message string `json:"message"`
}

// Report is the result of Run.
type Report struct {
	Status      string     `json:"status"`
	Checks      []Check    `json:"checks"`
	Offenders   []Offender `json:"offenders"`
	SchemaHash  string     `json:"schema_hash"`
	AppVersion  string     `json:"app_version"`
	GeneratedAt string     `json:"generated_at"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool { return r.Status == StatusOK }

// Summary is a one-line description of the failing checks.
func (r *Report) Summary() string {
	if r.OK() {
		return "all checks passed"
	}
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return "failed: " + strings.Join(failed, ", ")
}

// Options configures Run.
type Options struct {
	// JournalMode and PageSize are the expected storage parameters.
	JournalMode string
	PageSize    int
	AppVersion  string
	// LogPath receives a textual account of each run. Empty disables it.
	LogPath string
	Clock   ark.Clock
	Logger  ark.Logger
}

// Run executes quick, integrity, foreign-key and storage checks against the
// database at dbPath, self-healing a recoverable write-ahead file.
func Run(ctx context.Context, dbPath string, opts Options) (*Report, error) {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "wal"
	}
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}

	sqlDB, err := database.Open(dbPath, database.OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeDBUnhealthy, "opening database for health checks")
	}
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, database.DriverName)

	report := &Report{
		Status:     StatusOK,
		AppVersion: opts.AppVersion,
		Offenders:  []Offender{},
	}

	report.Checks = append(report.Checks, timed(CheckQuick, func() (bool, string, error) {
		return pragmaOK(ctx, db, "PRAGMA quick_check")
	}))
	report.Checks = append(report.Checks, timed(CheckIntegrity, func() (bool, string, error) {
		return pragmaOK(ctx, db, "PRAGMA integrity_check(1)")
	}))
	report.Checks = append(report.Checks, timed(CheckForeignKey, func() (bool, string, error) {
		offenders, err := ForeignKeyOffenders(ctx, db)
		if err != nil {
			return false, "", err
		}
		report.Offenders = offenders
		if len(offenders) > 0 {
			return false, fmt.Sprintf("%d foreign key violations", len(offenders)), nil
		}
		return true, "", nil
	}))
	report.Checks = append(report.Checks, timed(CheckStorage, func() (bool, string, error) {
		return storageSanity(ctx, db, dbPath, opts)
	}))

	for _, c := range report.Checks {
		if !c.Passed {
			report.Status = StatusError
		}
	}
	if hash, err := database.SchemaHash(ctx, db); err == nil {
		report.SchemaHash = hash
	} else {
		opts.Logger.Warn("schema hash unavailable", "error", err)
	}
	report.GeneratedAt = opts.Clock.Now().UTC().Format(time.RFC3339)

	opts.Logger.Info("health checks complete", "status", report.Status, "summary", report.Summary())
	if opts.LogPath != "" {
		if err := appendLog(opts.LogPath, report); err != nil {
			opts.Logger.Warn("failed to write health log", "path", opts.LogPath, "error", err)
		}
	}
	return report, nil
}

func timed(name string, fn func() (bool, string, error)) Check {
	start := time.Now()
	passed, details, err := fn()
	c := Check{Name: name, Passed: passed && err == nil, Details: details}
	if err != nil {
		c.Details = err.Error()
	}
	c.DurationMS = time.Since(start).Milliseconds()
	return c
}

// pragmaOK runs a check pragma and requires a single "ok" row.
func pragmaOK(ctx context.Context, db sqlx.QueryerContext, pragma string) (bool, string, error) {
	var lines []string
	if err := sqlx.SelectContext(ctx, db, &lines, pragma); err != nil {
		return false, "", err
	}
	if len(lines) == 1 && lines[0] == "ok" {
		return true, "", nil
	}
	return false, strings.Join(lines, "; "), nil
}

// ForeignKeyOffenders lists every foreign-key violation in the database.
func ForeignKeyOffenders(ctx context.Context, db sqlx.QueryerContext) ([]Offender, error) {
	rows, err := db.QueryxContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offenders := []Offender{}
	for rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int64
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, err
		}
		offenders = append(offenders, Offender{
			Table:   table,
			RowID:   rowid.Int64,
			Message: fmt.Sprintf("missing parent row in %s (constraint %d)", parent, fkid),
		})
	}
	return offenders, rows.Err()
}

func storageSanity(ctx context.Context, db *sqlx.DB, dbPath string, opts Options) (bool, string, error) {
	var problems []string

	var mode string
	if err := db.GetContext(ctx, &mode, "PRAGMA journal_mode"); err != nil {
		return false, "", err
	}
	if !strings.EqualFold(mode, opts.JournalMode) {
		problems = append(problems, fmt.Sprintf("journal_mode=%s want %s", mode, opts.JournalMode))
	}

	var pageSize int
	if err := db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return false, "", err
	}
	if pageSize != opts.PageSize {
		problems = append(problems, fmt.Sprintf("page_size=%d want %d", pageSize, opts.PageSize))
	}

	walPath := dbPath + "-wal"
	wal, err := InspectWAL(walPath)
	if err != nil {
		return false, "", err
	}
	var notes []string
	if wal.Recoverable(pageSize) {
		notes = append(notes, "healing: "+wal.String())
		if err := heal(ctx, db); err != nil {
			notes = append(notes, "heal failed: "+err.Error())
		}
		if wal, err = InspectWAL(walPath); err != nil {
			return false, "", err
		}
	}
	if !wal.Healthy(pageSize) {
		problems = append(problems, wal.String())
	}

	details := strings.Join(append(notes, problems...), "; ")
	return len(problems) == 0, details, nil
}

// Checkpoint is the result of a wal_checkpoint pragma.
type Checkpoint struct {
	Busy         int64 `json:"busy"`
	LogFrames    int64 `json:"log_frames"`
	Checkpointed int64 `json:"checkpointed_frames"`
}

// RunCheckpoint runs PRAGMA wal_checkpoint(mode).
func RunCheckpoint(ctx context.Context, db sqlx.QueryerContext, mode string) (Checkpoint, error) {
	var cp Checkpoint
	row := db.QueryRowxContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err := row.Scan(&cp.Busy, &cp.LogFrames, &cp.Checkpointed); err != nil {
		return cp, fmt.Errorf("wal_checkpoint(%s): %w", mode, err)
	}
	return cp, nil
}

func heal(ctx context.Context, db *sqlx.DB) error {
	cp, err := RunCheckpoint(ctx, db, "FULL")
	if err != nil {
		return err
	}
	if cp.LogFrames > cp.Checkpointed {
		_, err = RunCheckpoint(ctx, db, "TRUNCATE")
	}
	return err
}

func appendLog(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "%s status=%s schema_hash=%s\n", r.GeneratedAt, r.Status, r.SchemaHash)
	for _, c := range r.Checks {
		fmt.Fprintf(&b, "  %s passed=%t duration_ms=%d", c.Name, c.Passed, c.DurationMS)
		if c.Details != "" {
			fmt.Fprintf(&b, " details=%q", c.Details)
		}
		b.WriteString("\n")
	}
	_, err = f.WriteString(b.String())
	return err
}
