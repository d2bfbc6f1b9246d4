package repair

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/backup"
	"arklowdun/internal/database"
	"arklowdun/internal/fs"
	"arklowdun/internal/health"
)

const (
	maxSkippedSamples = 25

	preHardRepairName = "pre-hard-repair.sqlite3"
	recoveredName     = "recovered.sqlite3"
	recoveryReport    = "recovery-report.json"
)

// TableStats counts the rows of one table copied by a hard repair.
type TableStats struct {
	Attempted int64 `json:"attempted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// SkippedRow is a sampled row that could not be copied.
type SkippedRow struct {
	Table string `json:"table"`
	RowID *int64 `json:"rowid,omitempty"`
	Error string `json:"error"`
}

// HardOutcome describes a hard repair run. It is also written to
// recovery-report.json.
type HardOutcome struct {
	Success          bool                  `json:"success"`
	Omitted          bool                  `json:"omitted"`
	Tables           map[string]TableStats `json:"tables"`
	TableOrder       []string              `json:"table_order"`
	Skipped          []SkippedRow          `json:"skipped_examples"`
	IntegrityOK      bool                  `json:"integrity_ok"`
	IntegrityErrors  []string              `json:"integrity_errors,omitempty"`
	ForeignKeyErrors []health.Offender     `json:"foreign_key_errors,omitempty"`
	RepairDirectory  string                `json:"repair_directory"`
	PreRepairPath    string                `json:"pre_repair_path"`
	ArchivedDBPath   string                `json:"archived_db_path,omitempty"`
	RecoveredPath    string                `json:"recovered_path,omitempty"`
	ReportPath       string                `json:"report_path"`
	DurationMS       int64                 `json:"duration_ms"`
}

// HardOptions configures RunHard.
type HardOptions struct {
	DBPath     string
	BackupsDir string
	Clock      ark.Clock
	Logger     ark.Logger
	BeforeSwap func() error
	AfterSwap  func() (*health.Report, error)
}

// RunHard rebuilds the store by copying every readable row into a freshly
// migrated database. The rebuild replaces the live file only when it passes
// integrity and foreign-key verification; otherwise it is kept as
// recovered.sqlite3 beside the recovery report.
func RunHard(ctx context.Context, opts HardOptions) (*HardOutcome, error) {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	started := time.Now()
	ts := opts.Clock.Now().UTC().Format("20060102-150405")

	if err := os.MkdirAll(opts.BackupsDir, 0o755); err != nil {
		return nil, ark.Wrap(err, ark.CodeHardRepairNoParent, "creating backups directory")
	}
	preDir, err := allocateHardDir(opts.BackupsDir, "hard-repair-pre-"+ts)
	if err != nil {
		return nil, err
	}
	dir, err := allocateHardDir(opts.BackupsDir, "hard-repair-"+ts)
	if err != nil {
		return nil, err
	}

	out := &HardOutcome{
		Tables:          map[string]TableStats{},
		Skipped:         []SkippedRow{},
		RepairDirectory: dir,
		PreRepairPath:   filepath.Join(preDir, backup.SnapshotName),
		ReportPath:      filepath.Join(dir, recoveryReport),
	}

	if err := copyWithSidecars(opts.DBPath, out.PreRepairPath); err != nil {
		return nil, ark.Wrap(err, ark.CodeHardRepairTask, "copying live database")
	}

	newPath := filepath.Join(filepath.Dir(opts.DBPath), "hard-repair-new-"+ts+".sqlite3")
	database.RemoveWithSidecars(newPath)
	if err := runWorker(func() error {
		return rebuildInto(ctx, out.PreRepairPath, newPath, out, opts.Logger)
	}); err != nil {
		database.RemoveWithSidecars(newPath)
		return nil, err
	}

	out.Omitted = len(out.Skipped) > 0 || !out.IntegrityOK || len(out.ForeignKeyErrors) > 0
	for _, st := range out.Tables {
		if st.Failed > 0 {
			out.Omitted = true
		}
	}

	if out.IntegrityOK && len(out.ForeignKeyErrors) == 0 {
		archive := filepath.Join(dir, preHardRepairName)
		if err := swapIn(opts, newPath, archive); err != nil {
			database.RemoveWithSidecars(newPath)
			return nil, err
		}
		out.Success = true
		out.ArchivedDBPath = archive
	} else {
		out.RecoveredPath = filepath.Join(dir, recoveredName)
		if err := os.Rename(newPath, out.RecoveredPath); err != nil {
			return nil, ark.Wrap(err, ark.CodeHardRepairTask, "preserving recovered database")
		}
		for _, suffix := range database.SidecarSuffixes {
			os.Remove(newPath + suffix)
		}
	}

	out.DurationMS = time.Since(started).Milliseconds()
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeHardRepairTask, "encoding recovery report")
	}
	if err := fs.WriteFileAtomic(out.ReportPath, data, 0o644); err != nil {
		return nil, ark.Wrap(err, ark.CodeHardRepairTask, "writing recovery report")
	}

	opts.Logger.Info("hard repair complete", "success", out.Success, "omitted", out.Omitted, "dir", dir)
	return out, nil
}

// allocateHardDir creates <backups>/<base>[-NN].
func allocateHardDir(backupsDir, base string) (string, error) {
	dir, err := fs.AllocateDir(backupsDir, base, allocAttempts)
	if err == nil {
		return dir, nil
	}
	if errors.Is(err, fs.ErrCollision) {
		return "", ark.Wrap(err, ark.CodeHardRepairNameCollision, "allocating hard repair directory").With("base", base)
	}
	return "", ark.Wrap(err, ark.CodeHardRepairNoParent, "allocating hard repair directory").With("base", base)
}

// runWorker runs the rebuild on its own goroutine. A panic there surfaces as
// DB_HARD_REPAIR/JOIN instead of taking the process down.
func runWorker(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ark.Newf(ark.CodeHardRepairJoin, "hard repair worker failed: %v", r)
			}
		}()
		done <- fn()
	}()
	return <-done
}

func swapIn(opts HardOptions, newPath, archive string) error {
	if opts.BeforeSwap != nil {
		if err := opts.BeforeSwap(); err != nil {
			return ark.Wrap(err, ark.CodeHardRepairTask, "preparing swap")
		}
	}
	if err := database.SwapDatabase(opts.DBPath, newPath, archive); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "swapping database")
	}
	if opts.AfterSwap != nil {
		if _, err := opts.AfterSwap(); err != nil {
			opts.Logger.Warn("post-swap health check failed", "error", err)
		}
	}
	return nil
}

func copyWithSidecars(src, dst string) error {
	if _, _, err := fs.CopyFile(src, dst); err != nil {
		return err
	}
	for _, suffix := range database.SidecarSuffixes {
		if !fs.Exists(src + suffix) {
			continue
		}
		if _, _, err := fs.CopyFile(src+suffix, dst+suffix); err != nil {
			return err
		}
	}
	return nil
}

type sourceTable struct {
	name    string
	sql     string
	columns []string
}

// rebuildInto migrates a fresh database at dest and copies every table of
// src into it in dependency order.
func rebuildInto(ctx context.Context, src, dest string, out *HardOutcome, logger ark.Logger) error {
	srcDB, err := database.Open(src, database.OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "opening source copy")
	}
	defer srcDB.Close()
	source := database.Queryer(srcDB)

	target, err := database.OpenMigrated(dest)
	if err != nil {
		return err
	}
	defer target.Close()

	tables, err := sourceTables(ctx, source)
	if err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "enumerating source tables")
	}

	existing := map[string]bool{}
	var names []string
	if err := sqlx.SelectContext(ctx, target.X(), &names,
		`SELECT name FROM sqlite_master WHERE type = 'table'`); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "reading target schema")
	}
	for _, n := range names {
		existing[n] = true
	}
	for _, t := range tables {
		if !existing[t.name] && t.sql != "" {
			if _, err := target.DB().ExecContext(ctx, t.sql); err != nil {
				logger.Warn("could not recreate table", "table", t.name, "error", err)
				continue
			}
			existing[t.name] = true
		}
	}

	byName := map[string]sourceTable{}
	var order []string
	deps := map[string][]string{}
	for _, t := range tables {
		if !existing[t.name] {
			continue
		}
		byName[t.name] = t
		order = append(order, t.name)
		parents, err := foreignParents(ctx, source, t.name)
		if err != nil {
			return ark.Wrap(err, ark.CodeHardRepairTask, "reading foreign keys")
		}
		deps[t.name] = parents
	}
	out.TableOrder = orderTables(order, deps)

	conn, err := target.DB().Conn(ctx)
	if err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "acquiring target connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "disabling foreign keys")
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "starting transfer")
	}
	defer tx.Rollback()

	yield := ark.NewYielder()
	for _, name := range out.TableOrder {
		t := byName[name]
		cols, err := targetColumns(ctx, target.X(), t)
		if err != nil {
			return ark.Wrap(err, ark.CodeHardRepairTask, "reading target columns")
		}
		if len(cols) == 0 {
			continue
		}
		stats, err := copyTable(ctx, source, tx, name, cols, out, yield)
		if err != nil {
			return err
		}
		out.Tables[name] = stats
	}
	if err := tx.Commit(); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "committing transfer")
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "re-enabling foreign keys")
	}

	var integrity []string
	if err := sqlx.SelectContext(ctx, target.X(), &integrity, "PRAGMA integrity_check"); err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "verifying rebuild")
	}
	out.IntegrityOK = len(integrity) == 1 && integrity[0] == "ok"
	if !out.IntegrityOK {
		out.IntegrityErrors = integrity
	}
	fk, err := health.ForeignKeyOffenders(ctx, target.X())
	if err != nil {
		return ark.Wrap(err, ark.CodeHardRepairTask, "verifying foreign keys")
	}
	out.ForeignKeyErrors = fk
	return nil
}

func sourceTables(ctx context.Context, q sqlx.QueryerContext) ([]sourceTable, error) {
	rows, err := q.QueryxContext(ctx, `SELECT name, COALESCE(sql, '') FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> 'schema_migrations'
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []sourceTable
	for rows.Next() {
		var t sourceTable
		if err := rows.Scan(&t.name, &t.sql); err != nil {
			return nil, err
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(t.sql)), "CREATE VIRTUAL") {
			continue
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tables {
		cols, err := visibleColumns(ctx, q, tables[i].name)
		if err != nil {
			return nil, err
		}
		tables[i].columns = cols
	}
	return tables, nil
}

// visibleColumns reads table_xinfo and drops hidden and generated columns.
func visibleColumns(ctx context.Context, q sqlx.QueryerContext, table string) ([]string, error) {
	rows, err := q.QueryxContext(ctx, "SELECT name, hidden FROM pragma_table_xinfo(?) ORDER BY cid", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		var hidden int
		if err := rows.Scan(&name, &hidden); err != nil {
			return nil, err
		}
		if hidden == 0 {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}

func foreignParents(ctx context.Context, q sqlx.QueryerContext, table string) ([]string, error) {
	var parents []string
	err := sqlx.SelectContext(ctx, q, &parents,
		`SELECT DISTINCT "table" FROM pragma_foreign_key_list(?)`, table)
	return parents, err
}

// targetColumns keeps the source columns that also exist in the target.
func targetColumns(ctx context.Context, q sqlx.QueryerContext, t sourceTable) ([]string, error) {
	present, err := visibleColumns(ctx, q, t.name)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(present))
	for _, c := range present {
		set[c] = true
	}
	var cols []string
	for _, c := range t.columns {
		if set[c] {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

func copyTable(ctx context.Context, source sqlx.QueryerContext, tx *sql.Tx, table string, cols []string, out *HardOutcome, yield *ark.Yielder) (TableStats, error) {
	var stats TableStats

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ark.QuoteIdent(c)
		marks[i] = "?"
	}
	list := strings.Join(quoted, ", ")

	withRowID := true
	rows, err := source.QueryxContext(ctx, fmt.Sprintf("SELECT rowid, %s FROM %s", list, ark.QuoteIdent(table)))
	if err != nil {
		withRowID = false
		rows, err = source.QueryxContext(ctx, fmt.Sprintf("SELECT %s FROM %s", list, ark.QuoteIdent(table)))
		if err != nil {
			return stats, ark.Wrap(err, ark.CodeHardRepairTask, "reading source table").With("table", table)
		}
	}
	defer rows.Close()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ark.QuoteIdent(table), list, strings.Join(marks, ", ")))
	if err != nil {
		return stats, ark.Wrap(err, ark.CodeHardRepairTask, "preparing insert").With("table", table)
	}
	defer stmt.Close()

	for rows.Next() {
		if err := yield.Tick(ctx); err != nil {
			return stats, err
		}
		values, err := rows.SliceScan()
		if err != nil {
			return stats, ark.Wrap(err, ark.CodeHardRepairTask, "reading source row").With("table", table)
		}
		var rowid *int64
		if withRowID {
			if id, ok := values[0].(int64); ok {
				rowid = &id
			}
			values = values[1:]
		}

		stats.Attempted++
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			stats.Failed++
			if len(out.Skipped) < maxSkippedSamples {
				out.Skipped = append(out.Skipped, SkippedRow{Table: table, RowID: rowid, Error: err.Error()})
			}
			continue
		}
		stats.Succeeded++
	}
	if err := rows.Err(); err != nil {
		return stats, ark.Wrap(err, ark.CodeHardRepairTask, "reading source table").With("table", table)
	}
	return stats, nil
}
