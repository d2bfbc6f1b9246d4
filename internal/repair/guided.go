// Package repair rebuilds a damaged live store, either by vacuuming it into a
// fresh file (guided repair) or by copying rows into a freshly migrated
// schema (hard repair).
package repair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arklowdun/internal/ark"
	"arklowdun/internal/backup"
	"arklowdun/internal/database"
	"arklowdun/internal/fs"
	"arklowdun/internal/health"
)

// Step identifies one stage of the guided repair pipeline.
type Step string

const (
	StepBackup     Step = "backup"
	StepCheckpoint Step = "checkpoint"
	StepRebuild    Step = "rebuild"
	StepValidate   Step = "validate"
	StepSwap       Step = "swap"
)

// Steps lists the pipeline in execution order.
var Steps = []Step{StepBackup, StepCheckpoint, StepRebuild, StepValidate, StepSwap}

// Status is the state of a step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Event is emitted to the observer on every step transition.
type Event struct {
	Step    Step   `json:"step"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Observer receives pipeline events.
type Observer func(Event)

// StepResult is the final state of one step.
type StepResult struct {
	Step       Step   `json:"step"`
	Status     Status `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
}

// Summary describes a guided repair run.
type Summary struct {
	Success          bool               `json:"success"`
	Steps            []StepResult       `json:"steps"`
	DurationMS       int64              `json:"duration_ms"`
	BackupDirectory  string             `json:"backup_directory,omitempty"`
	BackupSQLitePath string             `json:"backup_sqlite_path,omitempty"`
	ArchivedDBPath   string             `json:"archived_db_path,omitempty"`
	Checkpoint       *health.Checkpoint `json:"checkpoint,omitempty"`
	ErrorCode        string             `json:"error_code,omitempty"`
	Message          string             `json:"message,omitempty"`
	Health           *health.Report     `json:"health_report,omitempty"`
}

// Options configures Run.
type Options struct {
	DBPath     string
	BackupsDir string
	Backup     *backup.Engine
	// FakeFreeBytes overrides the free space probe.
	FakeFreeBytes *uint64
	Clock         ark.Clock
	Logger        ark.Logger
	// BeforeSwap runs just before the files are exchanged, e.g. to close the
	// live pool.
	BeforeSwap func() error
	// AfterSwap runs once the rebuilt file is live, e.g. to reopen the pool
	// and re-run health checks.
	AfterSwap func() (*health.Report, error)
}

const (
	rebuildFloor  = 20 * 1024 * 1024
	allocAttempts = 100
	archiveName   = "archived.sqlite3"

	vacuumBusyTimeout = 30 * time.Second
)

type pipeline struct {
	opts     Options
	observer Observer
	summary  *Summary
	results  map[Step]*StepResult
}

func (p *pipeline) emit(step Step, status Status, msg string) {
	r := p.results[step]
	r.Status = status
	r.Message = msg
	if p.observer != nil {
		p.observer(Event{Step: step, Status: status, Message: msg})
	}
}

// run executes one step, recording its timing and final status. A non-nil
// error marks the step failed.
func (p *pipeline) run(step Step, fn func() (Status, string, error)) error {
	p.emit(step, StatusRunning, "")
	start := time.Now()
	status, msg, err := fn()
	p.results[step].DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		p.emit(step, StatusFailed, err.Error())
		p.summary.ErrorCode = ark.CodeOf(err)
		p.summary.Message = err.Error()
		return err
	}
	p.emit(step, status, msg)
	return nil
}

// Run executes the guided repair pipeline: snapshot, checkpoint, vacuum into
// a fresh file, validate it and swap it in. Steps after a failure are skipped.
func Run(ctx context.Context, opts Options, observer Observer) (*Summary, error) {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	p := &pipeline{
		opts:     opts,
		observer: observer,
		summary:  &Summary{},
		results:  make(map[Step]*StepResult, len(Steps)),
	}
	for _, s := range Steps {
		p.results[s] = &StepResult{Step: s, Status: StatusPending}
	}

	started := time.Now()
	err := p.execute(ctx)
	for _, s := range Steps {
		r := p.results[s]
		if r.Status == StatusPending {
			r.Status = StatusSkipped
			if observer != nil {
				observer(Event{Step: s, Status: StatusSkipped})
			}
		}
		p.summary.Steps = append(p.summary.Steps, *r)
	}
	p.summary.DurationMS = time.Since(started).Milliseconds()
	p.summary.Success = err == nil
	if err != nil {
		opts.Logger.Error("guided repair failed", "error", err)
		return p.summary, err
	}
	opts.Logger.Info("guided repair complete", "archive", p.summary.ArchivedDBPath)
	return p.summary, nil
}

func (p *pipeline) execute(ctx context.Context) error {
	var preRepairDir, rebuilt string

	err := p.run(StepBackup, func() (Status, string, error) {
		entry, err := p.opts.Backup.Create(ctx)
		if err != nil {
			return "", "", err
		}
		ts := p.opts.Clock.Now().UTC().Format("20060102-150405")
		preRepairDir, err = fs.AllocateDir(p.opts.BackupsDir, "pre-repair-"+ts, allocAttempts)
		if err != nil {
			code := ark.CodeRepairTask
			if errors.Is(err, fs.ErrCollision) {
				code = ark.CodeRepairNameCollision
			}
			return "", "", ark.Wrap(err, code, "allocating pre-repair directory")
		}
		moved := filepath.Join(preRepairDir, filepath.Base(entry.Directory))
		if err := os.Rename(entry.Directory, moved); err != nil {
			return "", "", ark.Wrap(err, ark.CodeRepairTask, "moving snapshot")
		}
		if err := fs.SyncDir(p.opts.BackupsDir); err != nil {
			return "", "", ark.Wrap(err, ark.CodeRepairTask, "syncing backups directory")
		}
		p.summary.BackupDirectory = moved
		p.summary.BackupSQLitePath = filepath.Join(moved, backup.SnapshotName)
		return StatusSuccess, moved, nil
	})
	if err != nil {
		return err
	}

	p.run(StepCheckpoint, func() (Status, string, error) {
		return p.checkpoint(ctx)
	})

	err = p.run(StepRebuild, func() (Status, string, error) {
		var err error
		rebuilt, err = p.rebuild(ctx)
		if err != nil {
			return "", "", err
		}
		return StatusSuccess, rebuilt, nil
	})
	if err != nil {
		return err
	}

	err = p.run(StepValidate, func() (Status, string, error) {
		if err := Validate(ctx, rebuilt); err != nil {
			if rmErr := database.RemoveWithSidecars(rebuilt); rmErr != nil {
				p.opts.Logger.Warn("failed to remove rejected rebuild", "path", rebuilt, "error", rmErr)
			}
			return "", "", err
		}
		return StatusSuccess, "", nil
	})
	if err != nil {
		return err
	}

	return p.run(StepSwap, func() (Status, string, error) {
		discard := func() {
			if rmErr := database.RemoveWithSidecars(rebuilt); rmErr != nil {
				p.opts.Logger.Warn("failed to remove unused rebuild", "path", rebuilt, "error", rmErr)
			}
		}
		if p.opts.BeforeSwap != nil {
			if err := p.opts.BeforeSwap(); err != nil {
				discard()
				return "", "", ark.Wrap(err, ark.CodeRepairTask, "preparing swap")
			}
		}
		archive := filepath.Join(preRepairDir, archiveName)
		if err := database.SwapDatabase(p.opts.DBPath, rebuilt, archive); err != nil {
			discard()
			return "", "", ark.Wrap(err, ark.CodeRepairTask, "swapping database")
		}
		p.summary.ArchivedDBPath = archive
		if p.opts.AfterSwap != nil {
			report, err := p.opts.AfterSwap()
			if err != nil {
				return StatusWarning, "post-swap health check failed: " + err.Error(), nil
			}
			p.summary.Health = report
		}
		return StatusSuccess, archive, nil
	})
}

// checkpoint flushes the write-ahead file. Failures are reported as warnings.
func (p *pipeline) checkpoint(ctx context.Context) (Status, string, error) {
	if !fs.Exists(p.opts.DBPath + "-wal") {
		return StatusSkipped, "no write-ahead file", nil
	}
	db, err := database.Open(p.opts.DBPath, database.OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return StatusWarning, err.Error(), nil
	}
	defer db.Close()

	cp, err := health.RunCheckpoint(ctx, database.Queryer(db), "FULL")
	if err != nil {
		return StatusWarning, err.Error(), nil
	}
	p.summary.Checkpoint = &cp
	msg := fmt.Sprintf("busy=%d log=%d checkpointed=%d", cp.Busy, cp.LogFrames, cp.Checkpointed)
	if cp.Busy != 0 {
		return StatusWarning, msg, nil
	}
	return StatusSuccess, msg, nil
}

func (p *pipeline) rebuild(ctx context.Context) (string, error) {
	size, err := database.FileSize(p.opts.DBPath)
	if err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "sizing database")
	}
	dir := filepath.Dir(p.opts.DBPath)
	required := uint64(2*size + rebuildFloor)
	avail, err := backup.Available(dir, p.opts.FakeFreeBytes)
	if err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "probing free space")
	}
	if avail < required {
		return "", ark.Newf(ark.CodeRepairLowDisk, "not enough free space to rebuild: need %d bytes, have %d", required, avail).
			With("required_bytes", required).With("available_bytes", avail)
	}

	dest, err := allocateFile(dir, "repair-new-%02d.sqlite3")
	if err != nil {
		return "", err
	}

	db, err := database.Open(p.opts.DBPath, database.OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "opening database")
	}
	defer db.Close()
	conn, err := vacuumConn(ctx, db)
	if err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "preparing vacuum connection")
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		database.RemoveWithSidecars(dest)
		return "", ark.Wrap(err, ark.CodeRepairTask, "vacuuming into rebuild")
	}
	if err := fs.SyncFile(dest); err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "syncing rebuild")
	}
	if err := fs.SyncDir(dir); err != nil {
		return "", ark.Wrap(err, ark.CodeRepairTask, "syncing database directory")
	}
	return dest, nil
}

// vacuumConn pins one connection and raises its busy timeout for VACUUM INTO.
func vacuumConn(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	pragma := fmt.Sprintf("PRAGMA busy_timeout = %d", vacuumBusyTimeout.Milliseconds())
	if _, err := conn.ExecContext(ctx, pragma); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// allocateFile returns the first unused path in dir built from pattern and a
// two-digit counter.
func allocateFile(dir, pattern string) (string, error) {
	for i := 1; i <= 99; i++ {
		p := filepath.Join(dir, fmt.Sprintf(pattern, i))
		if !fs.Exists(p) {
			return p, nil
		}
	}
	return "", ark.New(ark.CodeRepairTempAlloc, "could not allocate a rebuild file").With("dir", dir)
}

// Validate opens path read-only and requires clean quick, integrity and
// foreign-key checks.
func Validate(ctx context.Context, path string) error {
	db, err := database.Open(path, database.OpenOptions{ReadOnly: true})
	if err != nil {
		return ark.Wrap(err, ark.CodeRepairInvalidPath, "opening rebuild")
	}
	defer db.Close()
	q := database.Queryer(db)

	if msg, err := singleOK(ctx, db, "PRAGMA quick_check"); err != nil || msg != "ok" {
		return ark.Newf(ark.CodeRepairQuickCheckFailed, "quick_check failed: %s", failureText(msg, err))
	}
	if msg, err := singleOK(ctx, db, "PRAGMA integrity_check(1)"); err != nil || msg != "ok" {
		return ark.Newf(ark.CodeRepairIntegrityFailed, "integrity_check failed: %s", failureText(msg, err))
	}
	offenders, err := health.ForeignKeyOffenders(ctx, q)
	if err != nil {
		return ark.Wrap(err, ark.CodeRepairForeignKeyFailed, "foreign_key_check failed")
	}
	if len(offenders) > 0 {
		return ark.Newf(ark.CodeRepairForeignKeyFailed, "%d foreign key violations", len(offenders)).
			With("first_table", offenders[0].Table)
	}
	return nil
}

func singleOK(ctx context.Context, db *sql.DB, pragma string) (string, error) {
	var msg string
	if err := db.QueryRowContext(ctx, pragma).Scan(&msg); err != nil {
		return "", err
	}
	return msg, nil
}

func failureText(msg string, err error) string {
	if err != nil {
		return err.Error()
	}
	return msg
}
