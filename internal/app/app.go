package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"arklowdun/internal/ark"
	"arklowdun/internal/backup"
	"arklowdun/internal/config"
	"arklowdun/internal/database"
	"arklowdun/internal/family"
	"arklowdun/internal/fileops"
	"arklowdun/internal/filesindex"
	"arklowdun/internal/health"
	"arklowdun/internal/notes"
	"arklowdun/internal/recurrence"
	"arklowdun/internal/reports"
	"arklowdun/internal/vault"
	"arklowdun/internal/vaultmigrate"
)

// Options configures an Engine. Zero values select production defaults.
type Options struct {
	AppVersion string
	Clock      ark.Clock
	IDs        ark.IDGenerator
	Emitter    ark.Emitter
	// Logger replaces the zap logger normally opened under cfg.LogDir.
	Logger ark.Logger
}

// Engine is the dispatcher between a command surface and the services.
// It constructs every dependency from config, imposes the writability gate
// on mutations, records ops reports for maintenance commands and manages the
// store lifecycle across database swaps. The caller must call Close.
type Engine struct {
	cfg     *config.Config
	opts    Options
	opID    string
	logger  ark.Logger
	logFile *os.File
	gate    *ark.Gate

	vault   *vault.Vault
	backups *backup.Engine
	reports *reports.Writer

	mu       sync.RWMutex
	store    *database.Store
	indexer  *filesindex.Indexer
	files    *fileops.Manager
	migrator *vaultmigrate.Migrator
	notes    *notes.Service
	family   *family.Service
	events   *recurrence.Expander
}

// New creates a fully wired Engine from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = ark.UUIDv7Generator{}
	}
	if opts.Emitter == nil {
		opts.Emitter = ark.NopEmitter{}
	}

	e := &Engine{
		cfg:  cfg,
		opts: opts,
		opID: opts.Clock.Now().UTC().Format("20060102T150405Z"),
		gate: ark.NewGate(),
	}

	e.logger = opts.Logger
	if e.logger == nil {
		zl, f, err := newLogger(cfg.LogDir, e.opID)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		e.logger = newZapAdapter(zl)
		e.logFile = f
	}

	v, err := vault.New(cfg.VaultRoot(), cfg.AppDataDir)
	if err != nil {
		e.closeLog()
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	e.vault = v

	store, err := database.NewStoreFromConfig(ctx, cfg, opts.Clock, opts.IDs, e.logger)
	if err != nil {
		e.closeLog()
		return nil, err
	}

	e.backups = backup.NewFromConfig(cfg, opts.AppVersion, opts.Clock, e.logger)
	e.reports = reports.NewWriter(reports.Options{
		Root:          cfg.ReportsDir(),
		Retention:     cfg.Reports.Retention,
		AppVersion:    opts.AppVersion,
		SchemaVersion: e.schemaVersion,
		Clock:         opts.Clock,
		Logger:        e.logger,
	})

	e.mu.Lock()
	e.store = store
	e.wire()
	e.mu.Unlock()

	e.logger.Debug("engine ready", "app_data_dir", cfg.AppDataDir, "db", cfg.DBPath())
	return e, nil
}

// wire rebuilds every store-backed service. Callers hold e.mu.
func (e *Engine) wire() {
	e.indexer = filesindex.New(e.store, e.vault, filesindex.Options{
		MaxDepth: e.cfg.FilesIndex.MaxDepth,
		Ignore:   e.cfg.FilesIndex.Ignore,
		Logger:   e.logger,
	})
	e.files = fileops.New(e.store, e.vault, fileops.Options{
		Logger:    e.logger,
		Emitter:   e.opts.Emitter,
		Reindexer: e.indexer,
	})
	e.migrator = vaultmigrate.New(e.store, e.vault, vaultmigrate.Options{
		Clock:   e.opts.Clock,
		Logger:  e.logger,
		Emitter: e.opts.Emitter,
	})
	e.notes = notes.New(e.store, notes.Options{Logger: e.logger})
	e.family = family.New(e.store, family.Options{Logger: e.logger})
	e.events = recurrence.New(e.store, recurrence.Options{
		Logger:     e.logger,
		ShadowRead: e.cfg.Time.ShadowRead,
		Clock:      e.opts.Clock,
	})
}

// OpID identifies this engine's run in logs and reports.
func (e *Engine) OpID() string { return e.opID }

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Gate exposes the writability gate.
func (e *Engine) Gate() *ark.Gate { return e.gate }

// Store returns the live store, or nil while a swap has it closed.
func (e *Engine) Store() *database.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

func (e *Engine) schemaVersion(ctx context.Context) (string, error) {
	store := e.Store()
	if store == nil {
		return "", errors.New("store is closed")
	}
	v, err := store.SchemaVersion()
	if err == nil && v != "" {
		return v, nil
	}
	return store.SchemaHash(ctx)
}

// HealthRun checks the live database and caches the result in the gate.
func (e *Engine) HealthRun(ctx context.Context) (*health.Report, error) {
	rep, err := health.Run(ctx, e.cfg.DBPath(), health.Options{
		JournalMode: e.cfg.Database.JournalMode,
		PageSize:    e.cfg.Database.PageSize,
		AppVersion:  e.opts.AppVersion,
		LogPath:     filepath.Join(e.cfg.LogDir, "health.log"),
		Clock:       e.opts.Clock,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.gate.SetHealth(rep.Status, rep.Summary())
	if !rep.OK() {
		e.logger.Warn("database unhealthy", "summary", rep.Summary())
	}
	return rep, nil
}

// ensureWritable runs a health check when none is cached, then consults the
// gate.
func (e *Engine) ensureWritable(ctx context.Context) error {
	if status, _ := e.gate.Health(); status == "" {
		if _, err := e.HealthRun(ctx); err != nil {
			return err
		}
	}
	return e.gate.CheckWritable()
}

// closeStore releases the live pool before a swap.
func (e *Engine) closeStore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

// reopen opens the store at the configured path again, rewires every service
// and refreshes the gate.
func (e *Engine) reopen(ctx context.Context) (*health.Report, error) {
	store, err := database.NewStoreFromConfig(ctx, e.cfg, e.opts.Clock, e.opts.IDs, e.logger)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.store != nil {
		e.store.Close()
	}
	e.store = store
	e.wire()
	e.mu.Unlock()
	return e.HealthRun(ctx)
}

// ensureOpen reopens the store after a maintenance run that closed it and
// then failed before reopening.
func (e *Engine) ensureOpen(ctx context.Context) {
	if e.Store() != nil {
		return
	}
	if _, err := e.reopen(ctx); err != nil {
		e.logger.Error("reopening database failed", "error", err)
	}
}

// begin starts an operation of kind.
func (e *Engine) begin(kind reports.Kind) *Operation {
	return NewOperation(kind, e.opID, e.opts.Clock.Now())
}

// record persists the report for op. Reporting failures are logged and never
// replace the operation's own outcome.
func (e *Engine) record(ctx context.Context, op *Operation, details map[string]any, opErr error) {
	path, err := e.reports.Persist(ctx, op.Input(e.opts.Clock.Now(), details, opErr))
	if err != nil {
		e.logger.Warn("persisting ops report failed", "kind", string(op.Kind), "error", err)
		return
	}
	e.logger.Debug("ops report recorded", "kind", string(op.Kind), "path", path)
}

// ReportsList returns the stored reports of kind, oldest first.
func (e *Engine) ReportsList(kind reports.Kind) ([]string, error) {
	return e.reports.List(kind)
}

func (e *Engine) closeLog() {
	if e.logFile != nil {
		e.logFile.Close()
		e.logFile = nil
	}
}

// Close waits for background index builds and closes all resources.
func (e *Engine) Close() error {
	var firstErr error

	e.mu.RLock()
	indexer := e.indexer
	e.mu.RUnlock()
	if indexer != nil {
		indexer.Wait()
	}

	if err := e.closeStore(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	e.closeLog()
	return firstErr
}

// Backfill fills the UTC event columns of household (every household when
// empty) without running the pre-run guards, which refuse to open a store
// that still needs it. With dropLegacy the wall-clock columns are removed
// once nothing is pending.
func Backfill(ctx context.Context, cfg *config.Config, household string, dropLegacy bool, logger ark.Logger) (database.BackfillResult, error) {
	db, err := database.OpenMigrated(cfg.DBPath())
	if err != nil {
		return database.BackfillResult{}, err
	}
	defer db.Close()
	store := database.NewStore(db.DB(), cfg.DBPath(), ark.RealClock{}, ark.UUIDv7Generator{}, logger)

	res, err := store.BackfillEventsUTC(ctx, household)
	if err != nil || !dropLegacy {
		return res, err
	}
	return res, store.DropLegacyEventColumns(ctx)
}
