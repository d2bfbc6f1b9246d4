package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arklowdun/internal/ark"
	"arklowdun/internal/config"
	"arklowdun/internal/database/migrations"
)

// NewStoreFromConfig opens the live store described by cfg, applies pending
// migrations and runs the pre-run guards.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, clock ark.Clock, ids ark.IDGenerator, logger ark.Logger) (*Store, error) {
	path := cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	opts := LiveOptions()
	if cfg.Database.BusyTimeoutMS > 0 {
		opts.BusyTimeout = time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond
	}
	if cfg.Database.JournalMode != "" {
		opts.JournalMode = cfg.Database.JournalMode
	}

	db, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, ark.Wrap(err, ark.CodeMigration, "applying migrations")
	}

	store := NewStore(db, path, clock, ids, logger)
	if err := store.RunGuards(ctx, GuardOptions{SkipBackfillGuard: cfg.SkipBackfillGuard}); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenMigrated opens path with the live options and migrates it without
// running guards. Used for fresh files built by repair and import.
func OpenMigrated(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, ark.Wrap(err, ark.CodeMigration, "applying migrations")
	}
	return NewStore(db, path, ark.RealClock{}, ark.UUIDv7Generator{}, nil), nil
}
