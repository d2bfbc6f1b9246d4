// Package backup takes consistent snapshots of the live store and manages
// their retention.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"arklowdun/internal/ark"
	"arklowdun/internal/config"
	"arklowdun/internal/database"
	"arklowdun/internal/fs"
)

const (
	// SnapshotName is the database file inside a backup directory.
	SnapshotName = "arklowdun.sqlite3"
	ManifestName = "manifest.json"

	dirLayout       = "20060102-150405"
	allocAttempts   = 100
	emptyDBRequired = 100 * config.MB
)

var backupDirPattern = regexp.MustCompile(`^\d{8}-\d{6}(-\d{2})?$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manifest is written next to every snapshot.
type Manifest struct {
	AppVersion string `json:"app_version" validate:"required"`
	SchemaHash string `json:"schema_hash" validate:"required,len=64,hexadecimal"`
	Size       int64  `json:"size" validate:"gte=0"`
	SHA256     string `json:"sha256" validate:"required,len=64,hexadecimal"`
	CreatedAt  string `json:"created_at" validate:"required"`
}

// Entry is one backup on disk.
type Entry struct {
	Directory      string   `json:"directory"`
	SQLitePath     string   `json:"sqlite_path"`
	ManifestPath   string   `json:"manifest_path"`
	Manifest       Manifest `json:"manifest"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
}

// Overview summarises disk usage and existing backups.
type Overview struct {
	AvailableBytes    uint64  `json:"available_bytes"`
	DBSizeBytes       int64   `json:"db_size_bytes"`
	RequiredFreeBytes int64   `json:"required_free_bytes"`
	RetentionMaxCount int     `json:"retention_max_count"`
	RetentionMaxBytes int64   `json:"retention_max_bytes"`
	Backups           []Entry `json:"backups"`
}

// Options configures an Engine.
type Options struct {
	DBPath     string
	BackupsDir string
	MaxCount   int
	MaxBytes   int64
	// FakeFreeBytes overrides the free space probe.
	FakeFreeBytes *uint64
	AppVersion    string
	Clock         ark.Clock
	Logger        ark.Logger
	// Reveal opens a path in the platform file manager.
	Reveal func(path string) error
}

// Engine creates and manages backups of the live store.
type Engine struct {
	opts Options
}

// NewFromConfig builds an Engine from the engine configuration.
func NewFromConfig(cfg *config.Config, appVersion string, clock ark.Clock, logger ark.Logger) *Engine {
	return New(Options{
		DBPath:        cfg.DBPath(),
		BackupsDir:    cfg.BackupsDir(),
		MaxCount:      cfg.Backup.MaxCount,
		MaxBytes:      cfg.Backup.MaxBytes,
		FakeFreeBytes: cfg.FakeFreeBytes,
		AppVersion:    appVersion,
		Clock:         clock,
		Logger:        logger,
	})
}

// New creates an Engine, filling in defaults.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.Reveal == nil {
		opts.Reveal = revealInFileManager
	}
	opts.MaxCount = config.ClampBackupCount(opts.MaxCount)
	opts.MaxBytes = config.ClampBackupBytes(opts.MaxBytes)
	return &Engine{opts: opts}
}

// RequiredFree returns the free space needed to snapshot a database of size bytes.
func RequiredFree(size int64) int64 {
	if size <= 0 {
		return emptyDBRequired
	}
	return (size*6 + 4) / 5
}

// Available reports free bytes near dir, honouring the fake override.
func Available(dir string, fake *uint64) (uint64, error) {
	if fake != nil {
		return *fake, nil
	}
	return fs.AvailableBytesAt(dir)
}

// Overview reports disk usage and the newest backups.
func (e *Engine) Overview(ctx context.Context) (*Overview, error) {
	size, err := database.FileSize(e.opts.DBPath)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "sizing database")
	}
	avail, err := Available(e.opts.BackupsDir, e.opts.FakeFreeBytes)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "probing free space")
	}
	entries, err := e.List()
	if err != nil {
		return nil, err
	}
	if len(entries) > e.opts.MaxCount {
		entries = entries[:e.opts.MaxCount]
	}
	return &Overview{
		AvailableBytes:    avail,
		DBSizeBytes:       size,
		RequiredFreeBytes: RequiredFree(size),
		RetentionMaxCount: e.opts.MaxCount,
		RetentionMaxBytes: e.opts.MaxBytes,
		Backups:           entries,
	}, nil
}

// Create snapshots the live store into a fresh timestamped directory, writes
// its manifest and applies retention.
func (e *Engine) Create(ctx context.Context) (*Entry, error) {
	size, err := database.FileSize(e.opts.DBPath)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "sizing database")
	}
	required := RequiredFree(size)

	if err := os.MkdirAll(e.opts.BackupsDir, 0o755); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupNoParent, "creating backups directory")
	}
	avail, err := Available(e.opts.BackupsDir, e.opts.FakeFreeBytes)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "probing free space")
	}
	if avail < uint64(required) {
		return nil, ark.Newf(ark.CodeBackupLowDisk, "not enough free space for a backup: need %d bytes, have %d", required, avail).
			With("required_bytes", required).With("available_bytes", avail)
	}

	dir, err := fs.AllocateDir(e.opts.BackupsDir, e.opts.Clock.Now().UTC().Format(dirLayout), allocAttempts)
	if err != nil {
		if errors.Is(err, fs.ErrCollision) {
			return nil, ark.Wrap(err, ark.CodeBackupNameCollision, "allocating backup directory")
		}
		return nil, ark.Wrap(err, ark.CodeBackupTask, "allocating backup directory")
	}

	entry, err := e.snapshotInto(ctx, dir)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.opts.Logger.Warn("failed to remove partial backup", "dir", dir, "error", rmErr)
		}
		return nil, err
	}
	e.opts.Logger.Info("backup created", "dir", dir, "size", entry.Manifest.Size)

	if err := e.applyRetention(entry.Directory); err != nil {
		e.opts.Logger.Warn("backup retention failed", "error", err)
	}
	return entry, nil
}

func (e *Engine) snapshotInto(ctx context.Context, dir string) (*Entry, error) {
	final := filepath.Join(dir, SnapshotName)
	partial := final + fs.PartialSuffix

	if err := database.OnlineBackup(ctx, e.opts.DBPath, partial); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "copying database")
	}
	if err := os.Rename(partial, final); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "finalising snapshot")
	}
	if err := database.FinalizeSnapshot(ctx, final); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "finalising snapshot")
	}
	if err := fs.SyncFile(final); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "syncing snapshot")
	}

	sum, n, err := fs.HashFile(final)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "hashing snapshot")
	}
	schemaHash, err := snapshotSchemaHash(ctx, final)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "reading snapshot schema")
	}

	manifest := Manifest{
		AppVersion: e.opts.AppVersion,
		SchemaHash: schemaHash,
		Size:       n,
		SHA256:     sum,
		CreatedAt:  e.opts.Clock.Now().UTC().Format(time.RFC3339),
	}
	if manifest.AppVersion == "" {
		manifest.AppVersion = "unknown"
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "encoding manifest")
	}
	manifestPath := filepath.Join(dir, ManifestName)
	if err := fs.WriteFileAtomic(manifestPath, data, 0o644); err != nil {
		return nil, ark.Wrap(err, ark.CodeBackupTask, "writing manifest")
	}

	total, _ := fs.DirSize(dir)
	return &Entry{
		Directory:      dir,
		SQLitePath:     final,
		ManifestPath:   manifestPath,
		Manifest:       manifest,
		TotalSizeBytes: total,
	}, nil
}

func snapshotSchemaHash(ctx context.Context, path string) (string, error) {
	db, err := database.Open(path, database.OpenOptions{ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer db.Close()
	return database.SchemaHash(ctx, database.Queryer(db))
}

// List returns the valid backups, newest first. Directories without a
// readable manifest are ignored.
func (e *Engine) List() ([]Entry, error) {
	dirents, err := os.ReadDir(e.opts.BackupsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, ark.Wrap(err, ark.CodeBackupTask, "listing backups")
	}

	entries := []Entry{}
	for _, d := range dirents {
		if !d.IsDir() || !backupDirPattern.MatchString(d.Name()) {
			continue
		}
		dir := filepath.Join(e.opts.BackupsDir, d.Name())
		entry, err := readEntry(dir)
		if err != nil {
			e.opts.Logger.Debug("skipping backup directory", "dir", dir, "error", err)
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.CreatedAt != entries[j].Manifest.CreatedAt {
			return entries[i].Manifest.CreatedAt > entries[j].Manifest.CreatedAt
		}
		return entries[i].Directory > entries[j].Directory
	})
	return entries, nil
}

func readEntry(dir string) (*Entry, error) {
	manifestPath := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", manifestPath, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
	}
	total, err := fs.DirSize(dir)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Directory:      dir,
		SQLitePath:     filepath.Join(dir, SnapshotName),
		ManifestPath:   manifestPath,
		Manifest:       m,
		TotalSizeBytes: total,
	}, nil
}

// applyRetention deletes the oldest backups until both limits hold. The
// backup at keep is never removed.
func (e *Engine) applyRetention(keep string) error {
	entries, err := e.List()
	if err != nil {
		return err
	}
	var total int64
	for _, en := range entries {
		total += en.TotalSizeBytes
	}

	count := len(entries)
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if count <= e.opts.MaxCount && total <= e.opts.MaxBytes {
			break
		}
		en := entries[i]
		if en.Directory == keep {
			continue
		}
		if err := os.RemoveAll(en.Directory); err != nil {
			errs = append(errs, err)
			continue
		}
		e.opts.Logger.Info("pruned backup", "dir", en.Directory)
		count--
		total -= en.TotalSizeBytes
	}
	return errors.Join(errs...)
}

// Reveal opens a snapshot in the platform file manager. The path must lie
// inside the backups directory.
func (e *Engine) Reveal(sqlitePath string) error {
	root, err := canonical(e.opts.BackupsDir)
	if err != nil {
		return ark.Wrap(err, ark.CodeBackupInvalidPath, "resolving backups directory")
	}
	target, err := canonical(sqlitePath)
	if err != nil {
		return ark.Wrap(err, ark.CodeBackupInvalidPath, "resolving backup path").With("path", sqlitePath)
	}
	if !fs.HasPrefix(target, root) || target == root {
		return ark.New(ark.CodeBackupInvalidPath, "path is outside the backups directory").With("path", sqlitePath)
	}
	if err := e.opts.Reveal(target); err != nil {
		return ark.Wrap(err, ark.CodeBackupTask, "revealing backup")
	}
	return nil
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
