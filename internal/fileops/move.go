// Package fileops moves vault files together with the rows that reference
// them, and repairs rows whose attachment has gone missing.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/filesindex"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

// ConflictPolicy decides what happens when the move target exists.
type ConflictPolicy string

const (
	ConflictRename ConflictPolicy = "rename"
	ConflictFail   ConflictPolicy = "fail"
)

const (
	maxConflictRenames = 9999
	stagingPrefix      = ".arkmove-"

	// EventMoveProgress is emitted at each stage of a move.
	EventMoveProgress = "file_move_progress"
)

// MoveRequest names a file by household, category and vault-relative path.
type MoveRequest struct {
	HouseholdID  string         `json:"household_id" validate:"required"`
	FromCategory vault.Category `json:"from_category" validate:"required"`
	FromRelative string         `json:"from_relative_path" validate:"required"`
	ToCategory   vault.Category `json:"to_category" validate:"required"`
	ToRelative   string         `json:"to_relative_path" validate:"required"`
	Conflict     ConflictPolicy `json:"conflict" validate:"omitempty,oneof=rename fail"`
}

// MoveResult reports a finished move.
type MoveResult struct {
	Moved        int            `json:"moved"`
	Category     vault.Category `json:"category"`
	RelativePath string         `json:"relative_path"`
	Renamed      bool           `json:"renamed"`
	CrossDevice  bool           `json:"cross_device"`
}

// MoveProgress is the payload of file_move_progress.
type MoveProgress struct {
	Stage string `json:"stage"`
	File  string `json:"file"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Reindexer schedules a files index refresh after a move.
type Reindexer interface {
	Schedule(household string)
}

// Options configures a Manager.
type Options struct {
	Logger    ark.Logger
	Emitter   ark.Emitter
	Reindexer Reindexer
}

// Manager owns vault file moves and attachment repair.
type Manager struct {
	store     *database.Store
	vault     *vault.Vault
	logger    ark.Logger
	emitter   ark.Emitter
	reindexer Reindexer
	validate  *validator.Validate

	// rename is swapped in tests to simulate cross-device moves.
	rename func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[string]struct{}

	scanning   atomic.Bool
	cancelScan atomic.Bool
}

// New creates a Manager.
func New(store *database.Store, v *vault.Vault, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.Emitter == nil {
		opts.Emitter = ark.NopEmitter{}
	}
	return &Manager{
		store:     store,
		vault:     v,
		logger:    opts.Logger,
		emitter:   opts.Emitter,
		reindexer: opts.Reindexer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		rename:    os.Rename,
		locks:     make(map[string]struct{}),
	}
}

func lockKey(household string, category vault.Category, rel string) string {
	key := household + "\x00" + string(category) + "\x00" + rel
	if runtime.GOOS == "windows" {
		key = strings.ToLower(key)
	}
	return key
}

// acquire takes every key or none.
func (m *Manager) acquire(keys ...string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, held := m.locks[k]; held {
			return nil, ark.New(ark.CodeFileMoveInProgress, "a move for this file is already running")
		}
	}
	for _, k := range keys {
		m.locks[k] = struct{}{}
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, k := range keys {
			delete(m.locks, k)
		}
	}, nil
}

func (m *Manager) progress(stage, file string, done int) {
	m.emitter.Emit(EventMoveProgress, MoveProgress{Stage: stage, File: file, Done: done, Total: 1})
}

// Move relocates one file inside the vault and rewrites every row that
// points at it. The filesystem is restored if the database update fails.
func (m *Manager) Move(ctx context.Context, req MoveRequest) (*MoveResult, error) {
	if req.Conflict == "" {
		req.Conflict = ConflictFail
	}
	if err := m.validate.Struct(req); err != nil {
		return nil, ark.Wrap(err, ark.CodeAttachmentsInvalidInput, "invalid move request")
	}
	fromHash, toHash := ark.HashPath(req.FromRelative), ark.HashPath(req.ToRelative)
	log := func(msg string, args ...any) {
		m.logger.Info(msg, append([]any{"household_id", req.HouseholdID, "from_hash", fromHash, "to_hash", toHash}, args...)...)
	}

	fromRel, err := vault.NormalizeRelative(req.FromRelative)
	if err != nil {
		return nil, err
	}
	toRel, err := vault.NormalizeRelative(req.ToRelative)
	if err != nil {
		return nil, err
	}
	src, err := m.vault.Resolve(req.HouseholdID, req.FromCategory, fromRel)
	if err != nil {
		return nil, err
	}
	dst, err := m.vault.Resolve(req.HouseholdID, req.ToCategory, toRel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ark.New(ark.CodeFileMissing, "source file does not exist").With("from_hash", fromHash)
		}
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, ark.New(ark.CodeDirectoryMoveUnsupported, "directories cannot be moved").With("from_hash", fromHash)
	}

	release, err := m.acquire(
		lockKey(req.HouseholdID, req.FromCategory, fromRel),
		lockKey(req.HouseholdID, req.ToCategory, toRel),
	)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}
	renamed := false
	if arkfs.Exists(dst) {
		if req.Conflict == ConflictFail {
			return nil, ark.New(ark.CodeFileExists, "target already exists").With("to_hash", toHash)
		}
		alt, altRel, err := m.resolveConflict(req.HouseholdID, req.ToCategory, toRel)
		if err != nil {
			return nil, err
		}
		dst, toRel, renamed = alt, altRel, true
	}

	m.progress("staging", toRel, 0)
	staging := filepath.Join(filepath.Dir(dst), stagingPrefix+uuid.NewString())
	crossDevice, err := m.stage(src, staging)
	if err != nil {
		return nil, err
	}
	rollback := func() {
		var rerr error
		if crossDevice {
			rerr = os.Remove(staging)
		} else {
			rerr = m.rename(staging, src)
		}
		if rerr != nil {
			m.logger.Error("move rollback failed", "household_id", req.HouseholdID, "from_hash", fromHash, "error", rerr)
		}
	}

	m.progress("database", toRel, 0)
	moved := 0
	finalised := false
	err = m.store.Write(ctx, func(tx *database.Tx) error {
		n, err := updateReferences(ctx, tx, req.HouseholdID, req.FromCategory, fromRel, req.ToCategory, toRel, m.store.NowMs())
		if err != nil {
			return err
		}
		moved = n
		if err := m.rename(staging, dst); err != nil {
			return fmt.Errorf("finalising move: %w", err)
		}
		finalised = true
		return nil
	})
	if err != nil {
		if finalised {
			if rerr := m.rename(dst, staging); rerr != nil {
				m.logger.Error("move rollback failed", "household_id", req.HouseholdID, "to_hash", toHash, "error", rerr)
			}
		}
		rollback()
		log("file move rolled back", "error", err)
		return nil, err
	}

	m.progress("finalise", toRel, 0)
	if crossDevice {
		if err := os.Remove(src); err != nil {
			m.logger.Warn("failed to remove cross-device source", "household_id", req.HouseholdID, "from_hash", fromHash, "error", err)
		}
		if err := arkfs.SyncDir(filepath.Dir(src)); err != nil {
			m.logger.Warn("failed to sync source directory", "error", err)
		}
	}
	if err := arkfs.SyncDir(filepath.Dir(dst)); err != nil {
		m.logger.Warn("failed to sync target directory", "error", err)
	}

	m.progress("complete", toRel, 1)
	if m.reindexer != nil {
		m.reindexer.Schedule(req.HouseholdID)
	}
	log("file moved", "moved", moved, "renamed", renamed, "cross_device", crossDevice)
	return &MoveResult{
		Moved:        moved,
		Category:     req.ToCategory,
		RelativePath: toRel,
		Renamed:      renamed,
		CrossDevice:  crossDevice,
	}, nil
}

// resolveConflict finds the first free "name (N).ext" beside rel.
func (m *Manager) resolveConflict(household string, category vault.Category, rel string) (string, string, error) {
	dir, base := path.Split(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; n <= maxConflictRenames; n++ {
		candidate := fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
		abs, err := m.vault.Resolve(household, category, candidate)
		if err != nil {
			return "", "", err
		}
		if !arkfs.Exists(abs) {
			return abs, candidate, nil
		}
	}
	return "", "", ark.Newf(ark.CodeConflictResolutionFailed, "no free name after %d attempts", maxConflictRenames)
}

// stage moves src to staging. A rename that crosses devices falls back to a
// verified copy and leaves src in place until the move commits.
func (m *Manager) stage(src, staging string) (bool, error) {
	err := m.rename(src, staging)
	if err == nil {
		return false, nil
	}
	if !isCrossDevice(err) {
		return false, fmt.Errorf("staging file: %w", err)
	}

	if _, _, err := arkfs.CopyFile(src, staging); err != nil {
		os.Remove(staging)
		return false, fmt.Errorf("copying across devices: %w", err)
	}
	if err := verifyCopy(src, staging); err != nil {
		os.Remove(staging)
		return false, err
	}
	if err := arkfs.SyncFile(staging); err != nil {
		os.Remove(staging)
		return false, err
	}
	return true, nil
}

func verifyCopy(src, dst string) error {
	a, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	b, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat copy: %w", err)
	}
	if a.Size() != b.Size() || !a.ModTime().Equal(b.ModTime()) {
		return ark.New(ark.CodeCopyVerificationFailed, "copied file does not match the source").
			With("source_size", a.Size()).With("copy_size", b.Size())
	}
	return nil
}

// updateReferences rewrites every attachment row and the files index entry
// for (fromCat, fromRel). Returns the number of attachment rows changed.
func updateReferences(ctx context.Context, tx *database.Tx, household string, fromCat vault.Category, fromRel string, toCat vault.Category, toRel string, now int64) (int, error) {
	match := "relative_path = ?"
	if runtime.GOOS == "windows" {
		match = "relative_path = ? COLLATE NOCASE"
	}
	moved := 0
	for _, spec := range database.AttachmentTables() {
		res, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET category = ?, relative_path = ?, updated_at = ? WHERE household_id = ? AND category = ? AND %s`,
			ark.QuoteIdent(spec.Name), match),
			string(toCat), toRel, now, household, string(fromCat), fromRel)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, ark.Generic(err, "file_move")
		}
		moved += int(n)
	}

	filenameMatch := strings.Replace(match, "relative_path", "filename", 1)
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE files_index SET file_id = ?, category = ?, filename = ?, updated_at_utc = ? WHERE household_id = ? AND category = ? AND %s`,
		filenameMatch),
		filesindex.FileID(string(toCat), toRel), string(toCat), toRel, now, household, string(fromCat), fromRel); err != nil {
		return 0, err
	}
	return moved, nil
}
