// Package vaultmigrate relocates legacy root_key attachments into the
// category-partitioned vault. Runs are resumable from a checkpoint.
package vaultmigrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

// Mode selects planning or moving.
type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeApply  Mode = "apply"
)

const (
	// StateDirName lives directly under the vault root.
	StateDirName   = ".vault-migration"
	CheckpointName = "checkpoint.json"
	ManifestName   = "manifest.json"

	// EventProgress is emitted at most once per progressInterval.
	EventProgress = "vault:migration_progress"

	progressInterval = 200 * time.Millisecond
	maxRenames       = 1000
)

// Entry statuses.
const (
	StatusOK            = "ok"
	StatusSourceMissing = "source_missing"
	StatusFailed        = "failed"
)

// Checkpoint marks the last row handled.
type Checkpoint struct {
	Mode       Mode   `json:"mode"`
	TableIndex int    `json:"table_index"`
	LastID     string `json:"last_id"`
	Completed  bool   `json:"completed"`
	UpdatedAt  string `json:"updated_at"`
}

// ManifestEntry records the decision for one row.
type ManifestEntry struct {
	Table        string `json:"table"`
	RowID        string `json:"row_id"`
	HouseholdID  string `json:"household_id"`
	RootKey      string `json:"root_key,omitempty"`
	FromRelative string `json:"from_relative_path"`
	ToCategory   string `json:"to_category"`
	ToRelative   string `json:"to_relative_path"`
	Action       string `json:"action"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Manifest is the run's record of every row.
type Manifest struct {
	Mode       Mode            `json:"mode"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Entries    []ManifestEntry `json:"entries"`
}

// Progress is the payload of vault:migration_progress.
type Progress struct {
	Mode      Mode   `json:"mode"`
	Table     string `json:"table"`
	Processed int    `json:"processed"`
	Moved     int    `json:"moved"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
}

// Summary reports a finished run.
type Summary struct {
	Mode      Mode `json:"mode"`
	Processed int  `json:"processed"`
	Planned   int  `json:"planned"`
	Moved     int  `json:"moved"`
	Renamed   int  `json:"renamed"`
	Failed    int  `json:"failed"`
	Resumed   bool `json:"resumed"`
}

// Status is what vault_migration_status returns.
type Status struct {
	Running    bool        `json:"running"`
	Checkpoint *Checkpoint `json:"checkpoint"`
	Entries    int         `json:"entries"`
	Failed     int         `json:"failed"`
}

// Options configures a Migrator.
type Options struct {
	Clock   ark.Clock
	Logger  ark.Logger
	Emitter ark.Emitter
}

// Migrator runs vault migrations. Only one run may be active.
type Migrator struct {
	store    *database.Store
	vault    *vault.Vault
	clock    ark.Clock
	logger   ark.Logger
	emitter  ark.Emitter
	stateDir string
	running  atomic.Bool
}

// New creates a Migrator.
func New(store *database.Store, v *vault.Vault, opts Options) *Migrator {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.Emitter == nil {
		opts.Emitter = ark.NopEmitter{}
	}
	return &Migrator{
		store:    store,
		vault:    v,
		clock:    opts.Clock,
		logger:   opts.Logger,
		emitter:  opts.Emitter,
		stateDir: filepath.Join(v.Root(), StateDirName),
	}
}

type legacyRow struct {
	ID           string  `db:"id"`
	HouseholdID  string  `db:"household_id"`
	RootKey      *string `db:"root_key"`
	Category     *string `db:"category"`
	RelativePath string  `db:"relative_path"`
}

// Start runs a migration in mode. An unfinished checkpoint for the same mode
// is resumed.
func (m *Migrator) Start(ctx context.Context, mode Mode) (*Summary, error) {
	if mode != ModeDryRun && mode != ModeApply {
		return nil, ark.Newf(ark.CodeInvalidInput, "unknown migration mode %q", mode)
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil, ark.New(ark.CodeVaultMigrationRunning, "a vault migration is already running")
	}
	defer m.running.Store(false)

	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating migration state directory: %w", err)
	}

	summary := &Summary{Mode: mode}
	cp := &Checkpoint{Mode: mode}
	manifest := &Manifest{Mode: mode, StartedAt: m.stamp()}
	if prev, err := m.readCheckpoint(); err != nil {
		return nil, err
	} else if prev != nil && prev.Mode == mode && !prev.Completed {
		cp = prev
		summary.Resumed = true
		if old, err := m.readManifest(); err == nil && old != nil && old.Mode == mode {
			manifest = old
		}
		m.logger.Info("resuming vault migration", "mode", string(mode), "table_index", cp.TableIndex, "last_id", cp.LastID)
	}

	tables := database.AttachmentTables()
	var lastEmit time.Time
	emit := func(table string, done bool) {
		now := m.clock.Now()
		if !done && now.Sub(lastEmit) < progressInterval {
			return
		}
		lastEmit = now
		m.emitter.Emit(EventProgress, Progress{
			Mode:      mode,
			Table:     table,
			Processed: summary.Processed,
			Moved:     summary.Moved,
			Failed:    summary.Failed,
			Done:      done,
		})
	}

	seen := make(map[string]int, len(manifest.Entries))
	for i, e := range manifest.Entries {
		seen[e.Table+"/"+e.RowID] = i
	}
	record := func(e ManifestEntry) {
		if i, ok := seen[e.Table+"/"+e.RowID]; ok {
			manifest.Entries[i] = e
			return
		}
		seen[e.Table+"/"+e.RowID] = len(manifest.Entries)
		manifest.Entries = append(manifest.Entries, e)
	}

	for ti := cp.TableIndex; ti < len(tables); ti++ {
		spec := tables[ti]
		if ti != cp.TableIndex {
			cp.TableIndex, cp.LastID = ti, ""
		}
		rows, err := m.pending(ctx, spec.Name, cp.LastID)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			record(m.migrateRow(ctx, mode, spec, r, summary))
			summary.Processed++

			// The manifest goes first so a checkpointed row is always recorded.
			if err := m.writeJSON(ManifestName, manifest); err != nil {
				return nil, err
			}
			cp.LastID = r.ID
			if err := m.writeCheckpoint(cp); err != nil {
				return nil, err
			}
			emit(spec.Name, false)
		}
	}

	manifest.FinishedAt = m.stamp()
	if err := m.writeJSON(ManifestName, manifest); err != nil {
		return nil, err
	}
	cp.Completed = true
	if err := m.writeCheckpoint(cp); err != nil {
		return nil, err
	}
	emit("", true)

	m.logger.Info("vault migration finished", "mode", string(mode), "processed", summary.Processed,
		"moved", summary.Moved, "failed", summary.Failed)

	var housekeeping error
	if mode == ModeApply {
		housekeeping = m.Housekeeping(ctx)
	}
	if summary.Failed > 0 {
		err := ark.Newf(ark.CodeVaultSourceMissing, "%d attachments could not be migrated", summary.Failed).
			With("failed", summary.Failed)
		if housekeeping != nil {
			m.logger.Warn("vault housekeeping failed", "error", housekeeping)
			err = err.With("housekeeping", ark.CodeOf(housekeeping))
		}
		return summary, err
	}
	if housekeeping != nil {
		return summary, housekeeping
	}
	return summary, nil
}

// pending returns rows needing migration with id > after, ordered by id.
func (m *Migrator) pending(ctx context.Context, table, after string) ([]legacyRow, error) {
	valid := make([]string, 0)
	for _, c := range vault.Categories() {
		valid = append(valid, "'"+string(c)+"'")
	}
	query := fmt.Sprintf(`SELECT id, household_id, root_key, category, relative_path FROM %s
		WHERE relative_path IS NOT NULL AND relative_path != ''
		AND (root_key IS NOT NULL OR category IS NULL OR category NOT IN (%s))
		AND id > ? ORDER BY id`, ark.QuoteIdent(table), strings.Join(valid, ", "))
	var rows []legacyRow
	if err := m.store.X().SelectContext(ctx, &rows, query, after); err != nil {
		return nil, ark.Generic(err, "vault_migration_scan").With("table", table)
	}
	return rows, nil
}

func (m *Migrator) migrateRow(ctx context.Context, mode Mode, spec database.TableSpec, r legacyRow, summary *Summary) ManifestEntry {
	rootKey := vault.RootKeyAttachments
	if r.RootKey != nil && *r.RootKey != "" {
		rootKey = *r.RootKey
	}
	category := vault.Category(spec.DefaultCategory)
	if r.Category != nil && vault.Category(*r.Category).Valid() {
		category = vault.Category(*r.Category)
	}
	entry := ManifestEntry{
		Table:        spec.Name,
		RowID:        r.ID,
		HouseholdID:  r.HouseholdID,
		RootKey:      rootKey,
		FromRelative: r.RelativePath,
		ToCategory:   string(category),
		Action:       "plan",
		Status:       StatusOK,
	}
	fail := func(status string, err error) ManifestEntry {
		entry.Status = status
		entry.Error = err.Error()
		summary.Failed++
		m.logger.Warn("vault migration row failed", "table", spec.Name, "row_id", r.ID,
			"path_hash", ark.HashPath(r.RelativePath), "error", err)
		return entry
	}

	src, err := m.vault.LegacyPath(rootKey, r.RelativePath)
	if err != nil {
		return fail(StatusFailed, err)
	}
	rel, err := vault.NormalizeRelative(r.RelativePath)
	if err != nil {
		return fail(StatusFailed, err)
	}
	dst, err := m.vault.Resolve(r.HouseholdID, category, rel)
	if err != nil {
		return fail(StatusFailed, err)
	}
	entry.ToRelative = rel
	if info, err := os.Stat(src); err != nil || !info.Mode().IsRegular() {
		return fail(StatusSourceMissing, ark.New(ark.CodeVaultSourceMissing, "legacy attachment not found"))
	}

	if mode == ModeDryRun {
		summary.Planned++
		return entry
	}

	entry.Action = "move"
	if arkfs.Exists(dst) {
		if dst, rel, err = m.freeName(r.HouseholdID, category, rel); err != nil {
			return fail(StatusFailed, err)
		}
		entry.ToRelative = rel
		summary.Renamed++
	}
	if _, _, err := arkfs.CopyFile(src, dst); err != nil {
		return fail(StatusFailed, err)
	}
	if _, err := m.store.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET category = ?, relative_path = ?, root_key = NULL, updated_at = ? WHERE id = ?`,
		ark.QuoteIdent(spec.Name)), string(category), rel, m.store.NowMs(), r.ID); err != nil {
		os.Remove(dst)
		return fail(StatusFailed, err)
	}
	if err := os.Remove(src); err != nil {
		m.logger.Warn("failed to remove migrated source", "path_hash", ark.HashPath(r.RelativePath), "error", err)
	}
	summary.Moved++
	return entry
}

func (m *Migrator) freeName(household string, category vault.Category, rel string) (string, string, error) {
	dir, base := path.Split(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; n <= maxRenames; n++ {
		candidate := fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
		abs, err := m.vault.Resolve(household, category, candidate)
		if err != nil {
			return "", "", err
		}
		if !arkfs.Exists(abs) {
			return abs, candidate, nil
		}
	}
	return "", "", ark.Newf(ark.CodeConflictResolutionFailed, "no free name after %d attempts", maxRenames)
}

// Housekeeping verifies every attachment-bearing row: each must carry a
// valid category, no legacy root key, and point at an existing vault file.
func (m *Migrator) Housekeeping(ctx context.Context) error {
	for _, spec := range database.AttachmentTables() {
		var rows []legacyRow
		err := m.store.X().SelectContext(ctx, &rows, fmt.Sprintf(
			`SELECT id, household_id, root_key, category, relative_path FROM %s
			WHERE relative_path IS NOT NULL AND relative_path != '' ORDER BY id`,
			ark.QuoteIdent(spec.Name)))
		if err != nil {
			return ark.Generic(err, "vault_migration_housekeeping").With("table", spec.Name)
		}
		for _, row := range rows {
			if err := m.checkRow(spec.Name, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Migrator) checkRow(table string, row legacyRow) error {
	if row.Category == nil || !vault.Category(*row.Category).Valid() {
		return ark.New(ark.CodeVaultCategoryMissing, "attachment row has no valid category").
			With("table", table).With("row_id", row.ID)
	}
	if row.RootKey != nil {
		return ark.New(ark.CodeVaultRootKeyLingering, "attachment row still has a root key").
			With("table", table).With("row_id", row.ID)
	}
	p, err := m.vault.Resolve(row.HouseholdID, vault.Category(*row.Category), row.RelativePath)
	if err != nil {
		return err
	}
	if !arkfs.Exists(p) {
		return ark.New(ark.CodeVaultFileMissing, "attachment file is missing from the vault").
			With("table", table).With("row_id", row.ID)
	}
	return nil
}

// Status reports the checkpoint and manifest of the latest run.
func (m *Migrator) Status() (*Status, error) {
	st := &Status{Running: m.running.Load()}
	cp, err := m.readCheckpoint()
	if err != nil {
		return nil, err
	}
	st.Checkpoint = cp
	man, err := m.readManifest()
	if err != nil {
		return nil, err
	}
	if man != nil {
		st.Entries = len(man.Entries)
		for _, e := range man.Entries {
			if e.Status != StatusOK {
				st.Failed++
			}
		}
	}
	return st, nil
}

func (m *Migrator) stamp() string {
	return m.clock.Now().UTC().Format(time.RFC3339)
}

func (m *Migrator) writeCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = m.stamp()
	return m.writeJSON(CheckpointName, cp)
}

func (m *Migrator) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := arkfs.WriteFileAtomic(filepath.Join(m.stateDir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func (m *Migrator) readCheckpoint() (*Checkpoint, error) {
	var cp Checkpoint
	ok, err := m.readJSON(CheckpointName, &cp)
	if !ok {
		return nil, err
	}
	return &cp, nil
}

func (m *Migrator) readManifest() (*Manifest, error) {
	var man Manifest
	ok, err := m.readJSON(ManifestName, &man)
	if !ok {
		return nil, err
	}
	return &man, nil
}

func (m *Migrator) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(m.stateDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", name, err)
	}
	return true, nil
}
