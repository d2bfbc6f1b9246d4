// Package filesindex keeps the files_index table in step with the vault.
package filesindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/unicode/norm"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

// Mode selects how much work a rebuild does.
type Mode string

const (
	// ModeFull re-reads every file.
	ModeFull Mode = "full"
	// ModeIncremental skips files whose size and mtime are unchanged.
	ModeIncremental Mode = "incremental"
)

// State is a household's indexer state.
type State string

const (
	StateIdle       State = "idle"
	StateBuilding   State = "building"
	StateCancelling State = "cancelling"
	StateError      State = "error"
)

const (
	defaultMaxDepth = 16
	progressEvery   = 25
	flushEvery      = 25
	defaultMIME     = "application/octet-stream"
)

// Progress is emitted while a rebuild runs.
type Progress struct {
	HouseholdID string `json:"household_id"`
	Scanned     int    `json:"scanned"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Done        bool   `json:"done"`
}

// ProgressSink receives progress. A Send error means the receiver is gone.
type ProgressSink interface {
	Send(Progress) error
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Progress) error

func (f SinkFunc) Send(p Progress) error { return f(p) }

type nopSink struct{}

func (nopSink) Send(Progress) error { return nil }

// Summary describes a finished rebuild.
type Summary struct {
	Scanned     int   `json:"scanned"`
	Updated     int   `json:"updated"`
	Skipped     int   `json:"skipped"`
	Removed     int   `json:"removed"`
	Cancelled   bool  `json:"cancelled"`
	LastBuiltAt int64 `json:"last_built_at_utc"`
}

// Options configures an Indexer.
type Options struct {
	MaxDepth int
	Ignore   []string
	Logger   ark.Logger
}

type buildState struct {
	state  State
	cancel atomic.Bool
}

// Indexer rebuilds files_index rows from the vault, one build per household
// at a time.
type Indexer struct {
	store    *database.Store
	vault    *vault.Vault
	maxDepth int
	ignore   []string
	logger   ark.Logger

	mu     sync.Mutex
	states map[string]*buildState
	wg     sync.WaitGroup
}

// New creates an Indexer.
func New(store *database.Store, v *vault.Vault, opts Options) *Indexer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	return &Indexer{
		store:    store,
		vault:    v,
		maxDepth: opts.MaxDepth,
		ignore:   opts.Ignore,
		logger:   opts.Logger,
		states:   make(map[string]*buildState),
	}
}

// State returns the household's current state.
func (ix *Indexer) State(household string) State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if st, ok := ix.states[household]; ok {
		return st.state
	}
	return StateIdle
}

// Cancel asks a running build to stop at the next entry. Returns false when
// nothing is building.
func (ix *Indexer) Cancel(household string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st, ok := ix.states[household]
	if !ok || st.state != StateBuilding {
		return false
	}
	st.state = StateCancelling
	st.cancel.Store(true)
	return true
}

func (ix *Indexer) begin(household string) (*buildState, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if st, ok := ix.states[household]; ok && (st.state == StateBuilding || st.state == StateCancelling) {
		return nil, ark.New(ark.CodeIndexBusy, "files index is already building").With("household_id", household)
	}
	st := &buildState{state: StateBuilding}
	ix.states[household] = st
	return st, nil
}

func (ix *Indexer) finish(household string, st *buildState, failed bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if failed {
		st.state = StateError
	} else {
		st.state = StateIdle
	}
}

// Schedule starts an incremental rebuild in the background. Busy or failed
// builds are logged.
func (ix *Indexer) Schedule(household string) {
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		if _, err := ix.Rebuild(context.Background(), household, ModeIncremental, nil); err != nil {
			ix.logger.Warn("scheduled files index rebuild failed", "household_id", household, "error", err)
		}
	}()
}

// Wait blocks until scheduled rebuilds finish.
func (ix *Indexer) Wait() { ix.wg.Wait() }

type existingRow struct {
	FileID   string `db:"file_id"`
	Category string `db:"category"`
	Filename string `db:"filename"`
	Size     *int64 `db:"size_bytes"`
	Modified *int64 `db:"modified_at_utc"`
}

type pendingRow struct {
	fileID, category, filename string
	ordinal                    int
	size, modified             int64
	mime, sha                  string
}

// Rebuild walks the household's vault and brings files_index up to date.
func (ix *Indexer) Rebuild(ctx context.Context, household string, mode Mode, sink ProgressSink) (*Summary, error) {
	if sink == nil {
		sink = nopSink{}
	}
	hhRoot, err := ix.vault.HouseholdRoot(household)
	if err != nil {
		return nil, err
	}
	st, err := ix.begin(household)
	if err != nil {
		return nil, err
	}

	summary, err := ix.rebuild(ctx, household, hhRoot, mode, sink, st)
	ix.finish(household, st, err != nil)
	if err != nil {
		ix.logger.Error("files index rebuild failed", "household_id", household, "error", err)
		return nil, err
	}
	ix.logger.Info("files index rebuilt", "household_id", household, "mode", string(mode),
		"scanned", summary.Scanned, "updated", summary.Updated, "removed", summary.Removed, "cancelled", summary.Cancelled)
	return summary, nil
}

func (ix *Indexer) rebuild(ctx context.Context, household, hhRoot string, mode Mode, sink ProgressSink, st *buildState) (*Summary, error) {
	var rows []existingRow
	if err := ix.store.X().SelectContext(ctx, &rows,
		`SELECT file_id, category, filename, size_bytes, modified_at_utc FROM files_index WHERE household_id = ?`,
		household); err != nil {
		return nil, ark.Generic(err, "files_index_load")
	}
	existing := make(map[string]existingRow, len(rows))
	for _, r := range rows {
		existing[r.Category+"/"+r.Filename] = r
	}

	extra, err := arkfs.ParseIgnoreFile(filepath.Join(hhRoot, arkfs.IgnoreFileName))
	if err != nil {
		ix.logger.Warn("ignoring unreadable ignore file", "household_id", household, "error", err)
	}
	matcher := arkfs.NewVaultIgnoreMatcher(append(append([]string{}, ix.ignore...), extra...))

	summary := &Summary{}
	seen := make(map[string]bool)
	var pending []pendingRow
	events := 0
	yield := ark.NewYielder()

	emit := func(done bool) error {
		p := Progress{HouseholdID: household, Scanned: summary.Scanned, Updated: summary.Updated, Skipped: summary.Skipped, Done: done}
		if err := sink.Send(p); err != nil {
			return ark.Wrap(err, ark.CodeIndexProgressClosed, "progress receiver closed")
		}
		return nil
	}
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		return ix.upsert(ctx, household, batch)
	}

	errCancelled := errors.New("cancelled")
	for _, cat := range vault.Categories() {
		root, err := ix.vault.CategoryRoot(household, cat)
		if err != nil {
			return nil, err
		}
		if info, err := os.Lstat(root); err != nil || !info.IsDir() {
			continue
		}

		walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				ix.logger.Debug("skipping unreadable entry", "path_hash", ark.HashPath(p), "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if p == root {
				return nil
			}
			if st.cancel.Load() {
				return errCancelled
			}
			if err := yield.Tick(ctx); err != nil {
				return err
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil
			}
			rel = norm.NFC.String(filepath.ToSlash(rel))
			if matcher.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if strings.Count(rel, "/")+1 >= ix.maxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			key := string(cat) + "/" + rel
			seen[key] = true
			summary.Scanned++
			events++

			size, mtime := info.Size(), info.ModTime().Unix()
			if prev, ok := existing[key]; ok && mode == ModeIncremental &&
				prev.Size != nil && *prev.Size == size && prev.Modified != nil && *prev.Modified == mtime {
				summary.Skipped++
			} else {
				sum, _, err := arkfs.HashFile(p)
				if err != nil {
					ix.logger.Warn("skipping unreadable file", "path_hash", ark.HashPath(p), "error", err)
					summary.Skipped++
				} else {
					pending = append(pending, pendingRow{
						fileID:   FileID(string(cat), rel),
						category: string(cat),
						filename: rel,
						ordinal:  summary.Scanned,
						size:     size,
						modified: mtime,
						mime:     DetectMIME(p),
						sha:      sum,
					})
					summary.Updated++
				}
			}

			if len(pending) >= flushEvery {
				if err := flush(); err != nil {
					return err
				}
			}
			if events%progressEvery == 0 {
				return emit(false)
			}
			return nil
		})
		if errors.Is(walkErr, errCancelled) {
			summary.Cancelled = true
			break
		}
		if walkErr != nil {
			return nil, walkErr
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	if !summary.Cancelled {
		removed, err := ix.prune(ctx, household, existing, seen)
		if err != nil {
			return nil, err
		}
		summary.Removed = removed
		if summary.LastBuiltAt, err = ix.writeMeta(ctx, household); err != nil {
			return nil, err
		}
	}
	if err := emit(true); err != nil {
		return nil, err
	}
	return summary, nil
}

func (ix *Indexer) upsert(ctx context.Context, household string, batch []pendingRow) error {
	return ix.store.Write(ctx, func(tx *database.Tx) error {
		for _, r := range batch {
			if _, err := tx.Exec(ctx, `INSERT INTO files_index
				(household_id, file_id, category, filename, updated_at_utc, ordinal, score_hint, size_bytes, mime, modified_at_utc, sha256)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
				ON CONFLICT(household_id, file_id) DO UPDATE SET
					category = excluded.category,
					filename = excluded.filename,
					updated_at_utc = excluded.updated_at_utc,
					ordinal = excluded.ordinal,
					size_bytes = excluded.size_bytes,
					mime = excluded.mime,
					modified_at_utc = excluded.modified_at_utc,
					sha256 = excluded.sha256`,
				household, r.fileID, r.category, r.filename, ix.store.NowMs(), r.ordinal,
				r.size, r.mime, r.modified, r.sha); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ix *Indexer) prune(ctx context.Context, household string, existing map[string]existingRow, seen map[string]bool) (int, error) {
	var stale []string
	for key, r := range existing {
		if !seen[key] {
			stale = append(stale, r.FileID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err := ix.store.Write(ctx, func(tx *database.Tx) error {
		for _, id := range stale {
			if _, err := tx.Exec(ctx, `DELETE FROM files_index WHERE household_id = ? AND file_id = ?`, household, id); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale), err
}

// writeMeta records the build. last_built_at_utc comes from the store's
// monotonic clock so it is never behind any row's updated_at_utc.
func (ix *Indexer) writeMeta(ctx context.Context, household string) (int64, error) {
	var builtAt int64
	err := ix.store.Write(ctx, func(tx *database.Tx) error {
		rows, err := tx.Query(ctx, `SELECT COUNT(*) AS n, COALESCE(MAX(updated_at_utc), 0) AS max_updated
			FROM files_index WHERE household_id = ?`, household)
		if err != nil {
			return err
		}
		count, _ := rows[0].Int("n")
		maxUpdated, _ := rows[0].Int("max_updated")
		builtAt = ix.store.NowMs()
		_, err = tx.Exec(ctx, `INSERT INTO files_index_meta
			(household_id, last_built_at_utc, source_row_count, source_max_updated_utc, version)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(household_id) DO UPDATE SET
				last_built_at_utc = excluded.last_built_at_utc,
				source_row_count = excluded.source_row_count,
				source_max_updated_utc = excluded.source_max_updated_utc`,
			household, builtAt, count, maxUpdated)
		return err
	})
	return builtAt, err
}

// FileID is the hex SHA-256 of "<category>/<filename>".
func FileID(category, filename string) string {
	h := sha256.Sum256([]byte(category + "/" + filename))
	return hex.EncodeToString(h[:])
}

// DetectMIME sniffs the file's content, falling back to its extension and
// then to application/octet-stream.
func DetectMIME(path string) string {
	if m, err := mimetype.DetectFile(path); err == nil {
		if s := m.String(); s != "" && !strings.HasPrefix(s, defaultMIME) {
			return s
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return defaultMIME
}
