package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/database/migrations"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

// chunkSize is the number of rows committed per transaction.
const chunkSize = 500

// ExecuteOptions controls Execute.
type ExecuteOptions struct {
	// ClearAttachmentsOnReplace empties the vault before a replace import.
	ClearAttachmentsOnReplace bool
	Logger                    ark.Logger
}

// ExecuteResult is the summary an execution produced.
type ExecuteResult struct {
	Plan      *Plan `json:"plan"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Execute replays expected against the store. Every decision is recomputed
// and compared with expected before anything is written; a difference fails
// with PLAN_DRIFT or PLAN_CONFLICT_MISMATCH and leaves the store untouched.
func Execute(ctx context.Context, store *database.Store, v *vault.Vault, b *Bundle, expected *Plan, opts ExecuteOptions) (*ExecuteResult, error) {
	if expected == nil {
		return nil, ark.New(ark.CodeInvalidInput, "an import plan is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = ark.NewNopLogger()
	}
	start := time.Now()

	actual, tables, attachments, err := decide(ctx, store, v, b, expected.Mode)
	if err != nil {
		return nil, err
	}
	if err := comparePlans(expected, actual); err != nil {
		return nil, err
	}

	if expected.Mode == ModeReplace {
		logger.Info("rebuilding schema for replace import")
		if err := rebuildSchema(ctx, store); err != nil {
			return nil, err
		}
		if opts.ClearAttachmentsOnReplace {
			if err := clearVault(v.Root()); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range b.Tables() {
		t, _ := LookupTable(name)
		n, err := writeTable(ctx, store, b, t, tables[name].writes)
		if err != nil {
			return nil, err
		}
		logger.Debug("imported table", "table", name, "rows", n)
	}

	for _, d := range attachments {
		if !d.write {
			continue
		}
		if err := copyAttachment(v, b, d.file); err != nil {
			return nil, err
		}
	}

	return &ExecuteResult{Plan: actual, ElapsedMS: time.Since(start).Milliseconds()}, nil
}

func comparePlans(expected, actual *Plan) error {
	if expected.Mode != actual.Mode {
		return ark.New(ark.CodePlanDrift, "import mode differs from the plan").
			With("expected", expected.Mode).With("actual", actual.Mode)
	}
	names := make(map[string]bool)
	for n := range expected.Tables {
		names[n] = true
	}
	for n := range actual.Tables {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		e, a := expected.Tables[n], actual.Tables[n]
		if e == nil || a == nil || e.Adds != a.Adds || e.Updates != a.Updates || e.Skips != a.Skips {
			return ark.Newf(ark.CodePlanDrift, "plan drift in table %s", n).With("table", n)
		}
		if !sameConflicts(e.Conflicts, a.Conflicts) {
			return ark.Newf(ark.CodePlanConflictMismatch, "plan conflict mismatch in table %s", n).With("table", n)
		}
	}

	ea, aa := expected.Attachments, actual.Attachments
	if ea.Adds != aa.Adds || ea.Updates != aa.Updates || ea.Skips != aa.Skips {
		return ark.New(ark.CodeAttachmentPlanDrift, "attachment plan drift")
	}
	if !sameAttachmentConflicts(ea.Conflicts, aa.Conflicts) {
		return ark.New(ark.CodeAttachmentConflictMismatch, "attachment conflict mismatch")
	}
	return nil
}

func sameInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameConflicts(a, b []Conflict) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Table != b[i].Table || a[i].ID != b[i].ID ||
			!sameInt64(a[i].BundleUpdatedAt, b[i].BundleUpdatedAt) ||
			!sameInt64(a[i].LiveUpdatedAt, b[i].LiveUpdatedAt) {
			return false
		}
	}
	return true
}

func sameAttachmentConflicts(a, b []AttachmentConflict) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].RelPath != b[i].RelPath || a[i].Winner != b[i].Winner {
			return false
		}
	}
	return true
}

// dropOrder is the order schema objects are dropped in.
var dropOrder = map[string]int{"view": 0, "trigger": 1, "index": 2, "table": 3}

// rebuildSchema drops every user object and migrates a fresh schema.
func rebuildSchema(ctx context.Context, store *database.Store) error {
	err := store.Write(ctx, func(tx *database.Tx) error {
		if _, err := tx.Exec(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return err
		}
		objects, err := tx.Query(ctx, `SELECT type, name FROM sqlite_master
			WHERE name NOT LIKE 'sqlite_%' AND type IN ('view', 'trigger', 'index', 'table')`)
		if err != nil {
			return err
		}
		sort.SliceStable(objects, func(i, j int) bool {
			return dropOrder[objects[i].String("type")] < dropOrder[objects[j].String("type")]
		})
		for _, o := range objects {
			stmt := fmt.Sprintf("DROP %s IF EXISTS %s", strings.ToUpper(o.String("type")), ark.QuoteIdent(o.String("name")))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		seq, err := tx.Query(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`)
		if err != nil {
			return err
		}
		if len(seq) > 0 {
			if _, err := tx.Exec(ctx, "DELETE FROM sqlite_sequence"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ark.Wrap(err, ark.CodeGenericFail, "dropping schema for replace import")
	}
	store.ResetSchemaCache()
	if err := migrations.MigrateUp(store.DB()); err != nil {
		return ark.Wrap(err, ark.CodeMigration, "migrating fresh schema")
	}
	return nil
}

// clearVault removes everything under root except hidden entries, which
// hold migration state.
func clearVault(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(root, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("clearing vault: %w", err)
		}
	}
	return arkfs.SyncDir(root)
}

type pendingRow struct {
	stmt string
	doc  string
}

// writeTable upserts the selected rows of a data file, chunkSize rows per
// transaction.
func writeTable(ctx context.Context, store *database.Store, b *Bundle, t TableDef, writes map[int]bool) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	cols, err := database.TableColumns(ctx, store.X(), t.Physical)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, ark.Newf(ark.CodeExecUnknownTable, "table %s does not exist", t.Physical).With("table", t.Logical)
	}

	var chunk []pendingRow
	written := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		err := store.Write(ctx, func(tx *database.Tx) error {
			for _, p := range chunk {
				if _, err := tx.Exec(ctx, p.stmt, p.doc); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return ark.Wrap(err, ark.CodeGenericFail, "importing rows").With("table", t.Logical)
		}
		written += len(chunk)
		chunk = chunk[:0]
		return nil
	}

	err = readRows(b.DataPath(t.Logical), func(line int, raw map[string]any) error {
		if !writes[line] {
			return nil
		}
		row, err := t.Canonicalize(raw)
		if err != nil {
			return err
		}
		p, err := upsertFor(t, cols, row, line)
		if err != nil {
			return err
		}
		chunk = append(chunk, p)
		if len(chunk) >= chunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, flush()
}

// upsertFor builds an upsert binding the whole row as one JSON document.
// Only columns present in both the row and the table are written.
func upsertFor(t TableDef, cols []database.Column, row map[string]any, line int) (pendingRow, error) {
	var names []string
	for _, c := range cols {
		v, present := row[c.Name]
		if !present || v == nil {
			if c.Required() {
				return pendingRow{}, ark.Newf(ark.CodeExecMissingField, "%s line %d is missing %s", t.Logical, line, c.Name).
					With("table", t.Logical).With("field", c.Name).With("line", line)
			}
			if !present || c.NotNull == 1 {
				continue
			}
		}
		names = append(names, c.Name)
	}

	doc, err := json.Marshal(row)
	if err != nil {
		return pendingRow{}, ark.Wrap(err, ark.CodeBundleInvalid, "encoding row").With("table", t.Logical)
	}

	quoted := make([]string, len(names))
	values := make([]string, len(names))
	var sets []string
	keys := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		keys[k] = true
	}
	for i, n := range names {
		quoted[i] = ark.QuoteIdent(n)
		values[i] = fmt.Sprintf(`json_extract(?1, '$."%s"')`, n)
		if !keys[n] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
		}
	}
	target := make([]string, len(t.Key))
	for i, k := range t.Key {
		target[i] = ark.QuoteIdent(k)
	}
	onConflict := "DO NOTHING"
	if len(sets) > 0 {
		onConflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		ark.QuoteIdent(t.Physical), strings.Join(quoted, ", "), strings.Join(values, ", "),
		strings.Join(target, ", "), onConflict)
	return pendingRow{stmt: stmt, doc: string(doc)}, nil
}

// copyAttachment copies one bundled file into the vault and verifies it.
func copyAttachment(v *vault.Vault, b *Bundle, a AttachmentFile) error {
	target, err := vaultTarget(v, a.RelPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating attachment directory: %w", err)
	}
	partial := target + ".partial"
	sum, _, err := arkfs.CopyFile(b.AttachmentPath(a.RelPath), partial)
	if err != nil {
		_ = os.Remove(partial)
		return ark.Wrap(err, ark.CodeGenericFail, "copying attachment").With("path_hash", ark.HashPath(a.RelPath))
	}
	if sum != a.SHA256 {
		_ = os.Remove(partial)
		return ark.New(ark.CodeExecAttachmentHashMismatch, "attachment digest mismatch after copy").
			With("path_hash", ark.HashPath(a.RelPath)).With("expected", a.SHA256).With("actual", sum)
	}
	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)
		return ark.Wrap(err, ark.CodeGenericFail, "finalising attachment").With("path_hash", ark.HashPath(a.RelPath))
	}
	return arkfs.SyncDir(filepath.Dir(target))
}
