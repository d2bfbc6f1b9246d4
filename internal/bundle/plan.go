package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

// Mode is the import strategy.
type Mode string

const (
	// ModeReplace rebuilds the schema and loads the bundle into it.
	ModeReplace Mode = "replace"
	// ModeMerge keeps the schema and reconciles rows by updated_at.
	ModeMerge Mode = "merge"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReplace, ModeMerge:
		return Mode(s), nil
	}
	return "", ark.Newf(ark.CodeInvalidInput, "unknown import mode %q", s).With("mode", s)
}

// Conflict is a row the bundle did not overwrite.
type Conflict struct {
	Table           string `json:"table"`
	ID              string `json:"id"`
	BundleUpdatedAt *int64 `json:"bundle_updated_at"`
	LiveUpdatedAt   *int64 `json:"live_updated_at"`
}

// TablePlan counts the decisions for one table.
type TablePlan struct {
	Adds      int        `json:"adds"`
	Updates   int        `json:"updates"`
	Skips     int        `json:"skips"`
	Conflicts []Conflict `json:"conflicts"`
}

// Attachment conflict resolutions.
const (
	WinnerBundle = "bundle"
	WinnerLocal  = "local"
)

// AttachmentConflict is an attachment present on both sides with different
// content.
type AttachmentConflict struct {
	RelPath         string `json:"relative_path"`
	Winner          string `json:"winner"`
	Reason          string `json:"reason"`
	BundleUpdatedAt *int64 `json:"bundle_updated_at"`
	LiveUpdatedAt   *int64 `json:"live_updated_at"`
}

// AttachmentsPlan counts the decisions for attachment files.
type AttachmentsPlan struct {
	Adds      int                  `json:"adds"`
	Updates   int                  `json:"updates"`
	Skips     int                  `json:"skips"`
	Conflicts []AttachmentConflict `json:"conflicts"`
}

// Plan is the read-only preview of an import.
type Plan struct {
	Mode        Mode                  `json:"mode"`
	Tables      map[string]*TablePlan `json:"tables"`
	Attachments AttachmentsPlan       `json:"attachments"`
}

type decision int

const (
	decideAdd decision = iota
	decideUpdate
	decideSkip
)

// tableDecisions is a plan for one table plus the rows that must be written.
type tableDecisions struct {
	plan   TablePlan
	writes map[int]bool
}

type attachmentDecision struct {
	file  AttachmentFile
	write bool
}

// BuildPlan computes what importing b in mode would do. Nothing is written.
func BuildPlan(ctx context.Context, store *database.Store, v *vault.Vault, b *Bundle, mode Mode) (*Plan, error) {
	plan, _, _, err := decide(ctx, store, v, b, mode)
	return plan, err
}

func decide(ctx context.Context, store *database.Store, v *vault.Vault, b *Bundle, mode Mode) (*Plan, map[string]*tableDecisions, []attachmentDecision, error) {
	plan := &Plan{Mode: mode, Tables: make(map[string]*TablePlan)}
	all := make(map[string]*tableDecisions)
	for _, name := range b.Tables() {
		t, _ := LookupTable(name)
		td, err := decideTable(ctx, store, b, t, mode)
		if err != nil {
			return nil, nil, nil, err
		}
		p := td.plan
		plan.Tables[name] = &p
		all[name] = td
	}

	attachments, decisions, err := decideAttachments(ctx, store, v, b, mode)
	if err != nil {
		return nil, nil, nil, err
	}
	plan.Attachments = *attachments
	return plan, all, decisions, nil
}

func decideTable(ctx context.Context, store *database.Store, b *Bundle, t TableDef, mode Mode) (*tableDecisions, error) {
	td := &tableDecisions{plan: TablePlan{Conflicts: []Conflict{}}, writes: make(map[int]bool)}
	yield := ark.NewYielder()
	err := readRows(b.DataPath(t.Logical), func(line int, raw map[string]any) error {
		if err := yield.Tick(ctx); err != nil {
			return err
		}
		row, err := t.Canonicalize(raw)
		if err != nil {
			return err
		}
		if mode == ModeReplace {
			td.plan.Adds++
			td.writes[line] = true
			return nil
		}

		live, err := liveRow(ctx, store, t, row)
		if err != nil {
			return err
		}
		d, conflict := decideRow(t, row, live)
		switch d {
		case decideAdd:
			td.plan.Adds++
			td.writes[line] = true
		case decideUpdate:
			td.plan.Updates++
			td.writes[line] = true
		case decideSkip:
			td.plan.Skips++
			if conflict != nil {
				td.plan.Conflicts = append(td.plan.Conflicts, *conflict)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return td, nil
}

func liveRow(ctx context.Context, store *database.Store, t TableDef, row map[string]any) (database.Row, error) {
	conds := make([]string, len(t.Key))
	binds := make([]any, len(t.Key))
	for i, k := range t.Key {
		conds[i] = ark.QuoteIdent(k) + " = ?"
		binds[i] = fmt.Sprint(row[k])
	}
	rows, err := store.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s",
		ark.QuoteIdent(t.Physical), strings.Join(conds, " AND ")), binds...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// decideRow applies the merge rules:
//   - no live row: add
//   - live row soft-deleted: update (revive)
//   - both timestamps: newer bundle updates, older bundle conflicts, equal skips
//   - only the bundle has a timestamp, or neither does: update
//   - only the live row has a timestamp: conflict
func decideRow(t TableDef, bundleRow map[string]any, live database.Row) (decision, *Conflict) {
	if live == nil {
		return decideAdd, nil
	}
	if t.SoftDelete && live.Has("deleted_at") {
		return decideUpdate, nil
	}
	if t.UpdatedCol == "" {
		return decideUpdate, nil
	}
	bts, bok := int64Of(bundleRow[t.UpdatedCol])
	lts, lok := live.Int(t.UpdatedCol)
	conflict := func() *Conflict {
		c := &Conflict{Table: t.Logical, ID: t.conflictID(bundleRow)}
		if bok {
			c.BundleUpdatedAt = &bts
		}
		if lok {
			c.LiveUpdatedAt = &lts
		}
		return c
	}
	switch {
	case bok && lok:
		if bts > lts {
			return decideUpdate, nil
		}
		if bts < lts {
			return decideSkip, conflict()
		}
		return decideSkip, nil
	case lok:
		return decideSkip, conflict()
	default:
		return decideUpdate, nil
	}
}

func (t TableDef) conflictID(row map[string]any) string {
	if len(t.Key) == 1 {
		return fmt.Sprint(row[t.Key[0]])
	}
	return strings.ReplaceAll(t.keyOf(row), "\x00", "/")
}

// bundleRefs reads the bundle's attachment-bearing tables for the newest
// updated_at per referenced path.
func bundleRefs(ctx context.Context, b *Bundle) (map[string]attachmentRef, error) {
	refs := make(map[string]attachmentRef)
	for _, spec := range database.AttachmentTables() {
		t, ok := LookupTable(spec.Name)
		if !ok {
			continue
		}
		if _, present := b.Manifest.Tables[t.Logical]; !present {
			continue
		}
		err := readRows(b.DataPath(t.Logical), func(_ int, raw map[string]any) error {
			row, err := t.Canonicalize(raw)
			if err != nil {
				return err
			}
			rel, _ := row["relative_path"].(string)
			hh, _ := row["household_id"].(string)
			p, ok := refRelPath(hh, row["category"], row["root_key"], rel)
			if !ok {
				return nil
			}
			ts, hasTS := int64Of(row["updated_at"])
			refs[p] = mergeRef(refs[p], p, ts, hasTS)
			return ctx.Err()
		})
		if err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// vaultTarget resolves a bundle attachment path inside the vault root.
func vaultTarget(v *vault.Vault, rel string) (string, error) {
	clean, err := vault.NormalizeRelative(rel)
	if err != nil || clean != rel {
		return "", ark.New(ark.CodeAttachmentPathTraversal, "attachment path escapes the vault").
			With("path_hash", ark.HashPath(rel))
	}
	target := filepath.Join(v.Root(), filepath.FromSlash(clean))
	if !arkfs.HasPrefix(target, v.Root()) || target == v.Root() {
		return "", ark.New(ark.CodeAttachmentPathTraversal, "attachment path escapes the vault").
			With("path_hash", ark.HashPath(rel))
	}
	return target, nil
}

func decideAttachments(ctx context.Context, store *database.Store, v *vault.Vault, b *Bundle, mode Mode) (*AttachmentsPlan, []attachmentDecision, error) {
	plan := &AttachmentsPlan{Conflicts: []AttachmentConflict{}}
	decisions := make([]attachmentDecision, 0, len(b.Attachments))
	if mode == ModeReplace {
		for _, a := range b.Attachments {
			if _, err := vaultTarget(v, a.RelPath); err != nil {
				return nil, nil, err
			}
			plan.Adds++
			decisions = append(decisions, attachmentDecision{file: a, write: true})
		}
		return plan, decisions, nil
	}

	live, err := liveRefs(ctx, store)
	if err != nil {
		return nil, nil, err
	}
	bundled, err := bundleRefs(ctx, b)
	if err != nil {
		return nil, nil, err
	}

	for _, a := range b.Attachments {
		target, err := vaultTarget(v, a.RelPath)
		if err != nil {
			return nil, nil, err
		}
		if !arkfs.Exists(target) {
			plan.Adds++
			decisions = append(decisions, attachmentDecision{file: a, write: true})
			continue
		}
		sum, _, err := arkfs.HashFile(target)
		if err != nil {
			return nil, nil, err
		}
		if sum == a.SHA256 {
			plan.Skips++
			decisions = append(decisions, attachmentDecision{file: a})
			continue
		}

		c := resolveAttachment(a.RelPath, bundled[a.RelPath].UpdatedAt, live[a.RelPath].UpdatedAt)
		plan.Conflicts = append(plan.Conflicts, c)
		if c.Winner == WinnerBundle {
			plan.Updates++
			decisions = append(decisions, attachmentDecision{file: a, write: true})
		} else {
			plan.Skips++
			decisions = append(decisions, attachmentDecision{file: a})
		}
	}
	return plan, decisions, nil
}

// resolveAttachment picks a winner for differing content:
//
//	bundle newer than local       bundle
//	bundle older or equal         local
//	only the bundle is dated      bundle
//	only local is dated, neither  local
func resolveAttachment(rel string, bundleTS, liveTS *int64) AttachmentConflict {
	c := AttachmentConflict{RelPath: rel, BundleUpdatedAt: bundleTS, LiveUpdatedAt: liveTS}
	switch {
	case bundleTS != nil && liveTS != nil && *bundleTS > *liveTS:
		c.Winner = WinnerBundle
		c.Reason = fmt.Sprintf("bundle copy is newer (%d > %d)", *bundleTS, *liveTS)
	case bundleTS != nil && liveTS != nil && *bundleTS < *liveTS:
		c.Winner = WinnerLocal
		c.Reason = fmt.Sprintf("local copy is newer (%d > %d)", *liveTS, *bundleTS)
	case bundleTS != nil && liveTS != nil:
		c.Winner = WinnerLocal
		c.Reason = "timestamps are equal; keeping the local copy"
	case bundleTS != nil:
		c.Winner = WinnerBundle
		c.Reason = "local copy has no timestamp; using the bundle copy"
	case liveTS != nil:
		c.Winner = WinnerLocal
		c.Reason = "bundle copy has no timestamp; keeping the local copy"
	default:
		c.Winner = WinnerLocal
		c.Reason = "neither copy has a timestamp; keeping the local copy"
	}
	return c
}
