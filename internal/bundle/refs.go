package bundle

import (
	"context"
	"fmt"
	"path"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

// attachmentRef is where a row's attachment lives, relative to the vault
// root.
type attachmentRef struct {
	RelPath   string
	UpdatedAt *int64
}

// refRelPath maps a row's attachment columns to a vault-relative path.
// Rows using the app-data root are not bundled.
func refRelPath(household string, category, rootKey any, rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	clean, err := vault.NormalizeRelative(rel)
	if err != nil {
		return "", false
	}
	if c, ok := category.(string); ok && vault.Category(c).Valid() {
		return path.Join(household, c, clean), true
	}
	if rk, ok := rootKey.(string); ok && rk == vault.RootKeyAttachments {
		return clean, true
	}
	return "", false
}

// liveRefs maps every referenced vault-relative path to the newest
// updated_at among its live rows.
func liveRefs(ctx context.Context, store *database.Store) (map[string]attachmentRef, error) {
	refs := make(map[string]attachmentRef)
	for _, spec := range database.AttachmentTables() {
		rows, err := store.Query(ctx, fmt.Sprintf(
			`SELECT household_id, category, root_key, relative_path, updated_at FROM %s
			WHERE relative_path IS NOT NULL AND relative_path != ''`, ark.QuoteIdent(spec.Name)))
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			rel, ok := refRelPath(r.String("household_id"), r["category"], r["root_key"], r.String("relative_path"))
			if !ok {
				continue
			}
			ts, hasTS := r.Int("updated_at")
			refs[rel] = mergeRef(refs[rel], rel, ts, hasTS)
		}
	}
	return refs, nil
}

func mergeRef(cur attachmentRef, rel string, ts int64, ok bool) attachmentRef {
	cur.RelPath = rel
	if ok && (cur.UpdatedAt == nil || ts > *cur.UpdatedAt) {
		v := ts
		cur.UpdatedAt = &v
	}
	return cur
}
