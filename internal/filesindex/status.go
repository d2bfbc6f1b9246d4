package filesindex

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/huandu/go-sqlbuilder"

	"arklowdun/internal/ark"
)

// Status reports how current a household's index is.
type Status struct {
	HouseholdID         string `json:"household_id"`
	State               State  `json:"state"`
	LastBuiltAt         *int64 `json:"last_built_at_utc"`
	RowCount            int64  `json:"row_count"`
	SourceRowCount      int64  `json:"source_row_count"`
	SourceMaxUpdatedUTC int64  `json:"source_max_updated_utc"`
	Stale               bool   `json:"stale"`
}

type metaRow struct {
	LastBuilt  int64 `db:"last_built_at_utc"`
	RowCount   int64 `db:"source_row_count"`
	MaxUpdated int64 `db:"source_max_updated_utc"`
}

// Status compares the recorded build with the current rows. The index is
// stale when it was never built or rows changed after the last build.
func (ix *Indexer) Status(ctx context.Context, household string) (*Status, error) {
	st := &Status{HouseholdID: household, State: ix.State(household)}

	var cur struct {
		N          int64 `db:"n"`
		MaxUpdated int64 `db:"max_updated"`
	}
	if err := ix.store.X().GetContext(ctx, &cur,
		`SELECT COUNT(*) AS n, COALESCE(MAX(updated_at_utc), 0) AS max_updated FROM files_index WHERE household_id = ?`,
		household); err != nil {
		return nil, ark.Generic(err, "files_index_status")
	}
	st.RowCount = cur.N

	var meta metaRow
	err := ix.store.X().GetContext(ctx, &meta,
		`SELECT last_built_at_utc, source_row_count, source_max_updated_utc FROM files_index_meta WHERE household_id = ?`,
		household)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		st.Stale = true
		return st, nil
	case err != nil:
		return nil, ark.Generic(err, "files_index_status")
	}
	st.LastBuiltAt = &meta.LastBuilt
	st.SourceRowCount = meta.RowCount
	st.SourceMaxUpdatedUTC = meta.MaxUpdated
	st.Stale = cur.N != meta.RowCount || cur.MaxUpdated > meta.LastBuilt
	return st, nil
}

// Entry is one files_index row.
type Entry struct {
	FileID     string  `db:"file_id" json:"file_id"`
	Category   string  `db:"category" json:"category"`
	Filename   string  `db:"filename" json:"filename"`
	Size       *int64  `db:"size_bytes" json:"size_bytes"`
	MIME       *string `db:"mime" json:"mime"`
	ModifiedAt *int64  `db:"modified_at_utc" json:"modified_at_utc"`
	SHA256     *string `db:"sha256" json:"sha256"`
}

// SearchOptions narrows a Search.
type SearchOptions struct {
	Query    string
	Category string
	Limit    int
}

// Search matches filenames case-insensitively.
func (ix *Indexer) Search(ctx context.Context, household string, opts SearchOptions) ([]Entry, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("file_id", "category", "filename", "size_bytes", "mime", "modified_at_utc", "sha256").
		From("files_index").
		Where(sb.Equal("household_id", household))
	if opts.Category != "" {
		sb.Where(sb.Equal("category", opts.Category))
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		sb.Where(sb.Like("lower(filename)", "%"+escapeLike(strings.ToLower(q))+"%") + ` ESCAPE '\'`)
	}
	sb.OrderBy("category", "filename")
	if opts.Limit > 0 {
		sb.Limit(opts.Limit)
	}
	query, args := sb.Build()

	var out []Entry
	if err := ix.store.X().SelectContext(ctx, &out, query, args...); err != nil {
		return nil, ark.Generic(err, "files_index_search")
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
