package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
)

// Column is one entry of PRAGMA table_info.
type Column struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull int            `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// Required reports whether an insert must supply a value for the column.
func (c Column) Required() bool {
	return c.NotNull == 1 && !c.Default.Valid && c.PK == 0
}

// ListOptions controls List.
type ListOptions struct {
	// OrderBy is a comma-separated list of "<column> [ASC|DESC]" terms.
	OrderBy        string
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Columns returns the table's columns, cached until ResetSchemaCache.
func (s *Store) Columns(ctx context.Context, table string) ([]Column, error) {
	s.colMu.Lock()
	cols, ok := s.columns[table]
	s.colMu.Unlock()
	if ok {
		return cols, nil
	}

	cols, err := TableColumns(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ark.Newf(ark.CodeInvalidInput, "unknown table %q", table).With("table", table)
	}

	s.colMu.Lock()
	s.columns[table] = cols
	s.colMu.Unlock()
	return cols, nil
}

// TableColumns reads PRAGMA table_info for table.
func TableColumns(ctx context.Context, q sqlx.QueryerContext, table string) ([]Column, error) {
	var cols []Column
	if err := sqlx.SelectContext(ctx, q, &cols,
		`SELECT cid, name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table); err != nil {
		return nil, ark.Generic(err, "table_info").With("table", table)
	}
	return cols, nil
}

func columnSet(cols []Column) map[string]Column {
	set := make(map[string]Column, len(cols))
	for _, c := range cols {
		set[c.Name] = c
	}
	return set
}

func (s *Store) spec(table string) (TableSpec, error) {
	spec, ok := LookupTable(table)
	if !ok {
		return TableSpec{}, ark.Newf(ark.CodeInvalidInput, "table %q is not addressable", table).With("table", table)
	}
	return spec, nil
}

// List returns rows of table for household, skipping soft-deleted rows
// unless opts.IncludeDeleted is set.
func (s *Store) List(ctx context.Context, table, household string, opts ListOptions) ([]Row, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	orderBy, err := orderClause(opts.OrderBy, cols)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("*").From(ark.QuoteIdent(table))
	if spec.HouseholdScoped {
		sb.Where(sb.Equal("household_id", household))
	}
	if spec.SoftDelete && !opts.IncludeDeleted {
		sb.Where(sb.IsNull("deleted_at"))
	}
	if orderBy != "" {
		sb.OrderBy(orderBy)
	}
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		sb.Limit(limit)
		if opts.Offset > 0 {
			sb.Offset(opts.Offset)
		}
	}

	query, args := sb.Build()
	rows, err := queryRows(ctx, s.db, query, args...)
	if err != nil {
		return nil, dbError(err, "list", table, household, "")
	}
	return rows, nil
}

// Get returns the live row with id. A soft-deleted row is reported as not found.
func (s *Store) Get(ctx context.Context, table, household, id string) (Row, error) {
	return s.get(ctx, s.db, table, household, id, false)
}

// GetAny returns the row with id including soft-deleted rows.
func (s *Store) GetAny(ctx context.Context, table, household, id string) (Row, error) {
	return s.get(ctx, s.db, table, household, id, true)
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, table, household, id string, includeDeleted bool) (Row, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("*").From(ark.QuoteIdent(table)).Where(sb.Equal("id", id))
	if spec.HouseholdScoped && household != "" {
		sb.Where(sb.Equal("household_id", household))
	}
	if spec.SoftDelete && !includeDeleted {
		sb.Where(sb.IsNull("deleted_at"))
	}
	sb.Limit(1)

	query, args := sb.Build()
	rows, err := queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, dbError(err, "get", table, household, id)
	}
	if len(rows) == 0 {
		return nil, ark.Newf(ark.CodeNotFound, "%s row not found", table).
			With("table", table).With("id", id)
	}
	return rows[0], nil
}

// Create inserts obj into table and returns the stored row.
func (s *Store) Create(ctx context.Context, table string, obj Row) (Row, error) {
	var out Row
	err := s.Write(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Create(ctx, table, obj)
		return err
	})
	return out, err
}

// Update applies obj to the row with id. household scopes the write except
// for the household table itself.
func (s *Store) Update(ctx context.Context, table, id string, obj Row, household string) error {
	return s.Write(ctx, func(tx *Tx) error {
		return tx.Update(ctx, table, id, obj, household)
	})
}

// Delete removes the row: hard-delete tables lose it, the rest are marked deleted.
func (s *Store) Delete(ctx context.Context, table, household, id string) error {
	return s.Write(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, table, household, id)
	})
}

// Restore clears deleted_at on a soft-deleted row.
func (s *Store) Restore(ctx context.Context, table, household, id string) error {
	return s.Write(ctx, func(tx *Tx) error {
		return tx.Restore(ctx, table, household, id)
	})
}

// Get reads a live row inside the transaction.
func (t *Tx) Get(ctx context.Context, table, household, id string) (Row, error) {
	return t.store.get(ctx, t.Tx, table, household, id, false)
}

// Create inserts obj inside the transaction.
func (t *Tx) Create(ctx context.Context, table string, obj Row) (Row, error) {
	s := t.store
	if _, err := s.spec(table); err != nil {
		return nil, err
	}
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	set := columnSet(cols)

	row := obj.Clone()
	now := s.NowMs()
	if _, ok := set["id"]; ok && row.String("id") == "" {
		row["id"] = s.NewID()
	}
	if _, ok := set["created_at"]; ok && !row.Has("created_at") {
		row["created_at"] = now
	}
	if _, ok := set["updated_at"]; ok {
		row["updated_at"] = now
	}

	for _, k := range row.Keys() {
		if _, ok := set[k]; !ok {
			return nil, ark.Newf(ark.CodeInvalidInput, "unknown column %q", k).
				With("table", table).With("field", k)
		}
	}
	for _, c := range cols {
		if c.Required() && !row.Has(c.Name) {
			return nil, ark.Newf(ark.CodeMissingField, "missing required field %q", c.Name).
				With("table", table).With("field", c.Name)
		}
	}

	keys := row.Keys()
	quoted := make([]string, len(keys))
	values := make([]any, len(keys))
	for i, k := range keys {
		quoted[i] = ark.QuoteIdent(k)
		values[i] = BindValue(row[k])
		row[k] = values[i]
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(ark.QuoteIdent(table)).Cols(quoted...).Values(values...)
	query, args := ib.Build()
	if _, err := t.ExecContext(ctx, query, args...); err != nil {
		return nil, dbError(err, "create", table, row.String("household_id"), row.String("id"))
	}
	return row, nil
}

// Update applies obj inside the transaction.
func (t *Tx) Update(ctx context.Context, table, id string, obj Row, household string) error {
	s := t.store
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}
	set := columnSet(cols)

	payload := obj.Clone()
	delete(payload, "id")
	delete(payload, "created_at")
	if spec.HouseholdScoped {
		if hh := payload.String("household_id"); hh != "" && hh != household {
			return ark.New(ark.CodeInvalidInput, "household_id does not match the requesting household").
				With("table", table).With("id", id).With("household_id", household)
		}
		delete(payload, "household_id")
	}
	if _, ok := set["updated_at"]; ok {
		payload["updated_at"] = s.NowMs()
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(ark.QuoteIdent(table))
	var assignments []string
	for _, k := range payload.Keys() {
		if _, ok := set[k]; !ok {
			return ark.Newf(ark.CodeInvalidInput, "unknown column %q", k).
				With("table", table).With("field", k)
		}
		assignments = append(assignments, ub.Assign(ark.QuoteIdent(k), BindValue(payload[k])))
	}
	if len(assignments) == 0 {
		return nil
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))
	if spec.HouseholdScoped {
		ub.Where(ub.Equal("household_id", household))
	}

	query, args := ub.Build()
	res, err := t.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err, "update", table, household, id)
	}
	return expectAffected(res, table, id)
}

// Delete removes or soft-deletes a row inside the transaction.
func (t *Tx) Delete(ctx context.Context, table, household, id string) error {
	s := t.store
	spec, err := s.spec(table)
	if err != nil {
		return err
	}

	if table == "household" {
		row, err := s.get(ctx, t.Tx, table, "", id, false)
		if err != nil {
			return err
		}
		if n, _ := row.Int("is_default"); n == 1 {
			return ark.New(ark.CodeInvalidInput, "the default household cannot be deleted").With("id", id)
		}
	}

	var query string
	var args []any
	if spec.HardDelete {
		del := sqlbuilder.SQLite.NewDeleteBuilder()
		del.DeleteFrom(ark.QuoteIdent(table)).Where(del.Equal("id", id))
		if spec.HouseholdScoped {
			del.Where(del.Equal("household_id", household))
		}
		query, args = del.Build()
	} else {
		now := s.NowMs()
		ub := sqlbuilder.SQLite.NewUpdateBuilder()
		ub.Update(ark.QuoteIdent(table)).
			Set(ub.Assign("deleted_at", now), ub.Assign("updated_at", now)).
			Where(ub.Equal("id", id), ub.IsNull("deleted_at"))
		if spec.HouseholdScoped {
			ub.Where(ub.Equal("household_id", household))
		}
		query, args = ub.Build()
	}

	res, err := t.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err, "delete", table, household, id)
	}
	return expectAffected(res, table, id)
}

// Restore clears deleted_at inside the transaction.
func (t *Tx) Restore(ctx context.Context, table, household, id string) error {
	s := t.store
	spec, err := s.spec(table)
	if err != nil {
		return err
	}
	if !spec.SoftDelete {
		return ark.Newf(ark.CodeInvalidInput, "%s rows cannot be restored", table).With("table", table)
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(ark.QuoteIdent(table)).
		Set(ub.Assign("deleted_at", nil), ub.Assign("updated_at", s.NowMs())).
		Where(ub.Equal("id", id), ub.IsNotNull("deleted_at"))
	if spec.HouseholdScoped {
		ub.Where(ub.Equal("household_id", household))
	}
	query, args := ub.Build()
	res, err := t.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err, "restore", table, household, id)
	}
	return expectAffected(res, table, id)
}

func expectAffected(res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return ark.Generic(err, "rows_affected").With("table", table)
	}
	if n == 0 {
		return ark.Newf(ark.CodeNotFound, "%s row not found", table).
			With("table", table).With("id", id)
	}
	return nil
}

// queryRows runs query and returns each row as a Row.
func queryRows(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		out = append(out, normalizeRow(m))
	}
	return out, rows.Err()
}

// Query runs a read-only query against the pool.
func (s *Store) Query(ctx context.Context, query string, binds ...any) ([]Row, error) {
	rows, err := queryRows(ctx, s.db, query, BindValues(binds)...)
	if err != nil {
		return nil, ark.Generic(err, "query")
	}
	return rows, nil
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, binds ...any) ([]Row, error) {
	rows, err := queryRows(ctx, t.Tx, query, BindValues(binds)...)
	if err != nil {
		return nil, ark.Generic(err, "query")
	}
	return rows, nil
}

// Exec runs a statement inside the transaction with coerced binds.
func (t *Tx) Exec(ctx context.Context, query string, binds ...any) (sql.Result, error) {
	res, err := t.ExecContext(ctx, query, BindValues(binds)...)
	if err != nil {
		return nil, ark.Generic(err, "exec")
	}
	return res, nil
}

func orderClause(raw string, cols []Column) (string, error) {
	set := columnSet(cols)
	if strings.TrimSpace(raw) == "" {
		var terms []string
		for _, c := range []string{"position", "created_at", "added_at", "id"} {
			if _, ok := set[c]; ok {
				terms = append(terms, c)
			}
		}
		return strings.Join(terms, ", "), nil
	}

	var terms []string
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return "", ark.Newf(ark.CodeInvalidInput, "invalid order term %q", part)
		}
		if _, ok := set[fields[0]]; !ok {
			return "", ark.Newf(ark.CodeInvalidInput, "unknown order column %q", fields[0]).With("field", fields[0])
		}
		term := ark.QuoteIdent(fields[0])
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return "", ark.Newf(ark.CodeInvalidInput, "invalid order direction %q", fields[1])
			}
			term += " " + dir
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, ", "), nil
}

// dbError wraps a database failure with the operation's row context.
func dbError(err error, operation, table, household, id string) error {
	var appErr *ark.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	out := ark.Generic(fmt.Errorf("%s %s: %w", operation, table, err), operation).With("table", table)
	if household != "" {
		out.With("household_id", household)
	}
	if id != "" {
		out.With("id", id)
	}
	return out
}
