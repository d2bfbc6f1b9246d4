// Package notes manages sticky notes and the links that attach them to
// events and vault files.
package notes

import (
	"context"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

const (
	table     = "notes"
	linkTable = "note_links"
)

var noteColumns = []string{
	"id", "household_id", "category_id", "position", "z", "text", "color",
	"x", "y", "deadline", "deadline_tz", "created_at", "updated_at", "deleted_at",
}

// Note is one row of the notes table.
type Note struct {
	ID          string  `db:"id" json:"id"`
	HouseholdID string  `db:"household_id" json:"household_id"`
	CategoryID  *string `db:"category_id" json:"category_id"`
	Position    int64   `db:"position" json:"position"`
	Z           int64   `db:"z" json:"z"`
	Text        string  `db:"text" json:"text"`
	Color       string  `db:"color" json:"color"`
	X           float64 `db:"x" json:"x"`
	Y           float64 `db:"y" json:"y"`
	Deadline    *int64  `db:"deadline" json:"deadline"`
	DeadlineTZ  *string `db:"deadline_tz" json:"deadline_tz"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
	UpdatedAt   int64   `db:"updated_at" json:"updated_at"`
	DeletedAt   *int64  `db:"deleted_at" json:"deleted_at"`
}

// Input carries the writable note fields. Nil pointers take the column
// default on create and are left untouched on update.
type Input struct {
	CategoryID *string
	Text       *string
	Color      *string
	Position   *int64
	Z          *int64
	X          *float64
	Y          *float64
	Deadline   *int64
	DeadlineTZ *string
}

func (in Input) row() database.Row {
	row := database.Row{}
	set := func(k string, v any, ok bool) {
		if ok {
			row[k] = v
		}
	}
	if in.CategoryID != nil {
		// An empty id detaches the note from its category.
		if *in.CategoryID == "" {
			row["category_id"] = nil
		} else {
			row["category_id"] = *in.CategoryID
		}
	}
	set("text", in.Text, in.Text != nil)
	set("color", in.Color, in.Color != nil)
	set("position", in.Position, in.Position != nil)
	set("z", in.Z, in.Z != nil)
	set("x", in.X, in.X != nil)
	set("y", in.Y, in.Y != nil)
	set("deadline", in.Deadline, in.Deadline != nil)
	set("deadline_tz", in.DeadlineTZ, in.DeadlineTZ != nil)
	return row
}

// Options configures a Service.
type Options struct {
	Logger ark.Logger
	// LinkIDs generates note_links ids. Defaults to UUIDv7.
	LinkIDs ark.IDGenerator
}

// Service owns note and note link writes.
type Service struct {
	store   *database.Store
	logger  ark.Logger
	linkIDs ark.IDGenerator
}

func New(store *database.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	if opts.LinkIDs == nil {
		opts.LinkIDs = ark.UUIDv7Generator{}
	}
	return &Service{store: store, logger: opts.Logger, linkIDs: opts.LinkIDs}
}

// Create inserts a note for household.
func (s *Service) Create(ctx context.Context, household string, in Input) (*Note, error) {
	var out *Note
	err := s.store.Write(ctx, func(tx *database.Tx) error {
		var err error
		out, err = s.create(ctx, tx, household, in)
		return err
	})
	return out, err
}

func (s *Service) create(ctx context.Context, tx *database.Tx, household string, in Input) (*Note, error) {
	if err := validate(ctx, tx, household, in); err != nil {
		return nil, err
	}
	row := in.row()
	row["household_id"] = household
	created, err := tx.Create(ctx, table, row)
	if err != nil {
		return nil, err
	}
	return getNote(ctx, tx, household, created.String("id"), false)
}

// Get returns a live note.
func (s *Service) Get(ctx context.Context, household, id string) (*Note, error) {
	return getNote(ctx, s.store.X(), household, id, false)
}

// List returns the household's notes ordered by position then creation.
func (s *Service) List(ctx context.Context, household string, includeDeleted bool) ([]Note, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(noteColumns...).From(table).Where(sb.Equal("household_id", household))
	if !includeDeleted {
		sb.Where(sb.IsNull("deleted_at"))
	}
	sb.OrderBy("position", "created_at", "id")

	query, args := sb.Build()
	out := []Note{}
	if err := sqlx.SelectContext(ctx, s.store.X(), &out, query, args...); err != nil {
		return nil, ark.Generic(err, "list notes").With("household_id", household)
	}
	return out, nil
}

// Update applies the non-nil fields of in and returns the stored note.
func (s *Service) Update(ctx context.Context, household, id string, in Input) (*Note, error) {
	var out *Note
	err := s.store.Write(ctx, func(tx *database.Tx) error {
		if err := validate(ctx, tx, household, in); err != nil {
			return err
		}
		if err := tx.Update(ctx, table, id, in.row(), household); err != nil {
			return err
		}
		var err error
		out, err = getNote(ctx, tx, household, id, false)
		return err
	})
	return out, err
}

// Delete soft-deletes a note. Its links stay so a restore brings them back.
func (s *Service) Delete(ctx context.Context, household, id string) error {
	return s.store.Delete(ctx, table, household, id)
}

// Restore revives a soft-deleted note.
func (s *Service) Restore(ctx context.Context, household, id string) (*Note, error) {
	if err := s.store.Restore(ctx, table, household, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, household, id)
}

func validate(ctx context.Context, q sqlx.QueryerContext, household string, in Input) error {
	if in.Z != nil && *in.Z < 0 {
		return ark.New(ark.CodeInvalidInput, "z must not be negative").With("field", "z")
	}
	if in.Color != nil && strings.TrimSpace(*in.Color) == "" {
		return ark.New(ark.CodeInvalidInput, "color must not be empty").With("field", "color")
	}
	if in.DeadlineTZ != nil && *in.DeadlineTZ != "" {
		if _, err := time.LoadLocation(*in.DeadlineTZ); err != nil {
			return ark.Newf(ark.CodeTZUnknown, "unknown time zone %q", *in.DeadlineTZ).
				With("field", "deadline_tz")
		}
	}
	if in.CategoryID != nil && *in.CategoryID != "" {
		var owner string
		err := sqlx.GetContext(ctx, q, &owner,
			`SELECT household_id FROM categories WHERE id = ? AND deleted_at IS NULL`, *in.CategoryID)
		if err != nil || owner != household {
			return ark.Newf(ark.CodeInvalidInput, "category %s does not belong to household", *in.CategoryID).
				With("field", "category_id").With("household_id", household)
		}
	}
	return nil
}

func getNote(ctx context.Context, q sqlx.QueryerContext, household, id string, includeDeleted bool) (*Note, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(noteColumns...).From(table).Where(
		sb.Equal("id", id),
		sb.Equal("household_id", household),
	)
	if !includeDeleted {
		sb.Where(sb.IsNull("deleted_at"))
	}
	query, args := sb.Build()

	rows := []Note{}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, ark.Generic(err, "get note").With("id", id)
	}
	if len(rows) == 0 {
		return nil, ark.New(ark.CodeNotFound, "note not found").
			With("table", table).With("id", id)
	}
	return &rows[0], nil
}
