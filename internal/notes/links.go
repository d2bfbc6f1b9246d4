package notes

import (
	"context"
	"database/sql"
	"errors"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

// EntityType names what a note can be attached to.
type EntityType string

const (
	EntityEvent EntityType = "event"
	EntityFile  EntityType = "file"
)

// DefaultRelation is stored when a link is created without one.
const DefaultRelation = "attached_to"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ParseEntityType validates raw.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(raw) {
	case EntityEvent, EntityFile:
		return EntityType(raw), nil
	}
	return "", ark.Newf(ark.CodeInvalidInput, "unknown entity type %q", raw).With("field", "entity_type")
}

// Link attaches a note to an event or a vault file.
type Link struct {
	ID          string     `db:"id" json:"id"`
	HouseholdID string     `db:"household_id" json:"household_id"`
	NoteID      string     `db:"note_id" json:"note_id"`
	EntityType  EntityType `db:"entity_type" json:"entity_type"`
	EntityID    string     `db:"entity_id" json:"entity_id"`
	Relation    string     `db:"relation" json:"relation"`
	CreatedAt   int64      `db:"created_at" json:"created_at"`
	UpdatedAt   int64      `db:"updated_at" json:"updated_at"`
}

// CreateLink attaches noteID to the entity. Both must belong to household.
func (s *Service) CreateLink(ctx context.Context, household, noteID string, entityType EntityType, entityID, relation string) (*Link, error) {
	var out *Link
	err := s.store.Write(ctx, func(tx *database.Tx) error {
		if err := checkNote(ctx, tx, household, noteID); err != nil {
			return err
		}
		var err error
		out, err = s.insertLink(ctx, tx, household, noteID, entityType, entityID, relation)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("note link created", "household_id", household, "note_id", noteID,
		"entity_type", string(entityType), "entity_id", entityID)
	return out, nil
}

// DeleteLink removes a link by id.
func (s *Service) DeleteLink(ctx context.Context, household, linkID string) error {
	res, err := s.store.Exec(ctx,
		`DELETE FROM note_links WHERE id = ? AND household_id = ?`, linkID, household)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ark.New(ark.CodeNoteLinkEntityNotFound, "note link not found").
			With("id", linkID).With("household_id", household)
	}
	return nil
}

// QuickCreate creates a note and attaches it to the entity in one transaction.
func (s *Service) QuickCreate(ctx context.Context, household string, entityType EntityType, entityID string, in Input, relation string) (*Note, *Link, error) {
	var (
		note *Note
		link *Link
	)
	err := s.store.Write(ctx, func(tx *database.Tx) error {
		if err := checkEntity(ctx, tx, household, entityType, entityID); err != nil {
			return err
		}
		var err error
		if note, err = s.create(ctx, tx, household, in); err != nil {
			return err
		}
		link, err = s.insertLink(ctx, tx, household, note.ID, entityType, entityID, relation)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return note, link, nil
}

// EntityQuery selects the notes attached to one entity.
type EntityQuery struct {
	EntityType EntityType
	EntityID   string
	// CategoryIDs filters by category when non-nil. An empty non-nil slice
	// matches nothing.
	CategoryIDs []string
	Cursor      string
	Limit       int
}

// Page is one page of notes. NextCursor is nil on the last page.
type Page struct {
	Notes      []Note  `json:"notes"`
	NextCursor *string `json:"next_cursor"`
}

// ListForEntity pages through live notes linked to an entity, oldest first.
func (s *Service) ListForEntity(ctx context.Context, household string, q EntityQuery) (*Page, error) {
	db := s.store.X()
	if err := checkEntity(ctx, db, household, q.EntityType, q.EntityID); err != nil {
		return nil, err
	}
	if q.CategoryIDs != nil && len(q.CategoryIDs) == 0 {
		return &Page{Notes: []Note{}}, nil
	}

	limit := clampLimit(q.Limit)
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	cols := make([]string, len(noteColumns))
	for i, c := range noteColumns {
		cols[i] = "n." + c
	}
	sb.Select(cols...).
		From("notes n").
		Join("note_links l", "l.note_id = n.id").
		Where(
			sb.Equal("l.household_id", household),
			sb.Equal("l.entity_type", string(q.EntityType)),
			sb.Equal("l.entity_id", q.EntityID),
			sb.Equal("n.household_id", household),
			sb.IsNull("n.deleted_at"),
		)
	if len(q.CategoryIDs) > 0 {
		ids := make([]any, len(q.CategoryIDs))
		for i, id := range q.CategoryIDs {
			ids[i] = id
		}
		sb.Where(sb.In("n.category_id", ids...))
	}
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		sb.Where(sb.Or(
			sb.GreaterThan("n.created_at", c.CreatedAt),
			sb.And(sb.Equal("n.created_at", c.CreatedAt), sb.GreaterThan("n.id", c.ID)),
		))
	}
	sb.OrderBy("n.created_at", "n.id").Limit(limit + 1)

	query, args := sb.Build()
	rows := []Note{}
	if err := sqlx.SelectContext(ctx, db, &rows, query, args...); err != nil {
		return nil, ark.Generic(err, "list notes for entity").With("household_id", household)
	}

	page := &Page{Notes: rows}
	if len(rows) > limit {
		page.Notes = rows[:limit]
		last := page.Notes[limit-1]
		next := encodeCursor(cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		page.NextCursor = &next
	}
	return page, nil
}

func clampLimit(n int) int {
	switch {
	case n == 0:
		return defaultPageSize
	case n < 1:
		return 1
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}

func (s *Service) insertLink(ctx context.Context, tx *database.Tx, household, noteID string, entityType EntityType, entityID, relation string) (*Link, error) {
	if _, err := ParseEntityType(string(entityType)); err != nil {
		return nil, err
	}
	if err := checkEntity(ctx, tx, household, entityType, entityID); err != nil {
		return nil, err
	}
	if relation == "" {
		relation = DefaultRelation
	}
	now := s.store.NowMs()
	link := &Link{
		ID:          s.linkIDs.New(),
		HouseholdID: household,
		NoteID:      noteID,
		EntityType:  entityType,
		EntityID:    entityID,
		Relation:    relation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(linkTable).
		Cols("id", "household_id", "note_id", "entity_type", "entity_id", "relation", "created_at", "updated_at").
		Values(link.ID, link.HouseholdID, link.NoteID, string(link.EntityType), link.EntityID, link.Relation, link.CreatedAt, link.UpdatedAt)
	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ark.New(ark.CodeNoteLinkAlreadyExists, "note is already linked to this entity").
				With("note_id", noteID).With("entity_type", string(entityType)).With("entity_id", entityID)
		}
		return nil, ark.Generic(err, "create note link").With("household_id", household)
	}
	return link, nil
}

// checkNote reports ENTITY_NOT_FOUND for a missing or deleted note and
// CROSS_HOUSEHOLD when it belongs elsewhere.
func checkNote(ctx context.Context, q sqlx.QueryerContext, household, noteID string) error {
	owners, err := owners(ctx, q,
		`SELECT household_id FROM notes WHERE id = ? AND deleted_at IS NULL`, noteID)
	if err != nil {
		return err
	}
	return ownership(owners, household, "note", noteID)
}

func checkEntity(ctx context.Context, q sqlx.QueryerContext, household string, entityType EntityType, entityID string) error {
	var query string
	switch entityType {
	case EntityEvent:
		query = `SELECT household_id FROM events WHERE id = ? AND deleted_at IS NULL`
	case EntityFile:
		query = `SELECT household_id FROM files_index WHERE file_id = ?`
	default:
		_, err := ParseEntityType(string(entityType))
		return err
	}
	owners, err := owners(ctx, q, query, entityID)
	if err != nil {
		return err
	}
	return ownership(owners, household, string(entityType), entityID)
}

func owners(ctx context.Context, q sqlx.QueryerContext, query, id string) ([]string, error) {
	var out []string
	if err := sqlx.SelectContext(ctx, q, &out, query, id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ark.Generic(err, "lookup owner").With("id", id)
	}
	return out, nil
}

func ownership(owners []string, household, kind, id string) error {
	if len(owners) == 0 {
		return ark.Newf(ark.CodeNoteLinkEntityNotFound, "%s %s not found", kind, id).
			With("entity_type", kind).With("entity_id", id)
	}
	for _, o := range owners {
		if o == household {
			return nil
		}
	}
	return ark.Newf(ark.CodeNoteLinkCrossHousehold, "%s %s belongs to another household", kind, id).
		With("entity_type", kind).With("entity_id", id).With("household_id", household)
}
