package family

import (
	"context"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

var memberColumns = []string{
	"id", "household_id", "name", "nickname", "birthday", "phone", "address", "notes",
	"bank_account", "pension_ref", "position", "status", "last_verified", "category",
	"relative_path", "created_at", "updated_at", "deleted_at",
}

// Member is a row of family_members.
type Member struct {
	ID           string  `db:"id" json:"id"`
	HouseholdID  string  `db:"household_id" json:"household_id"`
	Name         string  `db:"name" json:"name"`
	Nickname     *string `db:"nickname" json:"nickname"`
	Birthday     *int64  `db:"birthday" json:"birthday"`
	Phone        *string `db:"phone" json:"phone"`
	Address      *string `db:"address" json:"address"`
	Notes        *string `db:"notes" json:"notes"`
	BankAccount  *string `db:"bank_account" json:"bank_account"`
	PensionRef   *string `db:"pension_ref" json:"pension_ref"`
	Position     int64   `db:"position" json:"position"`
	Status       *string `db:"status" json:"status"`
	LastVerified *int64  `db:"last_verified" json:"last_verified"`
	Category     *string `db:"category" json:"category"`
	RelativePath *string `db:"relative_path" json:"relative_path"`
	CreatedAt    int64   `db:"created_at" json:"created_at"`
	UpdatedAt    int64   `db:"updated_at" json:"updated_at"`
	DeletedAt    *int64  `db:"deleted_at" json:"deleted_at"`
}

// MemberInput holds writable member fields; nil fields are left alone.
type MemberInput struct {
	Name         *string `json:"name" validate:"omitempty,min=1,max=200"`
	Nickname     *string `json:"nickname" validate:"omitempty,max=100"`
	Birthday     *int64  `json:"birthday"`
	Phone        *string `json:"phone" validate:"omitempty,max=50"`
	Address      *string `json:"address" validate:"omitempty,max=500"`
	Notes        *string `json:"notes"`
	BankAccount  *string `json:"bank_account" validate:"omitempty,max=100"`
	PensionRef   *string `json:"pension_ref" validate:"omitempty,max=100"`
	Position     *int64  `json:"position" validate:"omitempty,min=0"`
	Status       *string `json:"status" validate:"omitempty,max=50"`
	LastVerified *int64  `json:"last_verified"`
	Category     *string `json:"category" validate:"omitempty,vault_category"`
	RelativePath *string `json:"relative_path"`
}

func (s *Service) memberRow(in MemberInput) (database.Row, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fieldError(err)
	}
	row := database.Row{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, invalidField("name", "required", "")
		}
		row["name"] = name
	}
	if in.RelativePath != nil {
		rel, err := vault.NormalizeRelative(*in.RelativePath)
		if err != nil {
			return nil, err
		}
		row["relative_path"] = rel
	}
	setIf(row, "nickname", in.Nickname)
	setIf(row, "birthday", in.Birthday)
	setIf(row, "phone", in.Phone)
	setIf(row, "address", in.Address)
	setIf(row, "notes", in.Notes)
	setIf(row, "bank_account", in.BankAccount)
	setIf(row, "pension_ref", in.PensionRef)
	setIf(row, "position", in.Position)
	setIf(row, "status", in.Status)
	setIf(row, "last_verified", in.LastVerified)
	setIf(row, "category", in.Category)
	return row, nil
}

// ListMembers returns the household's live members by position.
func (s *Service) ListMembers(ctx context.Context, household string) ([]Member, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(memberColumns...).From(membersTable).Where(
		sb.Equal("household_id", household),
		sb.IsNull("deleted_at"),
	).OrderBy("position", "created_at", "id")

	query, args := sb.Build()
	out := []Member{}
	if err := sqlx.SelectContext(ctx, s.store.X(), &out, query, args...); err != nil {
		return nil, ark.Generic(err, "list members").With("household_id", household)
	}
	return out, nil
}

// GetMember returns a live member.
func (s *Service) GetMember(ctx context.Context, household, id string) (*Member, error) {
	return getMember(ctx, s.store.X(), household, id)
}

// CreateMember inserts a member. Name is required.
func (s *Service) CreateMember(ctx context.Context, household string, in MemberInput) (*Member, error) {
	if in.Name == nil {
		return nil, invalidField("name", "required", "")
	}
	row, err := s.memberRow(in)
	if err != nil {
		return nil, err
	}
	row["household_id"] = household

	var out *Member
	err = s.store.Write(ctx, func(tx *database.Tx) error {
		created, err := tx.Create(ctx, membersTable, row)
		if err != nil {
			return err
		}
		out, err = getMember(ctx, tx, household, created.String("id"))
		return err
	})
	return out, err
}

// UpdateMember applies the non-nil fields of in.
func (s *Service) UpdateMember(ctx context.Context, household, id string, in MemberInput) (*Member, error) {
	row, err := s.memberRow(in)
	if err != nil {
		return nil, err
	}
	var out *Member
	err = s.store.Write(ctx, func(tx *database.Tx) error {
		if _, err := getMember(ctx, tx, household, id); err != nil {
			return err
		}
		if err := tx.Update(ctx, membersTable, id, row, household); err != nil {
			return err
		}
		out, err = getMember(ctx, tx, household, id)
		return err
	})
	return out, err
}

// DeleteMember soft-deletes a member.
func (s *Service) DeleteMember(ctx context.Context, household, id string) error {
	return s.store.Delete(ctx, membersTable, household, id)
}

func getMember(ctx context.Context, q sqlx.QueryerContext, household, id string) (*Member, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(memberColumns...).From(membersTable).Where(
		sb.Equal("id", id),
		sb.Equal("household_id", household),
		sb.IsNull("deleted_at"),
	)
	query, args := sb.Build()

	rows := []Member{}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, ark.Generic(err, "get member").With("id", id)
	}
	if len(rows) == 0 {
		return nil, ark.New(ark.CodeNotFound, "family member not found").
			With("table", membersTable).With("id", id)
	}
	return &rows[0], nil
}
