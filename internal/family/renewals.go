package family

import (
	"context"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
)

// DefaultRemindOffsetDays applies when a renewal does not set one.
const DefaultRemindOffsetDays = 30

// Renewal tracks a document that expires, such as a passport.
type Renewal struct {
	ID               string  `db:"id" json:"id"`
	HouseholdID      string  `db:"household_id" json:"household_id"`
	MemberID         string  `db:"member_id" json:"member_id"`
	Kind             string  `db:"kind" json:"kind"`
	Label            *string `db:"label" json:"label"`
	ExpiresAt        int64   `db:"expires_at" json:"expires_at"`
	RemindOnExpiry   bool    `db:"remind_on_expiry" json:"remind_on_expiry"`
	RemindOffsetDays int     `db:"remind_offset_days" json:"remind_offset_days"`
	CreatedAt        int64   `db:"created_at" json:"created_at"`
	UpdatedAt        int64   `db:"updated_at" json:"updated_at"`
}

// RenewalInput creates a renewal when ID is empty and replaces it otherwise.
type RenewalInput struct {
	ID               string  `json:"id"`
	MemberID         string  `json:"member_id" validate:"required"`
	Kind             string  `json:"kind" validate:"required,oneof=passport driving_licence photo_id insurance pension other"`
	Label            *string `json:"label" validate:"omitempty,max=100"`
	ExpiresAt        int64   `json:"expires_at" validate:"gt=0"`
	RemindOnExpiry   bool    `json:"remind_on_expiry"`
	RemindOffsetDays *int    `json:"remind_offset_days" validate:"omitempty,min=0,max=365"`
}

var renewalColumns = []string{
	"id", "household_id", "member_id", "kind", "label", "expires_at",
	"remind_on_expiry", "remind_offset_days", "created_at", "updated_at",
}

// UpsertRenewal validates and stores a renewal for a live member.
func (s *Service) UpsertRenewal(ctx context.Context, household string, in RenewalInput) (*Renewal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fieldError(err)
	}
	offset := DefaultRemindOffsetDays
	if in.RemindOffsetDays != nil {
		offset = *in.RemindOffsetDays
	}
	remind := 0
	if in.RemindOnExpiry {
		remind = 1
	}
	row := database.Row{
		"member_id":          in.MemberID,
		"kind":               in.Kind,
		"label":              database.BindValue(in.Label),
		"expires_at":         in.ExpiresAt,
		"remind_on_expiry":   remind,
		"remind_offset_days": offset,
	}

	var out *Renewal
	err := s.store.Write(ctx, func(tx *database.Tx) error {
		if _, err := getMember(ctx, tx, household, in.MemberID); err != nil {
			return err
		}
		id := in.ID
		if id == "" {
			row["household_id"] = household
			created, err := tx.Create(ctx, renewalsTable, row)
			if err != nil {
				return err
			}
			id = created.String("id")
		} else {
			// Update is household scoped so another household's id reads as missing.
			if err := tx.Update(ctx, renewalsTable, id, row, household); err != nil {
				return err
			}
		}
		var err error
		out, err = getRenewal(ctx, tx, household, id)
		return err
	})
	return out, err
}

// ListRenewals returns a member's renewals, soonest expiry first.
func (s *Service) ListRenewals(ctx context.Context, household, memberID string) ([]Renewal, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(renewalColumns...).From(renewalsTable).
		Where(sb.Equal("household_id", household), sb.Equal("member_id", memberID)).
		OrderBy("expires_at", "id")

	query, args := sb.Build()
	out := []Renewal{}
	if err := sqlx.SelectContext(ctx, s.store.X(), &out, query, args...); err != nil {
		return nil, ark.Generic(err, "list renewals").With("member_id", memberID)
	}
	return out, nil
}

// DeleteRenewal removes a renewal.
func (s *Service) DeleteRenewal(ctx context.Context, household, id string) error {
	return s.store.Delete(ctx, renewalsTable, household, id)
}

func getRenewal(ctx context.Context, q sqlx.QueryerContext, household, id string) (*Renewal, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(renewalColumns...).From(renewalsTable).
		Where(sb.Equal("id", id), sb.Equal("household_id", household))
	query, args := sb.Build()

	rows := []Renewal{}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, ark.Generic(err, "get renewal").With("id", id)
	}
	if len(rows) == 0 {
		return nil, ark.New(ark.CodeNotFound, "renewal not found").
			With("table", renewalsTable).With("id", id)
	}
	return &rows[0], nil
}
