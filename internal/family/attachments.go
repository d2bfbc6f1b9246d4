package family

import (
	"context"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

// Attachment is a document filed against a member.
type Attachment struct {
	ID           string  `db:"id" json:"id"`
	HouseholdID  string  `db:"household_id" json:"household_id"`
	MemberID     string  `db:"member_id" json:"member_id"`
	RootKey      string  `db:"root_key" json:"root_key"`
	RelativePath string  `db:"relative_path" json:"relative_path"`
	Title        *string `db:"title" json:"title"`
	MimeHint     *string `db:"mime_hint" json:"mime_hint"`
	AddedAt      int64   `db:"added_at" json:"added_at"`
}

// AttachmentInput describes a new member attachment.
type AttachmentInput struct {
	MemberID     string  `json:"member_id" validate:"required"`
	RootKey      string  `json:"root_key" validate:"required,oneof=attachments appData"`
	RelativePath string  `json:"relative_path" validate:"required"`
	Title        *string `json:"title" validate:"omitempty,max=120"`
	MimeHint     *string `json:"mime_hint" validate:"omitempty,mime"`
}

// AddAttachment records a document for a member. The same path may be
// attached to a member only once per root.
func (s *Service) AddAttachment(ctx context.Context, household string, in AttachmentInput) (*Attachment, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fieldError(err)
	}
	rel, err := vault.NormalizeRelative(in.RelativePath)
	if err != nil {
		return nil, err
	}

	att := &Attachment{
		ID:           s.ids.New(),
		HouseholdID:  household,
		MemberID:     in.MemberID,
		RootKey:      in.RootKey,
		RelativePath: rel,
		Title:        in.Title,
		MimeHint:     in.MimeHint,
	}
	err = s.store.Write(ctx, func(tx *database.Tx) error {
		if _, err := getMember(ctx, tx, household, in.MemberID); err != nil {
			return err
		}
		att.AddedAt = s.store.NowMs()
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto(attachmentsTable).
			Cols("id", "household_id", "member_id", "root_key", "relative_path", "title", "mime_hint", "added_at").
			Values(att.ID, att.HouseholdID, att.MemberID, att.RootKey, att.RelativePath,
				database.BindValue(att.Title), database.BindValue(att.MimeHint), att.AddedAt)
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if database.IsUniqueViolation(err) {
				return ark.New(ark.CodeAttachmentsPathConflict, "this file is already attached to the member").
					With("member_id", in.MemberID).With("root_key", in.RootKey).With("path_hash", ark.HashPath(rel))
			}
			return ark.Generic(err, "add member attachment").With("member_id", in.MemberID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("member attachment added", "household_id", household, "member_id", in.MemberID,
		"root_key", in.RootKey, "path_hash", ark.HashPath(rel))
	return att, nil
}

// ListAttachments returns a member's attachments, oldest first.
func (s *Service) ListAttachments(ctx context.Context, household, memberID string) ([]Attachment, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "household_id", "member_id", "root_key", "relative_path", "title", "mime_hint", "added_at").
		From(attachmentsTable).
		Where(sb.Equal("household_id", household), sb.Equal("member_id", memberID)).
		OrderBy("added_at", "id")

	query, args := sb.Build()
	out := []Attachment{}
	if err := sqlx.SelectContext(ctx, s.store.X(), &out, query, args...); err != nil {
		return nil, ark.Generic(err, "list member attachments").With("member_id", memberID)
	}
	return out, nil
}

// RemoveAttachment deletes the attachment record. The file itself is untouched.
func (s *Service) RemoveAttachment(ctx context.Context, household, id string) error {
	return s.store.Delete(ctx, attachmentsTable, household, id)
}
