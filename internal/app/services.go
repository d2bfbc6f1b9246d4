package app

import (
	"context"

	"arklowdun/internal/ark"
	"arklowdun/internal/family"
	"arklowdun/internal/fileops"
	"arklowdun/internal/filesindex"
	"arklowdun/internal/notes"
	"arklowdun/internal/recurrence"
	"arklowdun/internal/reports"
)

// services is a consistent snapshot of the store-backed services.
type services struct {
	indexer *filesindex.Indexer
	files   *fileops.Manager
	notes   *notes.Service
	family  *family.Service
	events  *recurrence.Expander
}

func (e *Engine) services() services {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return services{
		indexer: e.indexer,
		files:   e.files,
		notes:   e.notes,
		family:  e.family,
		events:  e.events,
	}
}

// EventsListRange returns the events and expanded instances of household
// intersecting [startMs, endMs).
func (e *Engine) EventsListRange(ctx context.Context, household string, startMs, endMs int64) (*recurrence.Result, error) {
	return e.services().events.ListRange(ctx, household, startMs, endMs)
}

// EventsShadowSummary returns the cumulative shadow-read audit counters.
func (e *Engine) EventsShadowSummary(ctx context.Context) (*recurrence.ShadowSummary, error) {
	return e.services().events.ShadowSummary(ctx)
}

// Notes

func (e *Engine) NotesCreate(ctx context.Context, household string, in notes.Input) (*notes.Note, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().notes.Create(ctx, household, in)
}

func (e *Engine) NotesGet(ctx context.Context, household, id string) (*notes.Note, error) {
	return e.services().notes.Get(ctx, household, id)
}

func (e *Engine) NotesList(ctx context.Context, household string, includeDeleted bool) ([]notes.Note, error) {
	return e.services().notes.List(ctx, household, includeDeleted)
}

func (e *Engine) NotesUpdate(ctx context.Context, household, id string, in notes.Input) (*notes.Note, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().notes.Update(ctx, household, id, in)
}

func (e *Engine) NotesDelete(ctx context.Context, household, id string) error {
	if err := e.ensureWritable(ctx); err != nil {
		return err
	}
	return e.services().notes.Delete(ctx, household, id)
}

func (e *Engine) NotesRestore(ctx context.Context, household, id string) (*notes.Note, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().notes.Restore(ctx, household, id)
}

// Note links

func (e *Engine) NoteLinksCreate(ctx context.Context, household, noteID string, entityType notes.EntityType, entityID, relation string) (*notes.Link, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().notes.CreateLink(ctx, household, noteID, entityType, entityID, relation)
}

func (e *Engine) NoteLinksDelete(ctx context.Context, household, linkID string) error {
	if err := e.ensureWritable(ctx); err != nil {
		return err
	}
	return e.services().notes.DeleteLink(ctx, household, linkID)
}

func (e *Engine) NoteLinksListForEntity(ctx context.Context, household string, q notes.EntityQuery) (*notes.Page, error) {
	return e.services().notes.ListForEntity(ctx, household, q)
}

func (e *Engine) NotesQuickCreateForEntity(ctx context.Context, household string, entityType notes.EntityType, entityID string, in notes.Input, relation string) (*notes.Note, *notes.Link, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, nil, err
	}
	return e.services().notes.QuickCreate(ctx, household, entityType, entityID, in, relation)
}

// Family

func (e *Engine) FamilyMembersList(ctx context.Context, household string) ([]family.Member, error) {
	return e.services().family.ListMembers(ctx, household)
}

func (e *Engine) FamilyMemberCreate(ctx context.Context, household string, in family.MemberInput) (*family.Member, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().family.CreateMember(ctx, household, in)
}

func (e *Engine) FamilyMemberUpdate(ctx context.Context, household, id string, in family.MemberInput) (*family.Member, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().family.UpdateMember(ctx, household, id, in)
}

func (e *Engine) FamilyMemberDelete(ctx context.Context, household, id string) error {
	if err := e.ensureWritable(ctx); err != nil {
		return err
	}
	return e.services().family.DeleteMember(ctx, household, id)
}

func (e *Engine) FamilyAttachmentAdd(ctx context.Context, household string, in family.AttachmentInput) (*family.Attachment, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().family.AddAttachment(ctx, household, in)
}

func (e *Engine) FamilyAttachmentsList(ctx context.Context, household, memberID string) ([]family.Attachment, error) {
	return e.services().family.ListAttachments(ctx, household, memberID)
}

func (e *Engine) FamilyAttachmentRemove(ctx context.Context, household, id string) error {
	if err := e.ensureWritable(ctx); err != nil {
		return err
	}
	return e.services().family.RemoveAttachment(ctx, household, id)
}

func (e *Engine) FamilyRenewalUpsert(ctx context.Context, household string, in family.RenewalInput) (*family.Renewal, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().family.UpsertRenewal(ctx, household, in)
}

func (e *Engine) FamilyRenewalsList(ctx context.Context, household, memberID string) ([]family.Renewal, error) {
	return e.services().family.ListRenewals(ctx, household, memberID)
}

func (e *Engine) FamilyRenewalDelete(ctx context.Context, household, id string) error {
	if err := e.ensureWritable(ctx); err != nil {
		return err
	}
	return e.services().family.DeleteRenewal(ctx, household, id)
}

// Files

// FilesIndexRebuild rebuilds the household's files index in mode
// ("full" or "incremental").
func (e *Engine) FilesIndexRebuild(ctx context.Context, household, mode string, sink filesindex.ProgressSink) (*filesindex.Summary, error) {
	m := filesindex.Mode(mode)
	if m != filesindex.ModeFull && m != filesindex.ModeIncremental {
		return nil, ark.Newf(ark.CodeInvalidInput, "unknown index mode %q", mode).With("mode", mode)
	}
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().indexer.Rebuild(ctx, household, m, sink)
}

// FilesIndexStatus reports whether the household's index is current.
func (e *Engine) FilesIndexStatus(ctx context.Context, household string) (*filesindex.Status, error) {
	return e.services().indexer.Status(ctx, household)
}

// FilesSearch matches indexed filenames.
func (e *Engine) FilesSearch(ctx context.Context, household string, opts filesindex.SearchOptions) ([]filesindex.Entry, error) {
	return e.services().indexer.Search(ctx, household, opts)
}

// FileMove moves a vault file and rewrites the rows that reference it.
func (e *Engine) FileMove(ctx context.Context, req fileops.MoveRequest) (*fileops.MoveResult, error) {
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	return e.services().files.Move(ctx, req)
}

// AttachmentsRepair scans for or resolves missing attachments. Apply runs
// are gated and reported.
func (e *Engine) AttachmentsRepair(ctx context.Context, req fileops.RepairRequest) (*fileops.RepairSummary, error) {
	if req.Mode != fileops.RepairApply {
		return e.services().files.Repair(ctx, req)
	}
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}

	op := e.begin(reports.KindAttachmentsRepair)
	sum, err := e.services().files.Repair(ctx, req)

	actions := make([]map[string]any, 0, len(req.Actions))
	for _, a := range req.Actions {
		actions = append(actions, map[string]any{
			"table_name": a.TableName,
			"row_id":     a.RowID,
			"action":     a.Action,
		})
	}
	details := map[string]any{"household_id": req.HouseholdID, "actions": actions}
	if sum != nil {
		details["detached"] = sum.Detached
		details["marked"] = sum.Marked
		details["relinked"] = sum.Relinked
	}
	e.record(ctx, op, details, err)
	return sum, err
}

// AttachmentsRepairCancel stops a running scan at its next checkpoint.
func (e *Engine) AttachmentsRepairCancel() {
	e.services().files.CancelScan()
}
