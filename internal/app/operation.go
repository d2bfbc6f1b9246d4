package app

import (
	"time"

	"arklowdun/internal/reports"
)

// Operation tracks a destructive or long-running command whose outcome is
// recorded as an ops report. Operations live in memory until finish builds
// the report input.
type Operation struct {
	Kind          reports.Kind
	OpID          string
	CorrelationID string
	StartedAt     time.Time

	partial bool
	notes   []reports.ErrorItem
}

// NewOperation starts an in-memory operation of kind.
func NewOperation(kind reports.Kind, opID string, started time.Time) *Operation {
	return &Operation{Kind: kind, OpID: opID, StartedAt: started}
}

// MarkPartial records that the operation completed with problems that did not
// fail it outright.
func (op *Operation) MarkPartial(item reports.ErrorItem) {
	op.partial = true
	op.notes = append(op.notes, item)
}

// Status derives the report status from err and any partial marks.
func (op *Operation) Status(err error) reports.Status {
	switch {
	case err != nil:
		return reports.StatusFailed
	case op.partial:
		return reports.StatusPartial
	}
	return reports.StatusSuccess
}

// Input builds the report input for an operation finishing at finished.
func (op *Operation) Input(finished time.Time, details any, err error) reports.Input {
	errs := append([]reports.ErrorItem(nil), op.notes...)
	if err != nil {
		errs = append(errs, reports.ErrorItemFrom(err))
	}
	if finished.Before(op.StartedAt) {
		finished = op.StartedAt
	}
	return reports.Input{
		Kind:          op.Kind,
		OpID:          op.OpID,
		StartedAt:     op.StartedAt,
		FinishedAt:    finished,
		Status:        op.Status(err),
		Details:       details,
		Errors:        errs,
		CorrelationID: op.CorrelationID,
	}
}
