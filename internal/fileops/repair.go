package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

// EventRepairProgress is emitted while scanning for missing attachments.
const EventRepairProgress = "attachments_repair_progress"

const scanProgressEvery = 100

// Repair actions.
const (
	ActionDetach = "detach"
	ActionMark   = "mark"
	ActionRelink = "relink"
)

// RepairMode selects between scanning and applying actions.
type RepairMode string

const (
	RepairScan  RepairMode = "scan"
	RepairApply RepairMode = "apply"
)

// RepairRequest is the attachments_repair payload. For apply, a nil Actions
// is an error while an empty list is a no-op.
type RepairRequest struct {
	HouseholdID string         `json:"household_id" validate:"required"`
	Mode        RepairMode     `json:"mode" validate:"required,oneof=scan apply"`
	Actions     []RepairAction `json:"actions" validate:"dive"`
}

// RepairAction resolves one missing_attachments row.
type RepairAction struct {
	TableName       string `json:"table_name" validate:"required"`
	RowID           string `json:"row_id" validate:"required"`
	Action          string `json:"action" validate:"required,oneof=detach mark relink"`
	NewCategory     string `json:"new_category,omitempty"`
	NewRelativePath string `json:"new_relative_path,omitempty"`
}

// ScanProgress is the payload of attachments_repair_progress.
type ScanProgress struct {
	HouseholdID string `json:"household_id"`
	Table       string `json:"table"`
	Scanned     int    `json:"scanned"`
	Missing     int    `json:"missing"`
	Done        bool   `json:"done"`
}

// RepairSummary reports a scan or apply.
type RepairSummary struct {
	Mode      RepairMode `json:"mode"`
	Scanned   int        `json:"scanned"`
	Missing   int        `json:"missing"`
	Cancelled bool       `json:"cancelled"`
	Detached  int        `json:"detached"`
	Marked    int        `json:"marked"`
	Relinked  int        `json:"relinked"`
}

// Repair dispatches a scan or apply request.
func (m *Manager) Repair(ctx context.Context, req RepairRequest) (*RepairSummary, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, ark.Wrap(err, ark.CodeAttachmentsInvalidInput, "invalid repair request")
	}
	if req.Mode == RepairScan {
		return m.Scan(ctx, req.HouseholdID)
	}
	if req.Actions == nil {
		return nil, ark.New(ark.CodeRepairActionsRequired, "apply needs an action list")
	}
	return m.Apply(ctx, req.HouseholdID, req.Actions)
}

// CancelScan stops a running scan at the next row.
func (m *Manager) CancelScan() {
	if m.scanning.Load() {
		m.cancelScan.Store(true)
	}
}

type attachmentRow struct {
	ID           string  `db:"id"`
	RootKey      *string `db:"root_key"`
	Category     *string `db:"category"`
	RelativePath string  `db:"relative_path"`
}

// Scan records every attachment row in the household whose file cannot be
// found into missing_attachments.
func (m *Manager) Scan(ctx context.Context, household string) (*RepairSummary, error) {
	m.scanning.Store(true)
	m.cancelScan.Store(false)
	defer m.scanning.Store(false)

	summary := &RepairSummary{Mode: RepairScan}
	yield := ark.NewYielder()

	for _, spec := range database.AttachmentTables() {
		var rows []attachmentRow
		err := m.store.X().SelectContext(ctx, &rows, fmt.Sprintf(
			`SELECT id, root_key, category, relative_path FROM %s
			WHERE household_id = ? AND relative_path IS NOT NULL AND relative_path != '' ORDER BY id`,
			ark.QuoteIdent(spec.Name)), household)
		if err != nil {
			return nil, ark.Generic(err, "attachments_repair_scan").With("table", spec.Name)
		}

		for _, r := range rows {
			if m.cancelScan.Load() {
				summary.Cancelled = true
				m.emitScan(household, spec.Name, summary, true)
				return summary, nil
			}
			if err := yield.Tick(ctx); err != nil {
				return nil, err
			}
			summary.Scanned++

			if !m.attachmentExists(household, r) {
				summary.Missing++
				if _, err := m.store.Exec(ctx, `INSERT OR REPLACE INTO missing_attachments
					(household_id, table_name, row_id, category, relative_path, detected_at_utc, action, repaired_at_utc)
					VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
					household, spec.Name, r.ID, r.Category, r.RelativePath, m.store.NowMs()); err != nil {
					return nil, err
				}
			}
			if summary.Scanned%scanProgressEvery == 0 {
				m.emitScan(household, spec.Name, summary, false)
			}
		}
	}
	m.emitScan(household, "", summary, true)
	m.logger.Info("attachments scan finished", "household_id", household, "scanned", summary.Scanned, "missing", summary.Missing)
	return summary, nil
}

func (m *Manager) emitScan(household, table string, s *RepairSummary, done bool) {
	m.emitter.Emit(EventRepairProgress, ScanProgress{
		HouseholdID: household,
		Table:       table,
		Scanned:     s.Scanned,
		Missing:     s.Missing,
		Done:        done,
	})
}

func (m *Manager) attachmentExists(household string, r attachmentRow) bool {
	var (
		p   string
		err error
	)
	switch {
	case r.Category != nil && vault.Category(*r.Category).Valid():
		p, err = m.vault.Resolve(household, vault.Category(*r.Category), r.RelativePath)
	case r.RootKey != nil:
		p, err = m.vault.LegacyPath(*r.RootKey, r.RelativePath)
	default:
		return false
	}
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Apply performs the actions in a single transaction.
func (m *Manager) Apply(ctx context.Context, household string, actions []RepairAction) (*RepairSummary, error) {
	summary := &RepairSummary{Mode: RepairApply}
	if len(actions) == 0 {
		return summary, nil
	}
	for _, a := range actions {
		spec, ok := database.LookupTable(a.TableName)
		if !ok || !spec.Attachments {
			return nil, ark.Newf(ark.CodeRepairTableUnsupported, "table %q has no attachments", a.TableName).
				With("table", a.TableName)
		}
	}

	err := m.store.Write(ctx, func(tx *database.Tx) error {
		for _, a := range actions {
			if err := m.applyOne(ctx, tx, household, a); err != nil {
				return err
			}
			switch a.Action {
			case ActionDetach:
				summary.Detached++
			case ActionMark:
				summary.Marked++
			case ActionRelink:
				summary.Relinked++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("attachments repair applied", "household_id", household,
		"detached", summary.Detached, "marked", summary.Marked, "relinked", summary.Relinked)
	return summary, nil
}

func (m *Manager) applyOne(ctx context.Context, tx *database.Tx, household string, a RepairAction) error {
	now := m.store.NowMs()
	table := ark.QuoteIdent(a.TableName)

	switch a.Action {
	case ActionDetach:
		res, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET category = NULL, relative_path = NULL, updated_at = ? WHERE household_id = ? AND id = ?`, table),
			now, household, a.RowID)
		if err := requireRow(res, err, a); err != nil {
			return err
		}
	case ActionRelink:
		if a.NewCategory == "" {
			return ark.New(ark.CodeRepairRelinkCategoryRequired, "relink needs a category").With("row_id", a.RowID)
		}
		if a.NewRelativePath == "" {
			return ark.New(ark.CodeRepairRelinkRelativeRequired, "relink needs a relative path").With("row_id", a.RowID)
		}
		cat, err := vault.ParseCategory(a.NewCategory)
		if err != nil {
			return ark.Wrap(err, ark.CodeRepairRelinkTargetInvalid, "relink category is not valid").With("row_id", a.RowID)
		}
		rel, err := vault.NormalizeRelative(a.NewRelativePath)
		if err != nil {
			return ark.Wrap(err, ark.CodeRepairRelinkTargetInvalid, "relink path is not valid").With("row_id", a.RowID)
		}
		target, err := m.vault.Resolve(household, cat, rel)
		if err != nil {
			return ark.Wrap(err, ark.CodeRepairRelinkTargetInvalid, "relink target is outside the vault").With("row_id", a.RowID)
		}
		info, err := os.Stat(target)
		if errors.Is(err, os.ErrNotExist) {
			return ark.New(ark.CodeRepairRelinkTargetMissing, "relink target does not exist").With("row_id", a.RowID)
		}
		if err != nil || !info.Mode().IsRegular() {
			return ark.New(ark.CodeRepairRelinkTargetInvalid, "relink target is not a file").With("row_id", a.RowID)
		}
		res, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET category = ?, relative_path = ?, root_key = NULL, updated_at = ? WHERE household_id = ? AND id = ?`, table),
			string(cat), rel, now, household, a.RowID)
		if err := requireRow(res, err, a); err != nil {
			return err
		}
	}

	res, err := tx.Exec(ctx, `UPDATE missing_attachments SET action = ?, repaired_at_utc = ?
		WHERE household_id = ? AND table_name = ? AND row_id = ?`,
		a.Action, now, household, a.TableName, a.RowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ark.New(ark.CodeRepairManifestMissing, "row is not in the missing attachments manifest").
			With("table", a.TableName).With("row_id", a.RowID)
	}
	return nil
}

type execResult interface {
	RowsAffected() (int64, error)
}

func requireRow(res execResult, err error, a RepairAction) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ark.Generic(err, "attachments_repair_apply")
	}
	if n == 0 {
		return ark.New(ark.CodeRepairRowMissing, "row not found").With("table", a.TableName).With("row_id", a.RowID)
	}
	return nil
}
