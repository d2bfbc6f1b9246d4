package fileops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
)

type manifestRow struct {
	TableName string  `db:"table_name"`
	RowID     string  `db:"row_id"`
	Action    *string `db:"action"`
	Repaired  *int64  `db:"repaired_at_utc"`
}

func manifest(t *testing.T, f *fixture) map[string]manifestRow {
	t.Helper()
	var rows []manifestRow
	require.NoError(t, f.store.X().Select(&rows,
		`SELECT table_name, row_id, action, repaired_at_utc FROM missing_attachments WHERE household_id = 'hh1'`))
	out := make(map[string]manifestRow, len(rows))
	for _, r := range rows {
		out[r.RowID] = r
	}
	return out
}

func TestScan(t *testing.T) {
	f := newFixture(t)
	testutil.WriteFile(t, f.root, "bills/present.pdf", []byte("here"))
	present := f.bill(t, "present.pdf")
	missing := f.bill(t, "gone.pdf")
	legacy := testutil.MustCreate(t, f.store, "policies", database.Row{
		"household_id":  "hh1",
		"root_key":      "attachments",
		"relative_path": "legacy/old.pdf",
	}).String("id")

	var events []ScanProgress
	f.mgr.emitter = ark.EmitterFunc(func(event string, payload any) {
		if p, ok := payload.(ScanProgress); ok {
			events = append(events, p)
		}
	})

	summary, err := f.mgr.Repair(context.Background(), RepairRequest{HouseholdID: "hh1", Mode: RepairScan})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Missing)
	assert.False(t, summary.Cancelled)

	rows := manifest(t, f)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, missing)
	assert.Contains(t, rows, legacy)
	assert.NotContains(t, rows, present)
	assert.Equal(t, "bills", rows[missing].TableName)

	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Done)

	summary, err = f.mgr.Scan(context.Background(), "hh1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Missing)
	assert.Len(t, manifest(t, f), 2)
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detach := f.bill(t, "a.pdf")
	mark := f.bill(t, "b.pdf")
	relink := f.bill(t, "c.pdf")
	testutil.WriteFile(t, f.root, "misc/found/c.pdf", []byte("c"))
	_, err := f.mgr.Scan(ctx, "hh1")
	require.NoError(t, err)

	actions := []RepairAction{
		{TableName: "bills", RowID: detach, Action: ActionDetach},
		{TableName: "bills", RowID: mark, Action: ActionMark},
		{TableName: "bills", RowID: relink, Action: ActionRelink, NewCategory: "misc", NewRelativePath: "found/c.pdf"},
	}
	summary, err := f.mgr.Apply(ctx, "hh1", actions)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Detached)
	assert.Equal(t, 1, summary.Marked)
	assert.Equal(t, 1, summary.Relinked)

	cat, rel := f.billPath(t, detach)
	assert.Empty(t, cat)
	assert.Empty(t, rel)
	cat, rel = f.billPath(t, mark)
	assert.Equal(t, "bills", cat)
	assert.Equal(t, "b.pdf", rel)
	cat, rel = f.billPath(t, relink)
	assert.Equal(t, "misc", cat)
	assert.Equal(t, "found/c.pdf", rel)

	rows := manifest(t, f)
	for id, want := range map[string]string{detach: ActionDetach, mark: ActionMark, relink: ActionRelink} {
		require.NotNil(t, rows[id].Action)
		assert.Equal(t, want, *rows[id].Action)
		assert.NotNil(t, rows[id].Repaired)
	}

	_, err = f.mgr.Apply(ctx, "hh1", actions)
	require.NoError(t, err)
	assert.Len(t, manifest(t, f), 3)
}

func TestApplyEmptyIsNoop(t *testing.T) {
	f := newFixture(t)
	summary, err := f.mgr.Repair(context.Background(), RepairRequest{HouseholdID: "hh1", Mode: RepairApply, Actions: []RepairAction{}})
	require.NoError(t, err)
	assert.Equal(t, RepairSummary{Mode: RepairApply}, *summary)

	_, err = f.mgr.Repair(context.Background(), RepairRequest{HouseholdID: "hh1", Mode: RepairApply})
	assert.True(t, ark.IsCode(err, ark.CodeRepairActionsRequired))
}

func TestApplyErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.bill(t, "x.pdf")
	_, err := f.mgr.Scan(ctx, "hh1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		action RepairAction
		code   string
	}{
		{"unsupported table", RepairAction{TableName: "notes", RowID: id, Action: ActionMark}, ark.CodeRepairTableUnsupported},
		{"row missing", RepairAction{TableName: "bills", RowID: "nope", Action: ActionDetach}, ark.CodeRepairRowMissing},
		{"manifest missing", RepairAction{TableName: "policies", RowID: "nope", Action: ActionMark}, ark.CodeRepairManifestMissing},
		{"relink category", RepairAction{TableName: "bills", RowID: id, Action: ActionRelink, NewRelativePath: "a"}, ark.CodeRepairRelinkCategoryRequired},
		{"relink relative", RepairAction{TableName: "bills", RowID: id, Action: ActionRelink, NewCategory: "misc"}, ark.CodeRepairRelinkRelativeRequired},
		{"relink target missing", RepairAction{TableName: "bills", RowID: id, Action: ActionRelink, NewCategory: "misc", NewRelativePath: "none.pdf"}, ark.CodeRepairRelinkTargetMissing},
		{"relink bad category", RepairAction{TableName: "bills", RowID: id, Action: ActionRelink, NewCategory: "garage", NewRelativePath: "x.pdf"}, ark.CodeRepairRelinkTargetInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Apply(ctx, "hh1", []RepairAction{tt.action})
			assert.Truef(t, ark.IsCode(err, tt.code), "got %v", err)
		})
	}

	cat, rel := f.billPath(t, id)
	assert.Equal(t, "bills", cat)
	assert.Equal(t, "x.pdf", rel)
}

func TestScanCancel(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 150; i++ {
		f.bill(t, "missing.pdf")
	}
	f.mgr.emitter = ark.EmitterFunc(func(_ string, payload any) {
		if p, ok := payload.(ScanProgress); ok && !p.Done {
			f.mgr.CancelScan()
		}
	})

	summary, err := f.mgr.Scan(context.Background(), "hh1")
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, scanProgressEvery, summary.Scanned)

	f.mgr.emitter = ark.NopEmitter{}
	summary, err = f.mgr.Scan(context.Background(), "hh1")
	require.NoError(t, err)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, 150, summary.Missing)
}
