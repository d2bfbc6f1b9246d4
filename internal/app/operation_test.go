package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"arklowdun/internal/ark"
	"arklowdun/internal/reports"
)

var opStart = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func TestOperation_Input(t *testing.T) {
	tests := []struct {
		name       string
		partial    bool
		err        error
		wantStatus reports.Status
		wantErrs   int
	}{
		{name: "success", wantStatus: reports.StatusSuccess},
		{name: "failed", err: ark.New(ark.CodeBackupLowDisk, "low disk"), wantStatus: reports.StatusFailed, wantErrs: 1},
		{name: "partial", partial: true, wantStatus: reports.StatusPartial, wantErrs: 1},
		{name: "failure wins over partial", partial: true, err: errors.New("boom"), wantStatus: reports.StatusFailed, wantErrs: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(reports.KindBackup, "op-1", opStart)
			if tt.partial {
				op.MarkPartial(reports.ErrorItem{Code: "SOME/WARNING", Message: "kept aside"})
			}
			in := op.Input(opStart.Add(time.Second), map[string]any{"k": 1}, tt.err)

			assert.Equal(t, reports.KindBackup, in.Kind)
			assert.Equal(t, "op-1", in.OpID)
			assert.Equal(t, tt.wantStatus, in.Status)
			assert.Len(t, in.Errors, tt.wantErrs)
			assert.Equal(t, opStart.Add(time.Second), in.FinishedAt)
		})
	}
}

func TestOperation_InputKeepsErrorCode(t *testing.T) {
	op := NewOperation(reports.KindImport, "op-2", opStart)
	in := op.Input(opStart, nil, ark.New(ark.CodeDBUnhealthy, "unhealthy"))
	assert.Equal(t, ark.CodeDBUnhealthy, in.Errors[0].Code)
}

func TestOperation_InputClampsFinish(t *testing.T) {
	op := NewOperation(reports.KindExport, "op-3", opStart)
	in := op.Input(opStart.Add(-time.Minute), nil, nil)
	assert.Equal(t, opStart, in.FinishedAt)
}
