//go:build !arkdebug

package database_test

import (
	"context"
	"testing"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
)

func TestCheckBackfill_overrideIgnoredInRelease(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh", "")
	testutil.MustCreate(t, store, "events", database.Row{"household_id": "hh", "title": "a"})

	err := store.CheckBackfill(ctx, database.GuardOptions{SkipBackfillGuard: true})
	if !ark.IsCode(err, ark.CodeBackfillGuard) {
		t.Errorf("CheckBackfill() error = %v, want %s", err, ark.CodeBackfillGuard)
	}
}
