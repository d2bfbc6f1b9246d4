package database_test

import (
	"context"
	"testing"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/testutil"
)

func TestStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id and timestamps", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")

		row, err := store.Create(ctx, "events", database.Row{
			"household_id": "hh",
			"title":        "Dentist",
			"start_at_utc": 1000,
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if row.String("id") == "" {
			t.Error("Create() did not assign an id")
		}
		created, _ := row.Int("created_at")
		updated, _ := row.Int("updated_at")
		if created == 0 || updated == 0 {
			t.Errorf("Create() timestamps = (%d, %d), want non-zero", created, updated)
		}

		got, err := store.Get(ctx, "events", "hh", row.String("id"))
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.String("title") != "Dentist" {
			t.Errorf("Get() title = %q, want %q", got.String("title"), "Dentist")
		}
	})

	t.Run("keeps caller created_at and overwrites updated_at", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")

		row, err := store.Create(ctx, "notes", database.Row{
			"household_id": "hh",
			"text":         "milk",
			"created_at":   42,
			"updated_at":   42,
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if n, _ := row.Int("created_at"); n != 42 {
			t.Errorf("created_at = %d, want 42", n)
		}
		if n, _ := row.Int("updated_at"); n == 42 {
			t.Error("updated_at was not overwritten")
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")

		_, err := store.Create(ctx, "events", database.Row{"household_id": "hh"})
		if !ark.IsCode(err, ark.CodeMissingField) {
			t.Fatalf("Create() error = %v, want %s", err, ark.CodeMissingField)
		}
	})

	t.Run("rejects unknown columns and tables", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")

		_, err := store.Create(ctx, "events", database.Row{"household_id": "hh", "title": "x", "bogus": 1})
		if !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("unknown column error = %v, want %s", err, ark.CodeInvalidInput)
		}
		_, err = store.Create(ctx, "sqlite_master", database.Row{"name": "x"})
		if !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("unknown table error = %v, want %s", err, ark.CodeInvalidInput)
		}
	})

	t.Run("binds booleans as integers", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")

		row := testutil.MustCreate(t, store, "shopping_items", database.Row{
			"household_id": "hh",
			"text":         "bread",
			"completed":    true,
		})
		got, err := store.Get(ctx, "shopping_items", "hh", row.String("id"))
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if n, _ := got.Int("completed"); n != 1 {
			t.Errorf("completed = %v, want 1", got["completed"])
		}
	})
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh", "")
	testutil.SeedHousehold(t, store, "other", "")

	for i, name := range []string{"c", "a", "b"} {
		testutil.MustCreate(t, store, "vehicles", database.Row{
			"household_id": "hh", "name": name, "position": i,
		})
	}
	testutil.MustCreate(t, store, "vehicles", database.Row{"household_id": "other", "name": "z"})

	t.Run("scopes by household in default order", func(t *testing.T) {
		rows, err := store.List(ctx, "vehicles", "hh", database.ListOptions{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("List() returned %d rows, want 3", len(rows))
		}
		if rows[0].String("name") != "c" {
			t.Errorf("first row = %q, want %q", rows[0].String("name"), "c")
		}
	})

	t.Run("custom order with limit and offset", func(t *testing.T) {
		rows, err := store.List(ctx, "vehicles", "hh", database.ListOptions{OrderBy: "name DESC", Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 1 || rows[0].String("name") != "b" {
			t.Errorf("List() = %v, want single row b", rows)
		}
	})

	t.Run("rejects unknown order column", func(t *testing.T) {
		_, err := store.List(ctx, "vehicles", "hh", database.ListOptions{OrderBy: "name; DROP TABLE vehicles"})
		if !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("List() error = %v, want %s", err, ark.CodeInvalidInput)
		}
	})
}

func TestStore_DeleteRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("soft delete hides and restore revives", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")
		row := testutil.MustCreate(t, store, "bills", database.Row{"household_id": "hh", "amount": 10})
		id := row.String("id")

		if err := store.Delete(ctx, "bills", "hh", id); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Get(ctx, "bills", "hh", id); !ark.IsCode(err, ark.CodeNotFound) {
			t.Errorf("Get() after delete error = %v, want %s", err, ark.CodeNotFound)
		}
		rows, err := store.List(ctx, "bills", "hh", database.ListOptions{IncludeDeleted: true})
		if err != nil || len(rows) != 1 {
			t.Fatalf("List(IncludeDeleted) = %d rows, %v", len(rows), err)
		}

		if err := store.Restore(ctx, "bills", "hh", id); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if _, err := store.Get(ctx, "bills", "hh", id); err != nil {
			t.Errorf("Get() after restore error = %v", err)
		}
	})

	t.Run("hard delete tables lose the row", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")
		row := testutil.MustCreate(t, store, "inventory_items", database.Row{"household_id": "hh", "name": "drill"})

		if err := store.Delete(ctx, "inventory_items", "hh", row.String("id")); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		rows, err := store.Query(ctx, "SELECT COUNT(*) AS n FROM inventory_items")
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if n, _ := rows[0].Int("n"); n != 0 {
			t.Errorf("inventory_items count = %d, want 0", n)
		}
		if err := store.Restore(ctx, "inventory_items", "hh", row.String("id")); !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("Restore() error = %v, want %s", err, ark.CodeInvalidInput)
		}
	})

	t.Run("default household cannot be deleted", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.MustCreate(t, store, "household", database.Row{"id": "hh", "name": "Home", "is_default": true})

		if err := store.Delete(ctx, "household", "", "hh"); !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("Delete() error = %v, want %s", err, ark.CodeInvalidInput)
		}
	})

	t.Run("wrong household is not found", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		testutil.SeedHousehold(t, store, "hh", "")
		testutil.SeedHousehold(t, store, "other", "")
		row := testutil.MustCreate(t, store, "pets", database.Row{"household_id": "hh", "name": "Rex"})

		if err := store.Delete(ctx, "pets", "other", row.String("id")); !ark.IsCode(err, ark.CodeNotFound) {
			t.Errorf("Delete() error = %v, want %s", err, ark.CodeNotFound)
		}
	})
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh", "")
	row := testutil.MustCreate(t, store, "pets", database.Row{"household_id": "hh", "name": "Rex"})
	id := row.String("id")

	t.Run("strips id and created_at", func(t *testing.T) {
		err := store.Update(ctx, "pets", id, database.Row{"id": "other", "created_at": 1, "name": "Max"}, "hh")
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		got, err := store.Get(ctx, "pets", "hh", id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.String("name") != "Max" {
			t.Errorf("name = %q, want Max", got.String("name"))
		}
		if n, _ := got.Int("created_at"); n == 1 {
			t.Error("created_at was overwritten")
		}
	})

	t.Run("household table is scoped by id only", func(t *testing.T) {
		if err := store.Update(ctx, "household", "hh", database.Row{"name": "Renamed"}, ""); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		got, err := store.Get(ctx, "household", "", "hh")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.String("name") != "Renamed" {
			t.Errorf("name = %q, want Renamed", got.String("name"))
		}
	})

	t.Run("rejects a foreign household_id", func(t *testing.T) {
		err := store.Update(ctx, "pets", id, database.Row{"household_id": "elsewhere"}, "hh")
		if !ark.IsCode(err, ark.CodeInvalidInput) {
			t.Errorf("Update() error = %v, want %s", err, ark.CodeInvalidInput)
		}
	})
}

func TestStore_Write(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	testutil.SeedHousehold(t, store, "hh", "")

	err := store.Write(ctx, func(tx *database.Tx) error {
		if _, err := tx.Create(ctx, "pets", database.Row{"household_id": "hh", "name": "A"}); err != nil {
			return err
		}
		return ark.New(ark.CodeGenericFail, "abort")
	})
	if !ark.IsCode(err, ark.CodeGenericFail) {
		t.Fatalf("Write() error = %v, want abort", err)
	}
	rows, err := store.List(ctx, "pets", "hh", database.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rolled back write left %d rows", len(rows))
	}
}

func TestStore_SchemaHash(t *testing.T) {
	ctx := context.Background()
	a := testutil.NewTestStore(t)
	b := testutil.NewTestStore(t)

	ha, err := a.SchemaHash(ctx)
	if err != nil {
		t.Fatalf("SchemaHash() error = %v", err)
	}
	hb, err := b.SchemaHash(ctx)
	if err != nil {
		t.Fatalf("SchemaHash() error = %v", err)
	}
	if ha != hb || len(ha) != 64 {
		t.Errorf("SchemaHash() = %q and %q, want equal 64-char digests", ha, hb)
	}

	if _, err := a.Exec(ctx, "CREATE TABLE extra (id INTEGER)"); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	hc, _ := a.SchemaHash(ctx)
	if hc == ha {
		t.Error("SchemaHash() did not change after DDL")
	}

	version, err := a.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != "20241001000000" {
		t.Errorf("SchemaVersion() = %q, want 20241001000000", version)
	}
}
