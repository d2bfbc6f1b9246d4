package migrations

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{
		"household", "events", "notes", "categories", "bills", "policies",
		"property_documents", "inventory_items", "shopping_items", "vehicles",
		"vehicle_maintenance", "pets", "pet_medical", "family_members",
		"member_attachments", "member_renewals", "files_index", "files_index_meta",
		"note_links", "missing_attachments", "shadow_read_audit", "schema_migrations",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_RefusesNewerSchema(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET version = 29990101000000`); err != nil {
		t.Fatal(err)
	}

	err := MigrateUp(db)
	if !errors.Is(err, ErrNewerSchema) {
		t.Errorf("MigrateUp() error = %v, want ErrNewerSchema", err)
	}
}

func TestMigrateUp_RefusesDirty(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}

	err := MigrateUp(db)
	if err == nil || !strings.Contains(err.Error(), "dirty") {
		t.Errorf("MigrateUp() error = %v, want dirty schema error", err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Fatalf("Second MigrateUp() failed: %v", err)
	}
}

func TestVersions(t *testing.T) {
	db := openTestDB(t)

	latest, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest != 20241001000000 {
		t.Errorf("LatestVersion() = %d, want 20241001000000", latest)
	}

	v, dirty, err := CurrentVersion(db)
	if err != nil || v != 0 || dirty {
		t.Errorf("CurrentVersion() before migrating = %d, %v, %v", v, dirty, err)
	}

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	v, dirty, err = CurrentVersion(db)
	if err != nil || v != latest || dirty {
		t.Errorf("CurrentVersion() after migrating = %d, %v, %v", v, dirty, err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO events (id, household_id, title, start_at_utc, created_at, updated_at)
		VALUES ('evt-1', 'no-such-household', 'Dentist', 0, 0, 0)
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_NoteLinkUnique(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	stmts := []string{
		`INSERT INTO household (id, name, created_at, updated_at) VALUES ('hh-1', 'Home', 0, 0)`,
		`INSERT INTO notes (id, household_id, created_at, updated_at) VALUES ('note-1', 'hh-1', 0, 0)`,
		`INSERT INTO note_links (id, household_id, note_id, entity_type, entity_id, created_at, updated_at)
		 VALUES ('link-1', 'hh-1', 'note-1', 'event', 'evt-1', 0, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	_, err := db.Exec(`INSERT INTO note_links (id, household_id, note_id, entity_type, entity_id, created_at, updated_at)
		VALUES ('link-2', 'hh-1', 'note-1', 'event', 'evt-1', 0, 0)`)
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate link, but insert succeeded")
	}
}

func TestSchema_NoteZNonNegative(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO household (id, name, created_at, updated_at) VALUES ('hh-1', 'Home', 0, 0)`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Exec(`INSERT INTO notes (id, household_id, z, created_at, updated_at) VALUES ('n', 'hh-1', -1, 0, 0)`)
	if err == nil {
		t.Error("Expected CHECK violation for negative z")
	}
}

// openTestDB opens a file-backed SQLite database in a temp dir with foreign keys on.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=1")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}
