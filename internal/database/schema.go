package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"

	"arklowdun/internal/database/migrations"
)

type schemaEntry struct {
	Type    string         `db:"type"`
	Name    string         `db:"name"`
	TblName string         `db:"tbl_name"`
	SQL     sql.NullString `db:"sql"`
}

// SchemaHash digests the schema catalog: (type, name, tbl_name, sql) tuples
// ordered by (type, name), fields separated by NUL bytes.
func SchemaHash(ctx context.Context, q sqlx.QueryerContext) (string, error) {
	var entries []schemaEntry
	if err := sqlx.SelectContext(ctx, q, &entries,
		`SELECT type, name, tbl_name, sql FROM sqlite_master ORDER BY type, name`); err != nil {
		return "", fmt.Errorf("reading schema catalog: %w", err)
	}

	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.Type))
		h.Write([]byte{0})
		h.Write([]byte(e.Name))
		h.Write([]byte{0})
		h.Write([]byte(e.TblName))
		h.Write([]byte{0})
		h.Write([]byte(e.SQL.String))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SchemaHash digests the live store's schema.
func (s *Store) SchemaHash(ctx context.Context) (string, error) {
	return SchemaHash(ctx, s.db)
}

// SchemaVersion returns the applied migration version as a decimal string.
func SchemaVersion(db *sql.DB) (string, error) {
	version, dirty, err := migrations.CurrentVersion(db)
	if err != nil {
		return "", err
	}
	if dirty {
		return "", fmt.Errorf("schema version %d is dirty", version)
	}
	return fmt.Sprintf("%d", version), nil
}

// SchemaVersion returns the live store's applied migration version.
func (s *Store) SchemaVersion() (string, error) {
	return SchemaVersion(s.db.DB)
}
