package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// OnlineBackup copies the database at srcPath into destPath using the SQLite
// online backup API, stepping until the copy completes. The source stays
// readable and writable by other connections throughout.
func OnlineBackup(ctx context.Context, srcPath, destPath string) error {
	src, err := Open(srcPath, OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := sql.Open(DriverName, DSN(destPath, OpenOptions{}))
	if err != nil {
		return fmt.Errorf("opening backup target: %w", err)
	}
	defer dest.Close()

	srcConn, err := src.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring source connection: %w", err)
	}
	defer srcConn.Close()
	destConn, err := dest.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring target connection: %w", err)
	}
	defer destConn.Close()

	return destConn.Raw(func(destDriver any) error {
		return srcConn.Raw(func(srcDriver any) error {
			d, ok := destDriver.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", destDriver)
			}
			s, ok := srcDriver.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", srcDriver)
			}

			bk, err := d.Backup("main", s, "main")
			if err != nil {
				return fmt.Errorf("starting backup: %w", err)
			}
			for {
				if err := ctx.Err(); err != nil {
					bk.Finish()
					return err
				}
				done, err := bk.Step(-1)
				if err != nil {
					bk.Finish()
					return fmt.Errorf("backup step: %w", err)
				}
				if done {
					break
				}
			}
			if err := bk.Finish(); err != nil {
				return fmt.Errorf("finishing backup: %w", err)
			}
			return nil
		})
	})
}

// FinalizeSnapshot checkpoints a snapshot file passively and switches it to
// rollback-journal mode so it is a single self-contained file.
func FinalizeSnapshot(ctx context.Context, path string) error {
	db, err := Open(path, OpenOptions{BusyTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("checkpointing snapshot: %w", err)
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=DELETE").Scan(&mode); err != nil {
		return fmt.Errorf("switching snapshot journal mode: %w", err)
	}
	return nil
}
