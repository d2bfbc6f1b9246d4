package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"arklowdun/internal/fs"
)

// SidecarSuffixes are the SQLite files that travel with a database file.
var SidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// renameFunc is swapped out in tests to simulate rename failures.
var renameFunc = os.Rename

// SwapDatabase replaces live with replacement, moving the previous live file
// (and any sidecars) to archive. If archiving a sidecar or installing the
// replacement fails, everything already moved is put back.
func SwapDatabase(live, replacement, archive string) error {
	if err := fs.SyncDir(filepath.Dir(replacement)); err != nil {
		return fmt.Errorf("syncing %s: %w", filepath.Dir(replacement), err)
	}
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	if err := renameFunc(live, archive); err != nil {
		return fmt.Errorf("archiving live database: %w", err)
	}
	moved := []string{""}
	for _, suffix := range SidecarSuffixes {
		if _, err := os.Stat(live + suffix); err != nil {
			continue
		}
		if err := renameFunc(live+suffix, archive+suffix); err != nil {
			return restoreArchive(live, archive, moved, fmt.Errorf("archiving %s sidecar: %w", suffix, err))
		}
		moved = append(moved, suffix)
	}

	if err := renameFunc(replacement, live); err != nil {
		return restoreArchive(live, archive, moved, fmt.Errorf("installing replacement: %w", err))
	}

	if err := fs.SyncDir(filepath.Dir(live)); err != nil {
		return fmt.Errorf("syncing %s: %w", filepath.Dir(live), err)
	}
	if filepath.Dir(archive) != filepath.Dir(live) {
		if err := fs.SyncDir(filepath.Dir(archive)); err != nil {
			return fmt.Errorf("syncing %s: %w", filepath.Dir(archive), err)
		}
	}
	return nil
}

// restoreArchive moves the archived main file and the sidecars listed in
// moved ("" is the main file) back to live, then returns cause.
func restoreArchive(live, archive string, moved []string, cause error) error {
	var failed []string
	for _, suffix := range moved {
		if err := renameFunc(archive+suffix, live+suffix); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", archive+suffix, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w (restore failed: %s)", cause, strings.Join(failed, "; "))
	}
	return cause
}
