package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestSwapDatabase(t *testing.T) {
	t.Run("installs replacement and archives live with sidecars", func(t *testing.T) {
		dir := t.TempDir()
		live := filepath.Join(dir, "arklowdun.sqlite3")
		repl := filepath.Join(dir, "repair-new-01.sqlite3")
		archive := filepath.Join(dir, "backups", "pre", "arklowdun.sqlite3")
		writeTestFile(t, live, "old")
		writeTestFile(t, live+"-wal", "wal")
		writeTestFile(t, repl, "new")

		if err := SwapDatabase(live, repl, archive); err != nil {
			t.Fatalf("SwapDatabase() error = %v", err)
		}
		if got := readTestFile(t, live); got != "new" {
			t.Errorf("live = %q, want new", got)
		}
		if got := readTestFile(t, archive); got != "old" {
			t.Errorf("archive = %q, want old", got)
		}
		if got := readTestFile(t, archive+"-wal"); got != "wal" {
			t.Errorf("archived wal = %q, want wal", got)
		}
		if _, err := os.Stat(live + "-wal"); !os.IsNotExist(err) {
			t.Errorf("stale wal left next to live file: %v", err)
		}
	})

	t.Run("restores live when installing fails", func(t *testing.T) {
		dir := t.TempDir()
		live := filepath.Join(dir, "arklowdun.sqlite3")
		repl := filepath.Join(dir, "new.sqlite3")
		archive := filepath.Join(dir, "archive.sqlite3")
		writeTestFile(t, live, "old")
		writeTestFile(t, repl, "new")

		orig := renameFunc
		t.Cleanup(func() { renameFunc = orig })
		renameFunc = func(from, to string) error {
			if from == repl {
				return errors.New("injected failure")
			}
			return orig(from, to)
		}

		if err := SwapDatabase(live, repl, archive); err == nil {
			t.Fatal("SwapDatabase() succeeded, want error")
		}
		if got := readTestFile(t, live); got != "old" {
			t.Errorf("live = %q, want old after rollback", got)
		}
		if _, err := os.Stat(archive); !os.IsNotExist(err) {
			t.Errorf("archive still present after rollback: %v", err)
		}
	})

	t.Run("restores live and moved sidecars when a sidecar cannot be archived", func(t *testing.T) {
		dir := t.TempDir()
		live := filepath.Join(dir, "arklowdun.sqlite3")
		repl := filepath.Join(dir, "new.sqlite3")
		archive := filepath.Join(dir, "backups", "pre", "arklowdun.sqlite3")
		writeTestFile(t, live, "old")
		writeTestFile(t, live+"-wal", "wal")
		writeTestFile(t, live+"-shm", "shm")
		writeTestFile(t, repl, "new")

		orig := renameFunc
		t.Cleanup(func() { renameFunc = orig })
		renameFunc = func(from, to string) error {
			if from == live+"-shm" {
				return errors.New("injected failure")
			}
			return orig(from, to)
		}

		if err := SwapDatabase(live, repl, archive); err == nil {
			t.Fatal("SwapDatabase() succeeded, want error")
		}
		if got := readTestFile(t, live); got != "old" {
			t.Errorf("live = %q, want old after rollback", got)
		}
		if got := readTestFile(t, live+"-wal"); got != "wal" {
			t.Errorf("live wal = %q, want wal after rollback", got)
		}
		if got := readTestFile(t, live+"-shm"); got != "shm" {
			t.Errorf("live shm = %q, want shm", got)
		}
		if got := readTestFile(t, repl); got != "new" {
			t.Errorf("replacement = %q, want untouched", got)
		}
		for _, p := range []string{archive, archive + "-wal", archive + "-shm"} {
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				t.Errorf("%s still present after rollback: %v", p, err)
			}
		}
	})
}
