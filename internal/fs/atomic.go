package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// PartialSuffix marks files that are still being written.
const PartialSuffix = ".partial"

// SyncDir fsyncs a directory so renames and creations inside it are durable.
// Windows cannot open directories for sync; it is a no-op there.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

// SyncFile fsyncs an existing file.
func SyncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening file for sync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes data to <path>.partial, fsyncs it, renames it over
// path and fsyncs the parent directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteAtomic is WriteFileAtomic for streamed content.
func WriteAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	partial := path + PartialSuffix

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", partial, err)
	}

	// Clean up the partial file on failure
	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(partial)
		}
	}()

	if err := write(f); err != nil {
		return fmt.Errorf("writing %s: %w", partial, err)
	}
	if err := f.Chmod(perm); err != nil && runtime.GOOS != "windows" {
		return fmt.Errorf("setting mode on %s: %w", partial, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", partial, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", partial, err)
	}
	if err := os.Rename(partial, path); err != nil {
		return fmt.Errorf("renaming %s: %w", partial, err)
	}
	success = true

	return SyncDir(dir)
}
