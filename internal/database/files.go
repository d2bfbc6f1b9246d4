package database

import (
	"errors"
	"io/fs"
	"os"
)

// FileSize returns the size of path plus its -wal, -shm and -journal sidecars.
func FileSize(path string) (int64, error) {
	var total int64
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func sidecarPaths(path string) []string {
	out := make([]string, len(SidecarSuffixes))
	for i, s := range SidecarSuffixes {
		out[i] = path + s
	}
	return out
}

// RemoveWithSidecars deletes path and any sidecar files.
func RemoveWithSidecars(path string) error {
	var firstErr error
	for _, p := range append([]string{path}, sidecarPaths(path)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
