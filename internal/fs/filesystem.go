package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sentinel errors returned by StatRegular.
var (
	ErrNotExist    = errors.New("path does not exist")
	ErrIsDirectory = errors.New("path is a directory")
	ErrSymlink     = errors.New("symlinks not supported")
	ErrSpecial     = errors.New("special files not supported")
	ErrCollision   = errors.New("could not allocate a unique name")
)

// StatRegular lstat's path and returns its info only when it is a regular file.
func StatRegular(path string) (fs.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return nil, fmt.Errorf("%s: %w", path, ErrSymlink)
	case mode.IsDir():
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	case mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0:
		return nil, fmt.Errorf("%s: %w", path, ErrSpecial)
	}
	return info, nil
}

// Exists reports whether anything (including a dangling symlink) lives at path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// AllocateDir creates a fresh directory <parent>/<base>, or
// <parent>/<base>-NN when the plain name is taken, trying at most attempts
// suffixes. The parent directory is fsynced after creation.
func AllocateDir(parent, base string, attempts int) (string, error) {
	for i := 0; i <= attempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%02d", base, i)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			if err := SyncDir(parent); err != nil {
				return "", err
			}
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("%s in %s: %w", base, parent, ErrCollision)
}

// DirSize sums the sizes of regular files under root. A missing root is empty.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", root, err)
	}
	return total, nil
}

// HasPrefix reports whether path lies at or below root. Comparison is
// case-insensitive on Windows and case-sensitive elsewhere.
func HasPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// AvailableBytesAt is AvailableBytes for the nearest existing ancestor of path.
func AvailableBytesAt(path string) (uint64, error) {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return AvailableBytes(p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return 0, fmt.Errorf("no existing ancestor of %s", path)
		}
		p = parent
	}
}
