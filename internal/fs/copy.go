package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyBlockSize is the streaming block size for copies and hashing.
const CopyBlockSize = 128 * 1024

// HashFile returns the hex SHA-256 and size of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, CopyBlockSize))
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CopyFile copies src to dst in 128 KiB blocks, hashing as it goes. The
// destination is written through a .partial file, fsynced and renamed, and
// its modification time is set to the source's. Parent directories of dst
// are created as needed.
func CopyFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating parent of %s: %w", dst, err)
	}

	h := sha256.New()
	var written int64
	err = WriteAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		n, err := io.CopyBuffer(io.MultiWriter(w, h), in, make([]byte, CopyBlockSize))
		written = n
		return err
	})
	if err != nil {
		return "", 0, err
	}
	if written != info.Size() {
		return "", 0, fmt.Errorf("size mismatch copying %s: expected %d bytes, got %d", src, info.Size(), written)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return "", 0, fmt.Errorf("preserving mtime on %s: %w", dst, err)
	}
	return hex.EncodeToString(h.Sum(nil)), written, nil
}
