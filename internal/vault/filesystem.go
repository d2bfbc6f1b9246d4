// Package vault resolves attachment paths inside the category-partitioned
// vault:
//
//	<root>/
//	  <household_id>/
//	    <category>/
//	      <relative_path>
package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"arklowdun/internal/ark"
	arkfs "arklowdun/internal/fs"
)

// Legacy root keys stored on rows written before the vault layout.
const (
	RootKeyAttachments = "attachments"
	RootKeyAppData     = "appData"
)

// Vault is the attachment store rooted at a canonical directory.
type Vault struct {
	root       string
	appDataDir string
}

// New creates the vault root if needed and canonicalises it. appDataDir
// anchors the legacy "appData" root key.
func New(root, appDataDir string) (*Vault, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	return &Vault{root: canonical, appDataDir: appDataDir}, nil
}

// Root returns the canonical vault root.
func (v *Vault) Root() string { return v.root }

// HouseholdRoot returns <root>/<household>.
func (v *Vault) HouseholdRoot(household string) (string, error) {
	if err := validHousehold(household); err != nil {
		return "", err
	}
	return filepath.Join(v.root, household), nil
}

// CategoryRoot returns <root>/<household>/<category>.
func (v *Vault) CategoryRoot(household string, category Category) (string, error) {
	if !category.Valid() {
		return "", ark.Newf(ark.CodeAttachmentsInvalidInput, "unknown attachment category %q", category)
	}
	hh, err := v.HouseholdRoot(household)
	if err != nil {
		return "", err
	}
	return filepath.Join(hh, string(category)), nil
}

func validHousehold(household string) error {
	if household == "" || household == "." || household == ".." ||
		strings.ContainsAny(household, `/\:`) {
		return ark.Newf(ark.CodeAttachmentsInvalidInput, "invalid household id %q", household)
	}
	return nil
}

// NormalizeRelative validates a vault-relative path and returns it in
// canonical form: forward slashes, NFC, no "." segments.
func NormalizeRelative(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", ark.New(ark.CodeAttachmentsInvalidInput, "relative path is empty")
	}
	s := norm.NFC.String(strings.ReplaceAll(rel, `\`, "/"))
	if strings.HasPrefix(s, "/") || filepath.VolumeName(s) != "" || hasDriveLetter(s) {
		return "", ark.New(ark.CodePathOutOfVault, "relative path must not be absolute").With("path", rel)
	}

	var parts []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ark.New(ark.CodePathOutOfVault, "relative path must not contain '..'").With("path", rel)
		}
		if strings.ContainsRune(seg, 0) {
			return "", ark.New(ark.CodeAttachmentsInvalidInput, "relative path contains NUL").With("path", rel)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", ark.New(ark.CodeAttachmentsInvalidInput, "relative path is empty")
	}
	return path.Join(parts...), nil
}

func hasDriveLetter(s string) bool {
	return len(s) >= 2 && s[1] == ':' &&
		((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z'))
}

// Resolve returns the absolute path of rel inside the household's category
// root. The result is guaranteed to lie under that root and no existing
// component of it may be a symlink.
func (v *Vault) Resolve(household string, category Category, rel string) (string, error) {
	root, err := v.CategoryRoot(household, category)
	if err != nil {
		return "", err
	}
	clean, err := NormalizeRelative(rel)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(clean))
	if !arkfs.HasPrefix(full, root) || full == root {
		return "", ark.New(ark.CodePathOutOfVault, "path escapes the vault").With("path", rel)
	}
	if err := rejectSymlinks(v.root, full); err != nil {
		return "", err
	}
	return full, nil
}

// rejectSymlinks lstat's every component of target below base.
func rejectSymlinks(base, target string) error {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ark.Wrap(err, ark.CodePathOutOfVault, "path escapes the vault")
	}
	cur := base
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return ark.Wrap(err, ark.CodeGenericFail, "inspecting vault path")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return ark.New(ark.CodeSymlinkDenied, "symlinks are not allowed in the vault").
				With("path_hash", ark.HashPath(cur))
		}
	}
	return nil
}

// Relative returns the forward-slash path of abs relative to the household's
// category root.
func (v *Vault) Relative(household string, category Category, abs string) (string, error) {
	root, err := v.CategoryRoot(household, category)
	if err != nil {
		return "", err
	}
	if !arkfs.HasPrefix(abs, root) {
		return "", ark.New(ark.CodePathOutOfVault, "path is outside the category root")
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", ark.Wrap(err, ark.CodeRelativeResolveFailed, "computing relative path")
	}
	return NormalizeRelative(filepath.ToSlash(rel))
}

// LegacyPath resolves a pre-vault (root_key, relative_path) pair.
func (v *Vault) LegacyPath(rootKey, rel string) (string, error) {
	var base string
	switch rootKey {
	case RootKeyAttachments:
		base = v.root
	case RootKeyAppData:
		if v.appDataDir == "" {
			return "", ark.New(ark.CodeAttachmentsInvalidRoot, "app data directory is not configured")
		}
		base = v.appDataDir
	default:
		return "", ark.Newf(ark.CodeAttachmentsInvalidRoot, "unknown root key %q", rootKey).With("root_key", rootKey)
	}
	clean, err := NormalizeRelative(rel)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.FromSlash(clean))
	if !arkfs.HasPrefix(full, base) {
		return "", ark.New(ark.CodePathOutOfVault, "path escapes the legacy root").With("path", rel)
	}
	if err := rejectSymlinks(base, full); err != nil {
		return "", err
	}
	return full, nil
}

// Put writes r to rel atomically, creating parents. Returns the absolute
// path.
func (v *Vault) Put(household string, category Category, rel string, r io.Reader) (string, error) {
	dest, err := v.Resolve(household, category, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	err = arkfs.WriteAtomic(dest, 0o644, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return dest, nil
}

// Open opens the attachment at rel for reading.
func (v *Vault) Open(household string, category Category, rel string) (*os.File, error) {
	p, err := v.Resolve(household, category, rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ark.New(ark.CodeFileMissing, "attachment not found").With("path_hash", ark.HashPath(rel))
		}
		return nil, fmt.Errorf("failed to open attachment: %w", err)
	}
	return f, nil
}

// ValidateSetup verifies that the vault root is an accessible directory.
func (v *Vault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	return nil
}
