// Package bundle exports the store and vault into a portable directory and
// imports such bundles back, planning every change before applying it.
package bundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"arklowdun/internal/ark"
	"arklowdun/internal/vault"
)

// Bundle layout.
const (
	ManifestName            = "manifest.json"
	DataDir                 = "data"
	AttachmentsDir          = "attachments"
	AttachmentsManifestName = "attachments_manifest.txt"
	AttachmentsDBManifest   = "attachments_db_manifest.txt"
	VerifyShName            = "verify.sh"
	VerifyPs1Name           = "verify.ps1"

	missingMarker = "MISSING"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TableEntry describes one data file.
type TableEntry struct {
	Count  int64  `json:"count" validate:"gte=0"`
	SHA256 string `json:"sha256" validate:"required,len=64,hexadecimal"`
}

// AttachmentsEntry summarises the copied attachments.
type AttachmentsEntry struct {
	TotalCount     int64  `json:"totalCount" validate:"gte=0"`
	TotalBytes     int64  `json:"totalBytes" validate:"gte=0"`
	SHA256Manifest string `json:"sha256Manifest" validate:"required,len=64,hexadecimal"`
}

// Manifest is manifest.json at the bundle root.
type Manifest struct {
	AppVersion    string                `json:"appVersion" validate:"required"`
	SchemaVersion string                `json:"schemaVersion" validate:"required"`
	CreatedAt     string                `json:"createdAt" validate:"required"`
	Tables        map[string]TableEntry `json:"tables" validate:"required,dive"`
	Attachments   AttachmentsEntry      `json:"attachments"`
}

// AttachmentFile is one line of attachments_manifest.txt.
type AttachmentFile struct {
	RelPath string
	SHA256  string
}

// Bundle is a loaded bundle directory.
type Bundle struct {
	Dir         string
	Manifest    Manifest
	Attachments []AttachmentFile
}

// DataPath returns the jsonl file of a logical table.
func (b *Bundle) DataPath(logical string) string {
	return filepath.Join(b.Dir, DataDir, logical+".jsonl")
}

// AttachmentPath returns the bundled copy of relpath.
func (b *Bundle) AttachmentPath(relpath string) string {
	return filepath.Join(b.Dir, AttachmentsDir, filepath.FromSlash(relpath))
}

// Tables returns the bundle's logical tables in import order.
func (b *Bundle) Tables() []string {
	names := make([]string, 0, len(b.Manifest.Tables))
	for name := range b.Manifest.Tables {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		ri, rj := tableRank(names[i]), tableRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// Load reads and structurally validates a bundle directory.
func Load(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBundleInvalid, "bundle manifest is unreadable").With("path", dir)
	}
	b := &Bundle{Dir: dir}
	if err := json.Unmarshal(data, &b.Manifest); err != nil {
		return nil, ark.Wrap(err, ark.CodeBundleInvalid, "bundle manifest is not valid JSON")
	}
	if err := validate.Struct(b.Manifest); err != nil {
		return nil, ark.Wrap(err, ark.CodeBundleInvalid, "bundle manifest is incomplete")
	}
	for name := range b.Manifest.Tables {
		if _, ok := LookupTable(name); !ok {
			return nil, ark.Newf(ark.CodeExecUnknownTable, "bundle contains unknown table %q", name).With("table", name)
		}
	}

	b.Attachments, err = readAttachmentsManifest(filepath.Join(dir, AttachmentsManifestName))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func readAttachmentsManifest(path string) ([]AttachmentFile, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeBundleInvalid, "attachments manifest is unreadable")
	}
	defer f.Close()

	var out []AttachmentFile
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		rel, sum, ok := strings.Cut(text, "\t")
		if !ok || len(sum) != 64 {
			return nil, ark.Newf(ark.CodeBundleInvalid, "attachments manifest line %d is malformed", line)
		}
		clean, err := vault.NormalizeRelative(rel)
		if err != nil || clean != rel {
			return nil, ark.Newf(ark.CodeAttachmentPathTraversal, "attachments manifest line %d has an unsafe path", line).
				With("path_hash", ark.HashPath(rel))
		}
		out = append(out, AttachmentFile{RelPath: rel, SHA256: sum})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading attachments manifest: %w", err)
	}
	return out, nil
}

// readRows streams a jsonl file, calling fn for each decoded row. Numbers
// decode as json.Number so integers round-trip exactly.
func readRows(path string, fn func(line int, row map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return ark.Wrap(err, ark.CodeBundleInvalid, "data file is unreadable").With("path", filepath.Base(path))
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return ark.Wrap(err, ark.CodeBundleInvalid, "data file row is not a JSON object").
				With("path", filepath.Base(path)).With("line", line)
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return nil
}

// int64Of reads an integer field decoded by readRows or the store.
func int64Of(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case int:
		return int64(x), true
	}
	return 0, false
}
