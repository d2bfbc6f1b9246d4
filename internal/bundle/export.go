package bundle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"arklowdun/internal/ark"
	"arklowdun/internal/config"
	"arklowdun/internal/database"
	arkfs "arklowdun/internal/fs"
	"arklowdun/internal/vault"
)

const (
	exportDirLayout   = "20060102-150405"
	exportAttempts    = 100
	exportBaseReserve = 5 * config.MB
)

// ExportOptions configures an Exporter.
type ExportOptions struct {
	AppVersion          string
	IncludeDomainTables bool
	FakeFreeBytes       *uint64
	Clock               ark.Clock
	Logger              ark.Logger
}

// ExportResult describes a written bundle.
type ExportResult struct {
	Directory          string   `json:"directory"`
	Manifest           Manifest `json:"manifest"`
	MissingAttachments int      `json:"missing_attachments"`
	ElapsedMS          int64    `json:"elapsed_ms"`
}

// Exporter writes bundles.
type Exporter struct {
	store *database.Store
	vault *vault.Vault
	opts  ExportOptions
}

// NewExporter creates an Exporter.
func NewExporter(store *database.Store, v *vault.Vault, opts ExportOptions) *Exporter {
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	return &Exporter{store: store, vault: v, opts: opts}
}

// RequiredExportBytes is the free space an export of attachmentBytes needs.
func RequiredExportBytes(attachmentBytes int64) int64 {
	return (attachmentBytes + exportBaseReserve) * 11 / 10
}

// Export writes a new bundle directory under outParent.
func (e *Exporter) Export(ctx context.Context, outParent string) (*ExportResult, error) {
	start := e.opts.Clock.Now()
	if err := os.MkdirAll(outParent, 0o755); err != nil {
		return nil, fmt.Errorf("creating export parent: %w", err)
	}

	attachBytes, err := arkfs.DirSize(e.vault.Root())
	if err != nil {
		return nil, err
	}
	required := RequiredExportBytes(attachBytes)
	available, err := e.available(outParent)
	if err != nil {
		return nil, err
	}
	if available < uint64(required) {
		return nil, ark.Newf(ark.CodeExportLowDisk, "not enough free space to export; need ~%s", humanize.IBytes(uint64(required))).
			With("required_bytes", required).With("available_bytes", available)
	}

	dir, err := arkfs.AllocateDir(outParent, "export-"+start.UTC().Format(exportDirLayout), exportAttempts)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeExportNameCollision, "could not allocate an export directory")
	}
	result, err := e.write(ctx, dir, start)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	result.ElapsedMS = e.opts.Clock.Now().Sub(start).Milliseconds()
	e.opts.Logger.Info("export written", "directory", dir, "tables", len(result.Manifest.Tables),
		"attachments", result.Manifest.Attachments.TotalCount)
	return result, nil
}

func (e *Exporter) available(dir string) (uint64, error) {
	if e.opts.FakeFreeBytes != nil {
		return *e.opts.FakeFreeBytes, nil
	}
	return arkfs.AvailableBytesAt(dir)
}

func (e *Exporter) write(ctx context.Context, dir string, start time.Time) (*ExportResult, error) {
	for _, sub := range []string{DataDir, AttachmentsDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}

	version, err := e.schemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	manifest := Manifest{
		AppVersion:    e.opts.AppVersion,
		SchemaVersion: version,
		CreatedAt:     start.UTC().Format(time.RFC3339),
		Tables:        make(map[string]TableEntry),
	}

	for _, t := range ExportTables(e.opts.IncludeDomainTables) {
		entry, err := e.writeTable(ctx, dir, t)
		if err != nil {
			return nil, err
		}
		manifest.Tables[t.Logical] = *entry
	}

	attachments, missing, err := e.copyAttachments(ctx, dir)
	if err != nil {
		return nil, err
	}
	manifest.Attachments = *attachments

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := arkfs.WriteFileAtomic(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return nil, err
	}
	if err := writeVerifyScripts(dir, manifest); err != nil {
		return nil, err
	}
	return &ExportResult{Directory: dir, Manifest: manifest, MissingAttachments: missing}, nil
}

// schemaVersion prefers the migration version and falls back to the schema
// hash.
func (e *Exporter) schemaVersion(ctx context.Context) (string, error) {
	if v, err := e.store.SchemaVersion(); err == nil && v != "0" {
		return v, nil
	}
	return e.store.SchemaHash(ctx)
}

func (e *Exporter) writeTable(ctx context.Context, dir string, t TableDef) (*TableEntry, error) {
	query := fmt.Sprintf("SELECT * FROM %s", ark.QuoteIdent(t.Physical))
	if t.SoftDelete {
		query += " WHERE deleted_at IS NULL"
	}
	query += " ORDER BY " + strings.Join(t.Key, ", ")

	rows, err := e.store.X().QueryxContext(ctx, query)
	if err != nil {
		return nil, ark.Generic(err, "export").With("table", t.Physical)
	}
	defer rows.Close()

	path := filepath.Join(dir, DataDir, t.Logical+".jsonl")
	var count int64
	err = arkfs.WriteAtomic(path, 0o644, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			line, err := json.Marshal(row)
			if err != nil {
				return err
			}
			bw.Write(line)
			bw.WriteByte('\n')
			count++
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", t.Logical, err)
	}
	sum, _, err := arkfs.HashFile(path)
	if err != nil {
		return nil, err
	}
	return &TableEntry{Count: count, SHA256: sum}, nil
}

// copyAttachments copies every referenced vault file into the bundle and
// writes both attachment manifests.
func (e *Exporter) copyAttachments(ctx context.Context, dir string) (*AttachmentsEntry, int, error) {
	refs, err := liveRefs(ctx, e.store)
	if err != nil {
		return nil, 0, err
	}
	paths := make([]string, 0, len(refs))
	for rel := range refs {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var copied, dbLines []string
	entry := &AttachmentsEntry{}
	missing := 0
	yield := ark.NewYielder()
	for _, rel := range paths {
		if err := yield.Tick(ctx); err != nil {
			return nil, 0, err
		}
		src := filepath.Join(e.vault.Root(), filepath.FromSlash(rel))
		if _, err := arkfs.StatRegular(src); err != nil {
			missing++
			dbLines = append(dbLines, rel+"\t"+missingMarker)
			continue
		}
		sum, n, err := arkfs.CopyFile(src, filepath.Join(dir, AttachmentsDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, 0, err
		}
		copied = append(copied, rel+"\t"+sum)
		dbLines = append(dbLines, rel+"\t"+sum)
		entry.TotalCount++
		entry.TotalBytes += n
	}

	manifestPath := filepath.Join(dir, AttachmentsManifestName)
	if err := arkfs.WriteFileAtomic(manifestPath, []byte(joinLines(copied)), 0o644); err != nil {
		return nil, 0, err
	}
	if err := arkfs.WriteFileAtomic(filepath.Join(dir, AttachmentsDBManifest), []byte(joinLines(dbLines)), 0o644); err != nil {
		return nil, 0, err
	}
	entry.SHA256Manifest, _, err = arkfs.HashFile(manifestPath)
	if err != nil {
		return nil, 0, err
	}
	if missing > 0 {
		e.opts.Logger.Warn("export skipped missing attachments", "missing", missing)
	}
	return entry, missing, nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
