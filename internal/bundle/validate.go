package bundle

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/mod/semver"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	arkfs "arklowdun/internal/fs"
)

// ValidateOptions configures pre-import validation.
type ValidateOptions struct {
	MinimumAppVersion string
	// TargetDir is where imported data lands; free space is measured there.
	TargetDir     string
	FakeFreeBytes *uint64
}

// CanonicalSchemaVersion strips anything after the leading version digits:
// "20240101000000.up.sql" and "20240101000000_baseline" both become
// "20240101000000". Values without leading digits (schema hashes) are
// lower-cased.
func CanonicalSchemaVersion(v string) string {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end > 0 {
		return v[:end]
	}
	return strings.ToLower(v)
}

func semverOf(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Validate checks a loaded bundle against the live store before anything is
// planned or written.
func Validate(ctx context.Context, store *database.Store, b *Bundle, opts ValidateOptions) error {
	live, err := store.SchemaVersion()
	if err != nil || live == "0" {
		if live, err = store.SchemaHash(ctx); err != nil {
			return err
		}
	}
	if CanonicalSchemaVersion(b.Manifest.SchemaVersion) != CanonicalSchemaVersion(live) {
		return ark.Newf(ark.CodeSchemaVersionMismatch, "bundle schema %s does not match this database (%s)",
			b.Manifest.SchemaVersion, live).
			With("bundle_schema_version", b.Manifest.SchemaVersion).With("live_schema_version", live)
	}

	if opts.MinimumAppVersion != "" {
		bv, minimum := semverOf(b.Manifest.AppVersion), semverOf(opts.MinimumAppVersion)
		if !semver.IsValid(bv) || semver.Compare(bv, minimum) < 0 {
			return ark.Newf(ark.CodeAppVersionTooOld, "bundle was written by version %s; at least %s is required",
				b.Manifest.AppVersion, opts.MinimumAppVersion).
				With("bundle_app_version", b.Manifest.AppVersion).With("minimum_app_version", opts.MinimumAppVersion)
		}
	}

	size, err := arkfs.DirSize(b.Dir)
	if err != nil {
		return err
	}
	var available uint64
	if opts.FakeFreeBytes != nil {
		available = *opts.FakeFreeBytes
	} else if available, err = arkfs.AvailableBytesAt(opts.TargetDir); err != nil {
		return err
	}
	if available < uint64(size) {
		return ark.Newf(ark.CodeInsufficientDisk, "not enough free space to import; need ~%s", humanize.IBytes(uint64(size))).
			With("required_bytes", size).With("available_bytes", available)
	}

	for _, name := range b.Tables() {
		want := b.Manifest.Tables[name].SHA256
		got, _, err := arkfs.HashFile(b.DataPath(name))
		if err != nil {
			return ark.Wrap(err, ark.CodeDataFileHashMismatch, "data file is missing").With("table", name)
		}
		if got != want {
			return ark.Newf(ark.CodeDataFileHashMismatch, "data file %s.jsonl does not match its manifest digest", name).
				With("table", name).With("expected", want).With("actual", got)
		}
	}

	for _, a := range b.Attachments {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, _, err := arkfs.HashFile(b.AttachmentPath(a.RelPath))
		if err != nil || got != a.SHA256 {
			return ark.New(ark.CodeValAttachmentHashMismatch, "bundled attachment does not match its manifest digest").
				With("path_hash", ark.HashPath(a.RelPath))
		}
	}

	manifestPath := filepath.Join(b.Dir, AttachmentsManifestName)
	if _, err := os.Stat(manifestPath); err == nil || b.Manifest.Attachments.TotalCount > 0 {
		got, _, err := arkfs.HashFile(manifestPath)
		if err != nil || got != b.Manifest.Attachments.SHA256Manifest {
			return ark.New(ark.CodeAttachmentsManifestHash, "attachments manifest does not match its digest")
		}
	}
	return nil
}
