// Package reports persists structured records of maintenance operations
// under <app_data>/reports.
package reports

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"arklowdun/internal/ark"
	arkfs "arklowdun/internal/fs"
)

//go:embed schema/ops_report.schema.json
var schemaJSON []byte

// SchemaSHA256 digests the report schema shipped with this build.
var SchemaSHA256 = func() string {
	sum := sha256.Sum256(schemaJSON)
	return hex.EncodeToString(sum[:])
}()

const (
	// ReportVersion is written into every report.
	ReportVersion = 1
	// MaxBytes is the serialised size budget of one report.
	MaxBytes = 128 * 1024
	// MaxArrayItems is the per-array cap applied when a report is over budget.
	MaxArrayItems = 100
	// DefaultRetention is how many reports are kept per kind.
	DefaultRetention = 50
)

// Kind names the operation a report describes.
type Kind string

const (
	KindBackup            Kind = "backup"
	KindRepair            Kind = "repair"
	KindHardRepair        Kind = "hard_repair"
	KindExport            Kind = "export"
	KindImport            Kind = "import"
	KindVaultMigration    Kind = "vault_migration"
	KindAttachmentsRepair Kind = "attachments_repair"
)

// requiredDetails lists the detail keys every report of a kind must carry.
var requiredDetails = map[Kind][]string{
	KindBackup:            {"backup_path", "size_bytes"},
	KindRepair:            {"success", "steps"},
	KindHardRepair:        {"outcome", "backup_path"},
	KindExport:            {"export_path", "tables"},
	KindImport:            {"mode", "tables"},
	KindVaultMigration:    {"mode", "counts"},
	KindAttachmentsRepair: {"household_id", "actions"},
}

var denylist = map[string]bool{
	"token":     true,
	"email":     true,
	"note_body": true,
	"username":  true,
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindBackup, KindRepair, KindHardRepair, KindExport, KindImport, KindVaultMigration, KindAttachmentsRepair}
}

// Status is the outcome recorded in a report.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
)

// ErrorItem is one entry of a report's errors array.
type ErrorItem struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorItemFrom converts err into a report error, keeping AppError codes.
func ErrorItemFrom(err error) ErrorItem {
	item := ErrorItem{Code: ark.CodeOf(err), Message: err.Error()}
	var appErr *ark.AppError
	if errors.As(err, &appErr) {
		item.Message = appErr.Message
		if len(appErr.Context) > 0 {
			item.Context = make(map[string]any, len(appErr.Context))
			for k, v := range appErr.Context {
				item.Context[k] = v
			}
		}
	}
	return item
}

// Input describes a finished operation.
type Input struct {
	Kind          Kind
	OpID          string
	StartedAt     time.Time
	FinishedAt    time.Time
	Status        Status
	Details       any
	Errors        []ErrorItem
	CorrelationID string
}

type document struct {
	ReportVersion int            `json:"report_version"`
	SchemaSHA256  string         `json:"schema_sha256"`
	ID            string         `json:"id"`
	OpID          string         `json:"op_id"`
	Operation     Kind           `json:"operation"`
	StartedAt     string         `json:"started_at"`
	FinishedAt    string         `json:"finished_at"`
	ElapsedMS     int64          `json:"elapsed_ms"`
	Status        Status         `json:"status"`
	AppVersion    string         `json:"app_version"`
	SchemaVersion string         `json:"schema_version"`
	HostTZ        string         `json:"host_tz"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details"`
	Errors        []ErrorItem    `json:"errors"`
}

// SchemaVersionFunc resolves the live schema version at write time.
type SchemaVersionFunc func(ctx context.Context) (string, error)

// Options configures a Writer.
type Options struct {
	Root          string
	Retention     int
	AppVersion    string
	SchemaVersion SchemaVersionFunc
	IDs           ark.IDGenerator
	Clock         ark.Clock
	Logger        ark.Logger
}

// Writer persists reports.
type Writer struct {
	opts Options
}

func NewWriter(opts Options) *Writer {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.IDs == nil {
		opts.IDs = ark.UUIDv7Generator{}
	}
	if opts.Clock == nil {
		opts.Clock = ark.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	return &Writer{opts: opts}
}

// Root returns the reports directory.
func (w *Writer) Root() string { return w.opts.Root }

// Persist validates in, writes the report and prunes old reports of the
// same kind. It returns the report path.
func (w *Writer) Persist(ctx context.Context, in Input) (string, error) {
	if _, ok := requiredDetails[in.Kind]; !ok {
		return "", ark.Newf(ark.CodeInvalidInput, "unknown report kind %q", in.Kind)
	}
	if in.FinishedAt.Before(in.StartedAt) {
		return "", ark.New(ark.CodeReportTimestamps, "finished_at is before started_at").
			With("kind", string(in.Kind))
	}

	schemaVersion := "unknown"
	if w.opts.SchemaVersion != nil {
		v, err := w.opts.SchemaVersion(ctx)
		if err != nil {
			return "", ark.Wrap(err, ark.CodeGenericFail, "resolving schema version").With("operation", "persist_report")
		}
		schemaVersion = v
	}

	details, err := validateDetails(in.Kind, in.Details)
	if err != nil {
		return "", err
	}
	if err := validateStatus(in.Status, in.Errors); err != nil {
		return "", err
	}

	id := w.opts.IDs.New()
	opID := in.OpID
	if opID == "" {
		opID = id
	}
	errs := in.Errors
	if errs == nil {
		errs = []ErrorItem{}
	}
	doc := &document{
		ReportVersion: ReportVersion,
		SchemaSHA256:  SchemaSHA256,
		ID:            id,
		OpID:          opID,
		Operation:     in.Kind,
		StartedAt:     in.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt:    in.FinishedAt.UTC().Format(time.RFC3339Nano),
		ElapsedMS:     in.FinishedAt.Sub(in.StartedAt).Milliseconds(),
		Status:        in.Status,
		AppVersion:    w.opts.AppVersion,
		SchemaVersion: schemaVersion,
		HostTZ:        HostTZ(w.opts.Clock.Now()),
		CorrelationID: in.CorrelationID,
		Details:       details,
		Errors:        errs,
	}

	data, err := encode(doc)
	if err != nil {
		return "", err
	}

	path := filepath.Join(w.opts.Root, w.relPath(in.Kind, in.StartedAt, id))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", ark.Wrap(err, ark.CodeGenericFail, "creating report directory").With("operation", "persist_report")
	}
	if err := arkfs.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", ark.Wrap(err, ark.CodeGenericFail, "writing report").With("operation", "persist_report")
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			w.opts.Logger.Warn("report chmod failed", "path", path, "error", err)
		}
	}

	w.prune(in.Kind)
	w.opts.Logger.Info("ops report written", "kind", string(in.Kind), "status", string(in.Status),
		"op_id", opID, "bytes", len(data))
	return path, nil
}

// relPath is <kind>/YYYY/MM/<kind>-YYYYMMDD-HHMMSS-XXXXXXXX.json. The suffix
// is the leading 8 hex of the UUIDv7 id, its high timestamp bits, so names
// sort in start order. Reports started in the same second share that prefix;
// an occupied name bumps the suffix by one until it is free, which keeps the
// later report sorting after the earlier one.
func (w *Writer) relPath(kind Kind, started time.Time, id string) string {
	t := started.UTC()
	suffix := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	dir := filepath.Join(string(kind), t.Format("2006"), t.Format("01"))
	name := func(s string) string {
		return fmt.Sprintf("%s-%s-%s.json", kind, t.Format("20060102-150405"), s)
	}

	n, err := strconv.ParseUint(suffix, 16, 32)
	if err != nil || len(suffix) != 8 {
		return filepath.Join(dir, name(suffix))
	}
	for ; n <= math.MaxUint32; n++ {
		rel := filepath.Join(dir, name(fmt.Sprintf("%08x", n)))
		if _, err := os.Lstat(filepath.Join(w.opts.Root, rel)); err != nil {
			// Anything but ErrNotExist surfaces when the write fails.
			return rel
		}
	}
	return filepath.Join(dir, name(suffix))
}

// normalize turns arbitrary details into plain JSON values.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateDetails(kind Kind, raw any) (map[string]any, error) {
	if raw == nil {
		return nil, ark.New(ark.CodeReportDetailsType, "details must be an object").With("kind", string(kind))
	}
	v, err := normalize(raw)
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeReportDetailsType, "details are not serialisable").With("kind", string(kind))
	}
	details, ok := v.(map[string]any)
	if !ok {
		return nil, ark.New(ark.CodeReportDetailsType, "details must be an object").With("kind", string(kind))
	}

	for _, key := range requiredDetails[kind] {
		if _, ok := details[key]; !ok {
			return nil, ark.Newf(ark.CodeReportMissingDetail, "details.%s is required for %s reports", key, kind).
				With("kind", string(kind)).With("key", key)
		}
	}

	for key, value := range details {
		if denied(key) {
			return nil, deniedKey(kind, key)
		}
		for _, nested := range children(value) {
			for k := range nested {
				if denied(k) {
					return nil, deniedKey(kind, key+"."+k)
				}
			}
		}
	}
	return details, nil
}

// children returns the objects one level below a top-level detail value.
func children(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func denied(key string) bool { return denylist[strings.ToLower(key)] }

func deniedKey(kind Kind, key string) error {
	return ark.Newf(ark.CodeReportDenylistedKey, "details may not contain %q", key).
		With("kind", string(kind)).With("key", key)
}

func validateStatus(status Status, errs []ErrorItem) error {
	switch status {
	case StatusSuccess:
		if len(errs) > 0 {
			return ark.New(ark.CodeReportStatusErrors, "a successful report cannot carry errors").
				With("status", string(status))
		}
	case StatusFailed:
		if len(errs) == 0 {
			return ark.New(ark.CodeReportStatusErrors, "a failed report needs at least one error").
				With("status", string(status))
		}
	case StatusPartial, StatusSkipped:
	default:
		return ark.Newf(ark.CodeReportStatusErrors, "unknown status %q", status).With("status", string(status))
	}
	return nil
}
