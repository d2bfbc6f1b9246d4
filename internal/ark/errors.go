package ark

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Stable error codes. Prefixed codes share a family ("DB_BACKUP/LOW_DISK").
const (
	CodeGenericFail   = "GENERIC_FAIL"
	CodeDBUnhealthy   = "DB_UNHEALTHY"
	CodeMaintenance   = "DB_MAINTENANCE_ACTIVE"
	CodeMissingField  = "COMMANDS/MISSING_FIELD"
	CodeInvalidInput  = "COMMANDS/INVALID_INPUT"
	CodeNotFound      = "COMMANDS/NOT_FOUND"
	CodeMigration     = "DB_MIGRATION/FAILED"
	CodeBackfillGuard = "DB_MIGRATION/EVENTS_UTC_BACKFILL_REQUIRED"
	CodeLegacyColumns = "DB_MIGRATION/LEGACY_EVENT_COLUMNS"

	CodeBackupLowDisk       = "DB_BACKUP/LOW_DISK"
	CodeBackupNameCollision = "DB_BACKUP/NAME_COLLISION"
	CodeBackupInvalidPath   = "DB_BACKUP/INVALID_PATH"
	CodeBackupTask          = "DB_BACKUP/TASK"
	CodeBackupNoParent      = "DB_BACKUP/NO_PARENT"

	CodeRepairLowDisk          = "DB_REPAIR/LOW_DISK"
	CodeRepairTempAlloc        = "DB_REPAIR/TEMP_ALLOC"
	CodeRepairQuickCheckFailed = "DB_REPAIR/QUICK_CHECK_FAILED"
	CodeRepairIntegrityFailed  = "DB_REPAIR/INTEGRITY_FAILED"
	CodeRepairForeignKeyFailed = "DB_REPAIR/FOREIGN_KEY_FAILED"
	CodeRepairInvalidPath      = "DB_REPAIR/INVALID_PATH"
	CodeRepairTask             = "DB_REPAIR/TASK"
	CodeRepairNameCollision    = "DB_REPAIR/NAME_COLLISION"
	CodeRepairNoParent         = "DB_REPAIR/NO_PARENT"

	CodeHardRepairNoParent      = "DB_HARD_REPAIR/NO_PARENT"
	CodeHardRepairNameCollision = "DB_HARD_REPAIR/NAME_COLLISION"
	CodeHardRepairJoin          = "DB_HARD_REPAIR/JOIN"
	CodeHardRepairTask          = "DB_HARD_REPAIR/TASK"

	CodeExportLowDisk       = "EXPORT/LOW_DISK"
	CodeExportNameCollision = "EXPORT/NAME_COLLISION"

	CodePlanDrift                  = "EXECUTION/PLAN_DRIFT"
	CodePlanConflictMismatch       = "EXECUTION/PLAN_CONFLICT_MISMATCH"
	CodeAttachmentPlanDrift        = "EXECUTION/ATTACHMENT_PLAN_DRIFT"
	CodeAttachmentConflictMismatch = "EXECUTION/ATTACHMENT_CONFLICT_MISMATCH"
	CodeAttachmentPathTraversal    = "EXECUTION/ATTACHMENT_PATH_TRAVERSAL"
	CodeExecAttachmentHashMismatch = "EXECUTION/ATTACHMENT_HASH_MISMATCH"
	CodeExecMissingField           = "EXECUTION/MISSING_FIELD"
	CodeExecUnknownTable           = "EXECUTION/UNKNOWN_TABLE"
	CodeSchemaVersionMismatch      = "VALIDATION/SCHEMA_VERSION_MISMATCH"
	CodeAppVersionTooOld           = "VALIDATION/APP_VERSION_TOO_OLD"
	CodeInsufficientDisk           = "VALIDATION/INSUFFICIENT_DISK"
	CodeDataFileHashMismatch       = "VALIDATION/DATA_FILE_HASH_MISMATCH"
	CodeValAttachmentHashMismatch  = "VALIDATION/ATTACHMENT_HASH_MISMATCH"
	CodeAttachmentsManifestHash    = "VALIDATION/ATTACHMENTS_MANIFEST_HASH"
	CodeBundleInvalid              = "VALIDATION/BUNDLE_INVALID"
	CodeFieldInvalid               = "VALIDATION/FIELD"
	CodeRowAliasMismatch           = "VALIDATION/ROW_ALIASES"

	CodeFileMoveInProgress       = "FILE_MOVE_IN_PROGRESS"
	CodeDirectoryMoveUnsupported = "DIRECTORY_MOVE_UNSUPPORTED"
	CodeFileMissing              = "FILE_MISSING"
	CodeFileExists               = "FILE_EXISTS"
	CodeConflictResolutionFailed = "CONFLICT_RESOLUTION_FAILED"
	CodeCopyVerificationFailed   = "COPY_VERIFICATION_FAILED"
	CodeRelativeResolveFailed    = "RELATIVE_RESOLVE_FAILED"

	CodeRepairTableUnsupported       = "REPAIR_TABLE_UNSUPPORTED"
	CodeRepairRowMissing             = "REPAIR_ROW_MISSING"
	CodeRepairRelinkCategoryRequired = "REPAIR_RELINK_CATEGORY_REQUIRED"
	CodeRepairRelinkRelativeRequired = "REPAIR_RELINK_RELATIVE_REQUIRED"
	CodeRepairRelinkTargetMissing    = "REPAIR_RELINK_TARGET_MISSING"
	CodeRepairRelinkTargetInvalid    = "REPAIR_RELINK_TARGET_INVALID"
	CodeRepairActionsRequired        = "REPAIR_ACTIONS_REQUIRED"
	CodeRepairManifestMissing        = "REPAIR_MANIFEST_MISSING"

	CodePathOutOfVault          = "PATH_OUT_OF_VAULT"
	CodeSymlinkDenied           = "SYMLINK_DENIED"
	CodeAttachmentsInvalidRoot  = "ATTACHMENTS_INVALID_ROOT"
	CodeAttachmentsInvalidInput = "ATTACHMENTS_INVALID_INPUT"
	CodeAttachmentsPathConflict = "ATTACHMENTS_PATH_CONFLICT"

	CodeIndexProgressClosed = "INDEX_PROGRESS_CHANNEL_CLOSED"
	CodeIndexBusy           = "INDEX_BUSY"

	CodeVaultCategoryMissing  = "VAULT/CATEGORY_MISSING"
	CodeVaultRootKeyLingering = "VAULT/ROOT_KEY_LINGERING"
	CodeVaultFileMissing      = "VAULT/FILE_MISSING"
	CodeVaultSourceMissing    = "VAULT/SOURCE_MISSING"
	CodeVaultMigrationRunning = "VAULT/MIGRATION_RUNNING"

	CodeNoteLinkCrossHousehold = "NOTE_LINK/CROSS_HOUSEHOLD"
	CodeNoteLinkEntityNotFound = "NOTE_LINK/ENTITY_NOT_FOUND"
	CodeNoteLinkAlreadyExists  = "NOTE_LINK/ALREADY_EXISTS"
	CodeNoteLinkCursorDecode   = "NOTE_LINK/CURSOR_DECODE"
	CodeNoteLinkCursorInvalid  = "NOTE_LINK/CURSOR_INVALID"

	CodeRangeInvalid          = "E_RANGE_INVALID"
	CodeTZUnknown             = "E_TZ_UNKNOWN"
	CodeRRuleParse            = "E_RRULE_PARSE"
	CodeRRuleUnsupportedField = "E_RRULE_UNSUPPORTED_FIELD"
	CodeInvalidTimestamp      = "TIME/INVALID_TIMESTAMP"

	CodeReportTimestamps    = "OPS_REPORTING/TIMESTAMPS"
	CodeReportDetailsType   = "OPS_REPORTING/DETAILS_TYPE"
	CodeReportMissingDetail = "OPS_REPORTING/MISSING_DETAIL_KEY"
	CodeReportDenylistedKey = "OPS_REPORTING/DENYLISTED_KEY"
	CodeReportStatusErrors  = "OPS_REPORTING/STATUS_ERRORS"
	CodeReportSizeLimit     = "OPS_REPORTING/SIZE_LIMIT"
	CodeReportTruncated     = "OPS_REPORT/TRUNCATED"
)

// AppError is the structured error returned across component boundaries.
type AppError struct {
	Code    string
	Message string
	Context map[string]string
	Cause   error
}

// New creates an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err under code. An err that is already an AppError keeps its
// own code; the new message and context are layered on top of its context.
func Wrap(err error, code, message string) *AppError {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		out := &AppError{
			Code:    existing.Code,
			Message: existing.Message,
			Cause:   existing.Cause,
			Context: make(map[string]string, len(existing.Context)+1),
		}
		for k, v := range existing.Context {
			out.Context[k] = v
		}
		if message != "" {
			if _, ok := out.Context["operation"]; !ok {
				out.Context["operation"] = message
			}
		}
		return out
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Generic wraps an unexpected low-level failure with an operation tag.
func Generic(err error, operation string) *AppError {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		return existing
	}
	return (&AppError{Code: CodeGenericFail, Message: err.Error(), Cause: err}).With("operation", operation)
}

// With sets a context key and returns the receiver.
func (e *AppError) With(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = fmt.Sprint(value)
	return e
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another AppError by code, so errors.Is(err, ark.New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first AppError in err's chain, or
// GENERIC_FAIL when err is non-nil but carries no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeGenericFail
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
