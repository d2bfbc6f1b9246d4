package reports

import (
	"encoding/json"

	"arklowdun/internal/ark"
)

// encode serialises doc within MaxBytes. Over budget it caps every array at
// MaxArrayItems and records a truncation error; if that is still too large
// it drops indentation before giving up.
func encode(doc *document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeGenericFail, "encoding report").With("operation", "persist_report")
	}
	if len(data) <= MaxBytes {
		return data, nil
	}

	dropped := 0
	details, n := truncate(doc.Details)
	doc.Details = details.(map[string]any)
	dropped += n
	if len(doc.Errors) > MaxArrayItems {
		dropped += len(doc.Errors) - MaxArrayItems
		doc.Errors = doc.Errors[:MaxArrayItems]
	}
	doc.Errors = append(doc.Errors, ErrorItem{
		Code:    ark.CodeReportTruncated,
		Message: "report exceeded its size budget; arrays were truncated",
		Context: map[string]any{
			"max_bytes":        MaxBytes,
			"max_array_items":  MaxArrayItems,
			"dropped_elements": dropped,
		},
	})

	if data, err = json.MarshalIndent(doc, "", "  "); err == nil && len(data) <= MaxBytes {
		return data, nil
	}
	if data, err = json.Marshal(doc); err == nil && len(data) <= MaxBytes {
		return data, nil
	}
	if err != nil {
		return nil, ark.Wrap(err, ark.CodeGenericFail, "encoding report").With("operation", "persist_report")
	}
	return nil, ark.Newf(ark.CodeReportSizeLimit, "report is %d bytes after truncation; limit is %d", len(data), MaxBytes).
		With("kind", string(doc.Operation))
}

// truncate caps every array nested in v and returns the number of dropped items.
func truncate(v any) (any, int) {
	switch t := v.(type) {
	case map[string]any:
		dropped := 0
		for k, child := range t {
			var n int
			t[k], n = truncate(child)
			dropped += n
		}
		return t, dropped
	case []any:
		dropped := 0
		if len(t) > MaxArrayItems {
			dropped = len(t) - MaxArrayItems
			t = t[:MaxArrayItems]
		}
		for i, child := range t {
			var n int
			t[i], n = truncate(child)
			dropped += n
		}
		return t, dropped
	}
	return v, 0
}
