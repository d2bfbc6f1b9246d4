package bundle

import (
	"fmt"
	"strings"
	"unicode"

	"arklowdun/internal/ark"
)

// TableDef maps a logical bundle table onto the store.
type TableDef struct {
	Logical    string
	Physical   string
	Key        []string
	UpdatedCol string
	SoftDelete bool
	Required   []string
	// Aliases maps alternative field names onto columns beyond the
	// mechanical camelCase conversion.
	Aliases map[string]string
}

// coreTables are always exported, in foreign-key order.
var coreTables = []TableDef{
	{Logical: "households", Physical: "household", Key: []string{"id"}, UpdatedCol: "updated_at", SoftDelete: true, Required: []string{"id", "name"}},
	{Logical: "categories", Physical: "categories", Key: []string{"id"}, UpdatedCol: "updated_at", SoftDelete: true, Required: []string{"id", "household_id", "slug"}},
	{Logical: "events", Physical: "events", Key: []string{"id"}, UpdatedCol: "updated_at", SoftDelete: true, Required: []string{"id", "household_id", "title"},
		Aliases: map[string]string{"startAtUTC": "start_at_utc", "endAtUTC": "end_at_utc"}},
	{Logical: "notes", Physical: "notes", Key: []string{"id"}, UpdatedCol: "updated_at", SoftDelete: true, Required: []string{"id", "household_id"},
		Aliases: map[string]string{"categoryID": "category_id", "deadlineTZ": "deadline_tz"}},
	{Logical: "files", Physical: "files_index", Key: []string{"household_id", "file_id"}, UpdatedCol: "updated_at_utc", Required: []string{"household_id", "file_id", "category", "filename"},
		Aliases: map[string]string{"fileID": "file_id", "updatedAtUTC": "updated_at_utc", "modifiedAtUTC": "modified_at_utc"}},
}

// domainTables are exported when configured, after the core tables.
var domainTables = []TableDef{
	domain("bills", "updated_at", true),
	domain("policies", "updated_at", true),
	domain("property_documents", "updated_at", true),
	domain("inventory_items", "updated_at", false),
	domain("shopping_items", "updated_at", false),
	domain("vehicles", "updated_at", true),
	domain("vehicle_maintenance", "updated_at", true),
	domain("pets", "updated_at", true),
	domain("pet_medical", "updated_at", true),
	domain("family_members", "updated_at", true),
	domain("member_attachments", "", false),
	domain("member_renewals", "updated_at", false),
	domain("note_links", "updated_at", false),
}

func domain(name, updated string, softDelete bool) TableDef {
	return TableDef{
		Logical:    name,
		Physical:   name,
		Key:        []string{"id"},
		UpdatedCol: updated,
		SoftDelete: softDelete,
		Required:   []string{"id", "household_id"},
	}
}

// ExportTables returns the logical tables an export writes.
func ExportTables(includeDomain bool) []TableDef {
	out := append([]TableDef{}, coreTables...)
	if includeDomain {
		out = append(out, domainTables...)
	}
	return out
}

// LookupTable finds a logical table definition.
func LookupTable(logical string) (TableDef, bool) {
	for _, t := range coreTables {
		if t.Logical == logical {
			return t, true
		}
	}
	for _, t := range domainTables {
		if t.Logical == logical {
			return t, true
		}
	}
	return TableDef{}, false
}

// tableRank orders logical tables for import.
func tableRank(logical string) int {
	for i, t := range ExportTables(true) {
		if t.Logical == logical {
			return i
		}
	}
	return len(coreTables) + len(domainTables)
}

// snakeCase converts camelCase to snake_case. Acronym runs stay together:
// "startAtUTC" becomes "start_at_utc".
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if i > 0 && (prevLower || (prevUpper && nextLower)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Canonicalize rewrites row keys to column names. Two spellings of one field
// with different values, or a missing required field, is an error.
func (t TableDef) Canonicalize(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	source := make(map[string]string, len(row))
	for k, v := range row {
		col, ok := t.Aliases[k]
		if !ok {
			col = snakeCase(k)
		}
		if prev, seen := source[col]; seen {
			if fmt.Sprint(out[col]) != fmt.Sprint(v) {
				return nil, ark.Newf(ark.CodeRowAliasMismatch,
					"%s: fields %q and %q disagree; provide one spelling or add an alias", t.Logical, prev, k).
					With("table", t.Logical).With("field", col)
			}
			continue
		}
		out[col] = v
		source[col] = k
	}
	for _, req := range t.Required {
		if v, ok := out[req]; !ok || v == nil {
			return nil, ark.Newf(ark.CodeRowAliasMismatch,
				"%s: row is missing %q; provide it in snake_case or camelCase, or add an alias", t.Logical, req).
				With("table", t.Logical).With("field", req)
		}
	}
	return out, nil
}

// keyOf returns the row's key values joined for map lookups.
func (t TableDef) keyOf(row map[string]any) string {
	parts := make([]string, len(t.Key))
	for i, k := range t.Key {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "\x00")
}
