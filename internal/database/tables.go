package database

import "sort"

// TableSpec describes a table the store is allowed to touch.
type TableSpec struct {
	Name string
	// HouseholdScoped tables carry household_id and every write is scoped by it.
	HouseholdScoped bool
	SoftDelete      bool
	// HardDelete tables are removed with DELETE rather than marked deleted.
	HardDelete bool
	// Attachments tables carry root_key, category and relative_path.
	Attachments     bool
	DefaultCategory string
}

var registry = map[string]TableSpec{
	"household":           {Name: "household", SoftDelete: true},
	"categories":          {Name: "categories", HouseholdScoped: true, SoftDelete: true},
	"events":              {Name: "events", HouseholdScoped: true, SoftDelete: true},
	"notes":               {Name: "notes", HouseholdScoped: true, SoftDelete: true},
	"bills":               {Name: "bills", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "bills"},
	"policies":            {Name: "policies", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "policies"},
	"property_documents":  {Name: "property_documents", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "property_documents"},
	"inventory_items":     {Name: "inventory_items", HouseholdScoped: true, HardDelete: true, Attachments: true, DefaultCategory: "inventory_items"},
	"shopping_items":      {Name: "shopping_items", HouseholdScoped: true, HardDelete: true},
	"vehicles":            {Name: "vehicles", HouseholdScoped: true, SoftDelete: true},
	"vehicle_maintenance": {Name: "vehicle_maintenance", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "vehicle_maintenance"},
	"pets":                {Name: "pets", HouseholdScoped: true, SoftDelete: true},
	"pet_medical":         {Name: "pet_medical", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "pet_medical"},
	"family_members":      {Name: "family_members", HouseholdScoped: true, SoftDelete: true, Attachments: true, DefaultCategory: "family"},
	"member_attachments":  {Name: "member_attachments", HouseholdScoped: true, HardDelete: true},
	"member_renewals":     {Name: "member_renewals", HouseholdScoped: true, HardDelete: true},
	"note_links":          {Name: "note_links", HouseholdScoped: true, HardDelete: true},
}

// attachmentOrder is the fixed scan order for attachment-bearing tables.
var attachmentOrder = []string{
	"bills", "policies", "property_documents", "inventory_items",
	"vehicle_maintenance", "pet_medical", "family_members",
}

// LookupTable returns the spec for name. Unknown tables are not addressable.
func LookupTable(name string) (TableSpec, bool) {
	spec, ok := registry[name]
	return spec, ok
}

// AttachmentTables returns the attachment-bearing tables in scan order.
func AttachmentTables() []TableSpec {
	out := make([]TableSpec, 0, len(attachmentOrder))
	for _, name := range attachmentOrder {
		out = append(out, registry[name])
	}
	return out
}

// TableNames returns every registered table, sorted.
func TableNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
