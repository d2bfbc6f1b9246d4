package vault

import (
	"sort"

	"arklowdun/internal/ark"
)

// Category partitions a household's attachments.
type Category string

const (
	CategoryBills              Category = "bills"
	CategoryPolicies           Category = "policies"
	CategoryPropertyDocuments  Category = "property_documents"
	CategoryInventoryItems     Category = "inventory_items"
	CategoryPetMedical         Category = "pet_medical"
	CategoryPetImage           Category = "pet_image"
	CategoryVehicleMaintenance Category = "vehicle_maintenance"
	CategoryFamily             Category = "family"
	CategoryNotes              Category = "notes"
	CategoryMisc               Category = "misc"
)

var categories = map[Category]bool{
	CategoryBills:              true,
	CategoryPolicies:           true,
	CategoryPropertyDocuments:  true,
	CategoryInventoryItems:     true,
	CategoryPetMedical:         true,
	CategoryPetImage:           true,
	CategoryVehicleMaintenance: true,
	CategoryFamily:             true,
	CategoryNotes:              true,
	CategoryMisc:               true,
}

// Categories returns every category, sorted.
func Categories() []Category {
	out := make([]Category, 0, len(categories))
	for c := range categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return categories[c] }

func (c Category) String() string { return string(c) }

// ParseCategory validates s as a category slug.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", ark.Newf(ark.CodeAttachmentsInvalidInput, "unknown attachment category %q", s).With("category", s)
	}
	return c, nil
}
