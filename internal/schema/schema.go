// Package schema is the canonical collection registry for the clinic data
// plane. Canonical collection and column names are snake_case; legacy
// camelCase names from older callers resolve through aliases. Business keys
// declared here are the only keys upserts may target, so rows stay portable
// between the local and remote backends regardless of surrogate ids.
package schema

import (
	"fmt"
	"strings"
)

// Collection describes one canonical collection.
type Collection struct {
	// Name is the canonical snake_case collection name, used verbatim as
	// the table name on both backends.
	Name string
	// Aliases are accepted legacy spellings (e.g. Dexie-era camelCase).
	Aliases []string
	// Keys is the business key: the column set that identifies a logical
	// entity across backends. Empty means the collection has no natural
	// key and supports insert-only semantics (no upsert).
	Keys []string
	// Columns lists the known columns. Rows are validated against this set
	// at the adapter boundary.
	Columns []string
	// Numeric lists the columns stored as numbers. Query-string filters
	// against these are coerced so equality matches the stored type;
	// everything else stays a string (phone numbers are strings).
	Numeric []string
}

// HasKey reports whether cols exactly matches the declared business key.
func (c *Collection) HasKey(cols []string) bool {
	if len(cols) != len(c.Keys) {
		return false
	}
	want := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		want[k] = true
	}
	for _, k := range cols {
		if !want[k] {
			return false
		}
	}
	return true
}

// HasColumn reports whether col is declared on the collection.
func (c *Collection) HasColumn(col string) bool {
	for _, k := range c.Columns {
		if k == col {
			return true
		}
	}
	return false
}

// IsNumeric reports whether col is declared as number-valued.
func (c *Collection) IsNumeric(col string) bool {
	for _, k := range c.Numeric {
		if k == col {
			return true
		}
	}
	return false
}

var registry = []*Collection{
	{
		Name:    "patients",
		Keys:    []string{"pid"},
		Columns: []string{"pid", "phone", "name", "parent", "dob", "height_cm", "weight_kg", "meta", "created_at", "updated_at"},
		Numeric: []string{"height_cm", "weight_kg"},
	},
	{
		Name:    "patient_history",
		Aliases: []string{"patientHistory"},
		Columns: []string{"pid", "date", "author", "note", "meta"},
	},
	{
		Name:    "appointments",
		Keys:    []string{"date", "token"},
		Columns: []string{"date", "time", "token", "pid", "phone", "name", "status", "reason", "meta"},
		Numeric: []string{"token"},
	},
	{
		Name:    "slots",
		Keys:    []string{"date", "token"},
		Columns: []string{"date", "time", "token", "name", "phone", "appt_status", "key", "meta"},
		Numeric: []string{"token"},
	},
	{
		Name:    "invoices",
		Columns: []string{"date", "type", "total", "party", "supplier", "bill", "meta"},
		Numeric: []string{"total"},
	},
	{
		Name:    "invoice_items",
		Aliases: []string{"invoiceItems"},
		Columns: []string{"invoice_id", "sku", "name", "qty", "price", "party", "meta"},
		Numeric: []string{"invoice_id", "qty", "price"},
	},
	{
		Name:    "vouchers",
		Columns: []string{"date", "type", "amount", "party", "note", "meta"},
		Numeric: []string{"amount"},
	},
	{
		Name:    "pharmacy_items",
		Aliases: []string{"pharmacyItems"},
		Keys:    []string{"sku"},
		Columns: []string{"sku", "name", "mrp", "stock", "barcode", "meta"},
		Numeric: []string{"mrp", "stock"},
	},
	{
		Name:    "lab_tests",
		Aliases: []string{"labTests"},
		Keys:    []string{"code"},
		Columns: []string{"code", "name", "price", "barcode", "meta"},
		Numeric: []string{"price"},
	},
	{
		Name:    "lab_invoices",
		Aliases: []string{"labInvoices"},
		Columns: []string{"date", "patient_id", "patient_name", "amount", "meta"},
		Numeric: []string{"amount"},
	},
	{
		Name:    "staff",
		Keys:    []string{"phone"},
		Columns: []string{"name", "role", "phone", "meta"},
	},
	{
		Name:    "settings",
		Keys:    []string{"key"},
		Columns: []string{"key", "value", "meta"},
	},
}

var byName map[string]*Collection

func init() {
	byName = make(map[string]*Collection, len(registry)*2)
	for _, c := range registry {
		byName[c.Name] = c
		for _, a := range c.Aliases {
			byName[a] = c
		}
	}
}

// Resolve maps a collection name (canonical or alias) to its entry.
func Resolve(name string) (*Collection, error) {
	if c, ok := byName[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("schema: unknown collection %q", name)
}

// All returns the canonical collections in registration order.
func All() []*Collection {
	out := make([]*Collection, len(registry))
	copy(out, registry)
	return out
}

// NormalizeColumn maps a legacy camelCase column spelling to snake_case.
// Already-canonical names pass through unchanged.
func NormalizeColumn(col string) string {
	var b strings.Builder
	for _, r := range col {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
