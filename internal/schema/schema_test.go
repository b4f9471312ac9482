package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		lookup   string
		wantName string
		wantErr  bool
	}{
		{"canonical name", "patients", "patients", false},
		{"camelCase alias", "pharmacyItems", "pharmacy_items", false},
		{"lab invoices alias", "labInvoices", "lab_invoices", false},
		{"unknown collection", "ghosts", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Resolve(tt.lookup)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name)
		})
	}
}

func TestNormalizeColumn(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"apptStatus", "appt_status"},
		{"heightCm", "height_cm"},
		{"invoice_id", "invoice_id"},
		{"pid", "pid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeColumn(tt.in))
	}
}

func TestHasKey(t *testing.T) {
	appts, err := Resolve("appointments")
	require.NoError(t, err)

	assert.True(t, appts.HasKey([]string{"date", "token"}))
	assert.True(t, appts.HasKey([]string{"token", "date"}), "order must not matter")
	assert.False(t, appts.HasKey([]string{"date"}))
	assert.False(t, appts.HasKey([]string{"date", "pid"}))
}

func TestIsNumeric(t *testing.T) {
	slots, err := Resolve("slots")
	require.NoError(t, err)
	assert.True(t, slots.IsNumeric("token"))
	assert.False(t, slots.IsNumeric("phone"), "phone numbers are strings")
	assert.False(t, slots.IsNumeric("date"))

	pharmacy, err := Resolve("pharmacyItems")
	require.NoError(t, err)
	assert.True(t, pharmacy.IsNumeric("stock"))
	assert.False(t, pharmacy.IsNumeric("sku"))
}

func TestNumericColumnsAreDeclared(t *testing.T) {
	for _, c := range All() {
		for _, n := range c.Numeric {
			assert.True(t, c.HasColumn(n), "%s.%s", c.Name, n)
		}
	}
}

func TestEveryAliasResolvesToRegisteredCollection(t *testing.T) {
	for _, c := range All() {
		for _, a := range c.Aliases {
			got, err := Resolve(a)
			require.NoError(t, err)
			assert.Same(t, c, got)
		}
	}
}
