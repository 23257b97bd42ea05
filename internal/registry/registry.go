// Package registry declares the fixed set of storefront tables the CRUD layer
// operates over, together with each table's loose field schema.
package registry

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wayfare/wayfare/errs"
)

// FieldKind classifies a declared field for loose validation.
type FieldKind string

const (
	// FieldString accepts JSON strings.
	FieldString FieldKind = "string"
	// FieldNumber accepts JSON numbers.
	FieldNumber FieldKind = "number"
	// FieldDecimal accepts monetary values as JSON numbers or decimal strings.
	FieldDecimal FieldKind = "decimal"
	// FieldBool accepts JSON booleans.
	FieldBool FieldKind = "bool"
	// FieldAny accepts any JSON value.
	FieldAny FieldKind = "any"
)

// IDField is the identifier field assigned by the record store. Callers may
// never supply it in a field mapping.
const IDField = "id"

// Table describes one named resource. Fields lists the declared schema;
// caller-supplied fields outside this map pass through unvalidated, matching
// the storefront's historical schemaless contract.
type Table struct {
	Name   string
	Fields map[string]FieldKind
}

var tables = []Table{
	{Name: "destinations", Fields: map[string]FieldKind{
		"name":        FieldString,
		"country":     FieldString,
		"description": FieldString,
		"price":       FieldDecimal,
		"featured":    FieldBool,
		"image_url":   FieldString,
	}},
	{Name: "services", Fields: map[string]FieldKind{
		"name":        FieldString,
		"description": FieldString,
		"price":       FieldDecimal,
		"active":      FieldBool,
	}},
	{Name: "bookings", Fields: map[string]FieldKind{
		"destination_id": FieldNumber,
		"customer_name":  FieldString,
		"customer_email": FieldString,
		"travel_date":    FieldString,
		"travellers":     FieldNumber,
		"total_price":    FieldDecimal,
		"status":         FieldString,
	}},
	{Name: "addons", Fields: map[string]FieldKind{
		"name":        FieldString,
		"description": FieldString,
		"price":       FieldDecimal,
	}},
	{Name: "booking_addons", Fields: map[string]FieldKind{
		"booking_id": FieldNumber,
		"addon_id":   FieldNumber,
		"quantity":   FieldNumber,
	}},
	{Name: "gallery", Fields: map[string]FieldKind{
		"title":     FieldString,
		"image_url": FieldString,
		"caption":   FieldString,
	}},
	{Name: "testimonials", Fields: map[string]FieldKind{
		"author":  FieldString,
		"quote":   FieldString,
		"rating":  FieldNumber,
		"visible": FieldBool,
	}},
	{Name: "advertisements", Fields: map[string]FieldKind{
		"title":     FieldString,
		"image_url": FieldString,
		"link_url":  FieldString,
		"active":    FieldBool,
	}},
	{Name: "offers", Fields: map[string]FieldKind{
		"title":       FieldString,
		"description": FieldString,
		"discount":    FieldDecimal,
		"expires_at":  FieldString,
	}},
	{Name: "inquiries", Fields: map[string]FieldKind{
		"name":    FieldString,
		"email":   FieldString,
		"subject": FieldString,
		"message": FieldString,
	}},
	{Name: "site_settings", Fields: map[string]FieldKind{
		"key":   FieldString,
		"value": FieldAny,
	}},
}

// Tables returns the full registry in declaration order.
func Tables() []Table {
	out := make([]Table, len(tables))
	copy(out, tables)
	return out
}

// Names returns every registered table name in declaration order.
func Names() []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}
	return names
}

// Lookup resolves a table by name.
func Lookup(name string) (Table, bool) {
	trimmed := strings.TrimSpace(name)
	for _, t := range tables {
		if t.Name == trimmed {
			return t, true
		}
	}
	return Table{}, false
}

// ValidateFields checks a caller-supplied field mapping against the table's
// declared schema. Undeclared fields pass through untouched; declared fields
// must match their kind; the identifier field is always rejected because the
// store assigns it.
func (t Table) ValidateFields(fields map[string]any) error {
	for name, value := range fields {
		if name == IDField {
			return errs.New(errs.KindInvalidInput, errs.WithTable(t.Name),
				errs.WithMessage("field \"id\" is assigned by the store"))
		}
		kind, declared := t.Fields[name]
		if !declared {
			continue
		}
		if err := checkKind(kind, value); err != nil {
			return errs.New(errs.KindInvalidInput, errs.WithTable(t.Name),
				errs.WithMessage(fmt.Sprintf("field %q: %v", name, err)))
		}
	}
	return nil
}

func checkKind(kind FieldKind, value any) error {
	if value == nil {
		return nil
	}
	switch kind {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case FieldDecimal:
		switch v := value.(type) {
		case float64, float32, int, int32, int64:
		case string:
			if _, err := decimal.NewFromString(v); err != nil {
				return fmt.Errorf("expected decimal string: %w", err)
			}
		default:
			return fmt.Errorf("expected decimal, got %T", value)
		}
	case FieldBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case FieldAny:
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}
