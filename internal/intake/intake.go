// Package intake validates case submission payloads against an
// operator-supplied schema before a case is created.
//
// The schema file holds a single OpenAPI-flavor JSON schema object
// describing the patient record a hospital submits. Validation is
// shallow on purpose: required fields, top-level property types and
// enum membership. Anything the schema does not mention passes
// through untouched so hospitals can attach extra context.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/carewire/handoff/model"
)

// Validator checks submission payloads against a loaded schema.
// A nil Validator accepts every payload.
type Validator struct {
	schema *openapi3.Schema
}

// New loads the schema at the given path. An empty path disables
// validation and returns a nil Validator.
func New(schemaFile string) (*Validator, error) {
	if schemaFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(schemaFile)
	if err != nil {
		return nil, fmt.Errorf("reading intake schema %s: %w", schemaFile, err)
	}

	var schema openapi3.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing intake schema %s: %w", schemaFile, err)
	}

	if err := schema.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid intake schema %s: %w", schemaFile, err)
	}

	return &Validator{schema: &schema}, nil
}

// Validate checks the payload and returns nil or a VALIDATION_ERROR
// envelope listing every violation.
func (v *Validator) Validate(payload map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}

	var details []model.FieldError

	// Required fields.
	for _, req := range v.schema.Required {
		if _, exists := payload[req]; !exists {
			details = append(details, model.FieldError{
				Field:   req,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}

	// Top-level property types and enums.
	for name, ref := range v.schema.Properties {
		value, exists := payload[name]
		if !exists || ref == nil || ref.Value == nil {
			continue
		}
		prop := ref.Value

		if prop.Type != nil && !typeMatches(prop.Type, value) {
			details = append(details, model.FieldError{
				Field:   name,
				Code:    "INVALID_VALUE",
				Message: fmt.Sprintf("%s is not a valid %s", name, typeName(prop.Type)),
			})
			continue
		}

		if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
			details = append(details, model.FieldError{
				Field:   name,
				Code:    "INVALID_VALUE",
				Message: fmt.Sprintf("%s must be one of %s", name, enumList(prop.Enum)),
			})
		}
	}

	if len(details) == 0 {
		return nil
	}

	// Properties iterate in map order; sort for stable responses.
	sort.Slice(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return model.NewValidationError(details)
}

// typeMatches reports whether a decoded JSON value satisfies the schema
// type. Numbers arrive as float64 from encoding/json, so integer checks
// accept whole floats.
func typeMatches(t *openapi3.Types, value any) bool {
	switch {
	case t.Is(openapi3.TypeString):
		_, ok := value.(string)
		return ok
	case t.Is(openapi3.TypeBoolean):
		_, ok := value.(bool)
		return ok
	case t.Is(openapi3.TypeInteger):
		f, ok := asFloat(value)
		return ok && f == float64(int64(f))
	case t.Is(openapi3.TypeNumber):
		_, ok := asFloat(value)
		return ok
	case t.Is(openapi3.TypeArray):
		_, ok := value.([]any)
		return ok
	case t.Is(openapi3.TypeObject):
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func typeName(t *openapi3.Types) string {
	if t == nil || len(*t) == 0 {
		return "value"
	}
	return (*t)[0]
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	vf, vIsNum := asFloat(value)
	for _, e := range enum {
		if e == value {
			return true
		}
		if ef, ok := asFloat(e); ok && vIsNum && ef == vf {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, 0, len(enum))
	for _, e := range enum {
		parts = append(parts, fmt.Sprintf("%v", e))
	}
	return strings.Join(parts, ", ")
}
