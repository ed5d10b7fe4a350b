// Package validation checks request payloads against JSON schemas.
package validation

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names.
const (
	ChatMessage    = "chat_message"
	BulkModeration = "bulk_moderation"
	AutoModeration = "auto_moderation"
	Review         = "review"
	UserProfile    = "user_profile"
)

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is returned when a payload does not match its schema.
type Error struct {
	Schema string
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Schema, strings.Join(parts, "; "))
}

// Validator holds compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", entry.Name(), err)
		}
		v.schemas[strings.TrimSuffix(entry.Name(), ".json")] = schema
	}
	return v, nil
}

// MustNew is New for package initialisation and tests.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks data against the named schema.
func (v *Validator) Validate(name string, data []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if !json.Valid(data) {
		return &Error{Schema: name, Fields: []FieldError{{Field: "(root)", Message: "JSON inválido"}}}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil
	}

	fields := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		fields = append(fields, FieldError{Field: fieldName(re), Message: message(re)})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &Error{Schema: name, Fields: fields}
}

// Decode validates data and unmarshals it into dst.
func (v *Validator) Decode(name string, data []byte, dst any) error {
	if err := v.Validate(name, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &Error{Schema: name, Fields: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	return nil
}

func fieldName(re gojsonschema.ResultError) string {
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			if re.Field() == "(root)" {
				return prop
			}
			return re.Field() + "." + prop
		}
	}
	return re.Field()
}

// message renders the field error in Portuguese for the storefront.
func message(re gojsonschema.ResultError) string {
	d := re.Details()
	switch re.Type() {
	case "required":
		return "campo obrigatório"
	case "invalid_type":
		return fmt.Sprintf("tipo inválido, esperado %v", d["expected"])
	case "string_gte":
		return fmt.Sprintf("deve ter pelo menos %v caracteres", d["min"])
	case "string_lte":
		return fmt.Sprintf("deve ter no máximo %v caracteres", d["max"])
	case "number_gte":
		return fmt.Sprintf("deve ser maior ou igual a %v", d["min"])
	case "number_lte":
		return fmt.Sprintf("deve ser menor ou igual a %v", d["max"])
	case "array_min_items":
		return fmt.Sprintf("selecione pelo menos %v item(ns)", d["min"])
	case "array_max_items":
		return fmt.Sprintf("selecione no máximo %v itens", d["max"])
	case "enum":
		return fmt.Sprintf("valor deve ser um de %v", d["allowed"])
	case "format":
		return fmt.Sprintf("formato inválido, esperado %v", d["format"])
	}
	return re.Description()
}
