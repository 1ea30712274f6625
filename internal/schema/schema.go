// Package schema provides the sync schema description, the ownership DAG
// validator and the per-model dispatch registry built from it.
//
// The schema describes which models participate in sync, their fields and
// primary keys, and the ownership edges between them. Validation runs once at
// schema-processing time; the request path only does table lookups into the
// registry, never reflection or dynamic dispatch over model names.
package schema

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/kimhsiao/localsync/internal/errors"
)

// FieldType is the declared type of a model field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
)

// Field declares one payload field of a model.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Model declares one synced entity type.
//
// Key lists the primary-key field names in order. Owner names the model this
// one is scoped under; the root model has no owner. A non-root model must
// declare a reference field to its direct owner and to the root
// (RefField(owner), RefField(root)) so the server can derive scope keys and
// cascade deletes from payloads alone.
type Model struct {
	Name   string   `json:"name"`
	Key    []string `json:"key"`
	Fields []Field  `json:"fields"`
	Owner  string   `json:"owner,omitempty"`
}

// Schema is the full sync schema description: every synced model plus the
// declared root/owner model.
type Schema struct {
	Root   string  `json:"root"`
	Models []Model `json:"models"`
}

// RefField returns the conventional foreign-key field name referencing a
// model, e.g. "board_id" for model "Board".
func RefField(model string) string {
	return strings.ToLower(model) + "_id"
}

// Load reads a schema description from a JSON file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadSchema, "failed to read schema file", err)
	}
	return Parse(data)
}

// Parse decodes a schema description from JSON.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(errors.ErrBadSchema, "failed to decode schema", err)
	}
	return &s, nil
}

// model returns the declared model by name, or nil.
func (s *Schema) model(name string) *Model {
	for i := range s.Models {
		if s.Models[i].Name == name {
			return &s.Models[i]
		}
	}
	return nil
}

// field returns the declared field by name, or nil.
func (m *Model) field(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}
