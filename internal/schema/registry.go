package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/models"
)

// ScopePrefix prefixes every scope key derived from an ownership chain.
const ScopePrefix = "owner-"

// ModelSpec is one row of the dispatch table: everything the push/pull path
// needs to know about a model, resolved once at startup.
type ModelSpec struct {
	Model    Model
	Children []string

	// Validate checks a payload against the model's declared fields.
	Validate func(payload json.RawMessage) error

	// Key extracts the primary-key path from a payload.
	Key func(payload json.RawMessage) (models.KeyPath, error)

	// ScopeKey derives the authorization scope key from a payload.
	ScopeKey func(payload json.RawMessage) (string, error)
}

// Registry is the static per-model dispatch table built from a validated
// schema. Request-time dispatch is a single map lookup; no model-name
// reflection happens after startup.
type Registry struct {
	root  string
	specs map[string]*ModelSpec
}

// NewRegistry validates the schema's ownership DAG and builds the dispatch
// table. Validation failure is fatal to schema processing.
func NewRegistry(s *Schema) (*Registry, error) {
	ownership, err := Validate(s)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		root:  s.Root,
		specs: make(map[string]*ModelSpec, len(s.Models)),
	}

	for i := range s.Models {
		m := s.Models[i]
		spec := &ModelSpec{
			Model:    m,
			Children: ownership.Children(m.Name),
		}
		spec.Validate = makeValidator(m)
		spec.Key = makeKeyExtractor(m)
		spec.ScopeKey = makeScopeResolver(m, s.Root)
		r.specs[m.Name] = spec
	}

	return r, nil
}

// Root returns the declared root model name.
func (r *Registry) Root() string {
	return r.root
}

// Spec returns the dispatch entry for a model.
func (r *Registry) Spec(model string) (*ModelSpec, bool) {
	spec, ok := r.specs[model]
	return spec, ok
}

// Models returns the names of all synced models, sorted.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decode unmarshals a payload into a field map.
func decode(payload json.RawMessage) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "payload is not a JSON object", err)
	}
	return fields, nil
}

// fieldString renders a payload value as a key segment.
func fieldString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("value %v (%T) is not usable as a key", v, v)
	}
}

func makeValidator(m Model) func(json.RawMessage) error {
	return func(payload json.RawMessage) error {
		fields, err := decode(payload)
		if err != nil {
			return err
		}

		for _, key := range m.Key {
			if _, ok := fields[key]; !ok {
				return errors.Newf(errors.ErrValidation,
					"model %s: missing key field %q", m.Name, key)
			}
		}

		for _, f := range m.Fields {
			v, ok := fields[f.Name]
			if !ok {
				if f.Required {
					return errors.Newf(errors.ErrValidation,
						"model %s: missing required field %q", m.Name, f.Name)
				}
				continue
			}
			if v == nil {
				continue
			}
			if err := checkType(f, v); err != nil {
				return errors.Wrap(errors.ErrValidation,
					fmt.Sprintf("model %s: field %q", m.Name, f.Name), err)
			}
		}
		return nil
	}
}

func checkType(f Field, v interface{}) error {
	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case TypeInt:
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", v)
		}
	case TypeFloat:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	}
	return nil
}

func makeKeyExtractor(m Model) func(json.RawMessage) (models.KeyPath, error) {
	return func(payload json.RawMessage) (models.KeyPath, error) {
		fields, err := decode(payload)
		if err != nil {
			return nil, err
		}

		path := make(models.KeyPath, 0, len(m.Key))
		for _, key := range m.Key {
			v, ok := fields[key]
			if !ok {
				return nil, errors.Newf(errors.ErrValidation,
					"model %s: missing key field %q", m.Name, key)
			}
			s, err := fieldString(v)
			if err != nil {
				return nil, errors.Wrap(errors.ErrValidation,
					fmt.Sprintf("model %s: key field %q", m.Name, key), err)
			}
			path = append(path, s)
		}
		return path, nil
	}
}

// makeScopeResolver synthesizes the scopeKey(record) function for a model.
// The root model is scoped by its own key; every other model carries a
// denormalized reference to the root (RefField(root), checked by Validate)
// so the scope is derivable from the payload alone, without store lookups.
func makeScopeResolver(m Model, root string) func(json.RawMessage) (string, error) {
	keyOf := makeKeyExtractor(m)

	if m.Name == root {
		return func(payload json.RawMessage) (string, error) {
			path, err := keyOf(payload)
			if err != nil {
				return "", err
			}
			return ScopePrefix + path.String(), nil
		}
	}

	ref := RefField(root)
	return func(payload json.RawMessage) (string, error) {
		fields, err := decode(payload)
		if err != nil {
			return "", err
		}
		v, ok := fields[ref]
		if !ok || v == nil {
			return "", errors.Newf(errors.ErrValidation,
				"model %s: missing owner reference %q", m.Name, ref)
		}
		s, err := fieldString(v)
		if err != nil {
			return "", errors.Wrap(errors.ErrValidation,
				fmt.Sprintf("model %s: owner reference %q", m.Name, ref), err)
		}
		return ScopePrefix + s, nil
	}
}
