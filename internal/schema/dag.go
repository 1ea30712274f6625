package schema

import (
	"fmt"

	"github.com/kimhsiao/localsync/internal/errors"
)

// CycleError reports an ownership cycle, naming the model at which the cycle
// was re-entered. Self-referencing ownership is a one-node cycle and is
// reported the same way.
type CycleError struct {
	Model string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("ownership cycle detected at model %q", e.Model)
}

// Ownership is the validated ownership DAG: for each model, its chain of
// owners up to the root, and the inverse child edges used for cascade
// deletes.
type Ownership struct {
	Root     string
	paths    map[string][]string
	children map[string][]string
}

// Path returns the ownership chain from a model up to the root, nearest
// owner first. The root's path is empty.
func (o *Ownership) Path(model string) []string {
	return o.paths[model]
}

// Children returns the models directly owned by the given model.
func (o *Ownership) Children(model string) []string {
	return o.children[model]
}

// Validate checks that the schema's ownership edges, rooted at the declared
// root model, form a DAG, and returns the resulting ownership chains.
//
// The traversal is a depth-first walk from every model maintaining a
// recursion stack; revisiting a model already on the stack is a cycle and
// fails with a CycleError naming that model. Validation is pure and runs at
// schema-processing time only; failures are fatal to schema processing, not
// retryable conditions.
func Validate(s *Schema) (*Ownership, error) {
	if s.Root == "" {
		return nil, errors.New(errors.ErrMissingRoot, "schema declares no root model")
	}
	root := s.model(s.Root)
	if root == nil {
		return nil, errors.Newf(errors.ErrMissingRoot, "root model %q is not declared", s.Root)
	}
	if root.Owner != "" {
		return nil, errors.Newf(errors.ErrBadSchema, "root model %q must not have an owner", s.Root)
	}

	for i := range s.Models {
		m := &s.Models[i]
		if len(m.Key) == 0 {
			return nil, errors.Newf(errors.ErrBadSchema, "model %q declares no primary key", m.Name)
		}
		if m.Owner != "" && s.model(m.Owner) == nil {
			return nil, errors.Newf(errors.ErrBadSchema,
				"model %q is owned by undeclared model %q", m.Name, m.Owner)
		}
	}

	// Cycle detection: walk owner edges from every model with an explicit
	// recursion stack. onStack marks the current path; done marks models
	// whose whole owner chain is already known to be acyclic.
	done := make(map[string]bool)
	for i := range s.Models {
		onStack := make(map[string]bool)
		cur := &s.Models[i]
		for cur != nil && !done[cur.Name] {
			if onStack[cur.Name] {
				return nil, errors.Wrap(errors.ErrCycleDetected,
					"schema validation failed", &CycleError{Model: cur.Name})
			}
			onStack[cur.Name] = true
			if cur.Owner == "" {
				break
			}
			cur = s.model(cur.Owner)
		}
		for name := range onStack {
			done[name] = true
		}
	}

	o := &Ownership{
		Root:     s.Root,
		paths:    make(map[string][]string),
		children: make(map[string][]string),
	}

	for i := range s.Models {
		m := &s.Models[i]
		if m.Owner != "" {
			o.children[m.Owner] = append(o.children[m.Owner], m.Name)
		}

		var path []string
		for cur := m; cur.Owner != ""; cur = s.model(cur.Owner) {
			path = append(path, cur.Owner)
		}
		if m.Name != s.Root && (len(path) == 0 || path[len(path)-1] != s.Root) {
			return nil, errors.Newf(errors.ErrBadSchema,
				"model %q is not reachable from root %q via ownership", m.Name, s.Root)
		}
		o.paths[m.Name] = path

		// Non-root models must carry references for scoping and cascades.
		if m.Name != s.Root {
			for _, ref := range []string{RefField(m.Owner), RefField(s.Root)} {
				if m.field(ref) == nil {
					return nil, errors.Newf(errors.ErrBadSchema,
						"model %q is missing reference field %q", m.Name, ref)
				}
			}
		}
	}

	return o, nil
}
