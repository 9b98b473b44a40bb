// Package view compiles SQL-on-FHIR v2 ViewDefinition resources into
// executable plans and materializes flat rows from FHIR resources.
package view

import (
	"encoding/json"
	"fmt"
)

// ViewDefinition represents a SQL-on-FHIR v2 ViewDefinition resource as read
// from JSON. Unknown fields are ignored.
type ViewDefinition struct {
	ID        string        `json:"id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Name      string        `json:"name"`
	Title     string        `json:"title,omitempty"`
	Status    string        `json:"status"`
	Resource  string        `json:"resource"`
	Select    []SelectNode  `json:"select"`
	Where     []WhereClause `json:"where,omitempty"`
	Constants []ConstantDef `json:"constant,omitempty"`
}

// SelectNode is one node of the recursive select tree. A node may carry any
// combination of leaf columns, a forEach/forEachOrNull iteration scope,
// nested selects, and unionAll branches.
type SelectNode struct {
	Column        []ColumnDef  `json:"column,omitempty"`
	ForEach       string       `json:"forEach,omitempty"`
	ForEachOrNull string       `json:"forEachOrNull,omitempty"`
	Select        []SelectNode `json:"select,omitempty"`
	UnionAll      []SelectNode `json:"unionAll,omitempty"`
}

// ColumnDef describes a single output column.
type ColumnDef struct {
	Path        string      `json:"path"`
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Collection  bool        `json:"collection,omitempty"`
	Tag         []ColumnTag `json:"tag,omitempty"`
}

// ColumnTag is a named annotation on a column; the "ansi/type" tag overrides
// the storage type mapping.
type ColumnTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WhereClause is a filter expression; all where clauses are ANDed.
type WhereClause struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// ConstantDef is a named constant declared on the ViewDefinition. The value
// is carried in a FHIR choice attribute (valueString, valueInteger, ...), so
// the raw fields are retained for the compiler to inspect.
type ConstantDef struct {
	Name   string
	fields map[string]json.RawMessage
}

// UnmarshalJSON captures the name plus every other attribute so the compiler
// can locate the value[x] choice field.
func (c *ConstantDef) UnmarshalJSON(data []byte) error {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("constant: %w", err)
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &c.Name); err != nil {
			return fmt.Errorf("constant name: %w", err)
		}
		delete(fields, "name")
	}
	c.fields = fields
	return nil
}

// MarshalJSON restores the captured fields alongside the name.
func (c ConstantDef) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.fields)+1)
	for k, v := range c.fields {
		out[k] = v
	}
	out["name"] = c.Name
	return json.Marshal(out)
}
