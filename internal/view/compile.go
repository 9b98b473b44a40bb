package view

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ehr/view-runner/internal/fhirpath"
)

// columnNameRe validates output column identifiers.
var columnNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// InvalidViewDefinitionError reports a ViewDefinition that cannot be
// compiled. It carries the offending field and, when applicable, the rejected
// value.
type InvalidViewDefinitionError struct {
	View   string
	Field  string
	Value  string
	Reason string
}

func (e *InvalidViewDefinitionError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid view definition %q: field %s: %s (got %q)", e.View, e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("invalid view definition %q: field %s: %s", e.View, e.Field, e.Reason)
}

// BranchKind tags the structural kind of a compiled branch node.
type BranchKind int

const (
	BranchLeaf BranchKind = iota
	BranchForEach
	BranchForEachOrNull
	BranchUnion
)

func (k BranchKind) String() string {
	switch k {
	case BranchLeaf:
		return "leaf"
	case BranchForEach:
		return "forEach"
	case BranchForEachOrNull:
		return "forEachOrNull"
	case BranchUnion:
		return "union"
	}
	return "unknown"
}

// Column is a compiled column descriptor, stamped with the selectPath of its
// owning select node.
type Column struct {
	Name        string
	Path        string
	Type        string
	Description string
	Collection  bool
	SelectPath  string
	Tags        map[string]string

	expr *fhirpath.Expr
}

// Branch is one node of the compiled select tree. Leaf branches have no
// iteration expression; forEach/forEachOrNull branches have exactly one;
// union branches aggregate their children as alternatives.
type Branch struct {
	SelectPath string
	Kind       BranchKind
	IterPath   string
	Columns    []Column
	Children   []*Branch

	iterExpr *fhirpath.Expr
}

// Constant is a compiled ViewDefinition constant, exposed to expressions as
// the %name environment entry.
type Constant struct {
	Name  string
	Value interface{}
	Type  string
}

// Plan is a compiled, immutable ViewDefinition ready for materialization and
// table creation. One Plan is shared across all resources of a stream.
type Plan struct {
	Name      string
	Resource  string
	Columns   []Column // declaration order, for table creation
	Branches  []*Branch
	Where     []whereExpr
	Constants []Constant
}

type whereExpr struct {
	Path string
	expr *fhirpath.Expr
}

// TableName returns the destination table for this plan.
func (p *Plan) TableName() string { return strings.ToLower(p.Name) }

// ResourceKeyColumn returns the conventional resource-key column name,
// <resource-lowercased>_id.
func (p *Plan) ResourceKeyColumn() string { return strings.ToLower(p.Resource) + "_id" }

// Env builds the %constant environment for expression evaluation.
func (p *Plan) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(p.Constants))
	for _, c := range p.Constants {
		env[c.Name] = c.Value
	}
	return env
}

// Compile validates a ViewDefinition and produces a Plan. The compiler does
// not open files or touch the database.
func Compile(def *ViewDefinition) (*Plan, error) {
	if def.Name == "" {
		return nil, &InvalidViewDefinitionError{View: def.ID, Field: "name", Reason: "required field is missing"}
	}
	if def.Status == "" {
		return nil, &InvalidViewDefinitionError{View: def.Name, Field: "status", Reason: "required field is missing"}
	}
	if def.Resource == "" {
		return nil, &InvalidViewDefinitionError{View: def.Name, Field: "resource", Reason: "required field is missing"}
	}
	if len(def.Select) == 0 {
		return nil, &InvalidViewDefinitionError{View: def.Name, Field: "select", Reason: "must be a non-empty sequence"}
	}

	plan := &Plan{
		Name:     def.Name,
		Resource: def.Resource,
	}

	constants, err := compileConstants(def)
	if err != nil {
		return nil, err
	}
	plan.Constants = constants

	for i := range def.Select {
		branch, err := compileSelect(def.Name, &def.Select[i], fmt.Sprintf("%d", i), plan)
		if err != nil {
			return nil, err
		}
		plan.Branches = append(plan.Branches, branch)
	}

	for _, w := range def.Where {
		x, err := fhirpath.Parse(w.Path)
		if err != nil {
			return nil, &InvalidViewDefinitionError{View: def.Name, Field: "where.path", Value: w.Path, Reason: err.Error()}
		}
		plan.Where = append(plan.Where, whereExpr{Path: w.Path, expr: x})
	}

	return plan, nil
}

// compileSelect walks one select node. Columns are appended to the plan's
// declaration-order list as they are visited, so the base-table column order
// matches the textual order of the source.
func compileSelect(viewName string, node *SelectNode, selectPath string, plan *Plan) (*Branch, error) {
	if node.ForEach != "" && node.ForEachOrNull != "" {
		return nil, &InvalidViewDefinitionError{
			View: viewName, Field: "select", Value: selectPath,
			Reason: "forEach and forEachOrNull are mutually exclusive",
		}
	}

	branch := &Branch{SelectPath: selectPath, Kind: BranchLeaf}
	switch {
	case node.ForEach != "":
		branch.Kind = BranchForEach
		branch.IterPath = node.ForEach
	case node.ForEachOrNull != "":
		branch.Kind = BranchForEachOrNull
		branch.IterPath = node.ForEachOrNull
	}
	if branch.IterPath != "" {
		x, err := fhirpath.Parse(branch.IterPath)
		if err != nil {
			return nil, &InvalidViewDefinitionError{
				View: viewName, Field: "select.forEach", Value: branch.IterPath, Reason: err.Error(),
			}
		}
		branch.iterExpr = x
	}

	for i := range node.Column {
		col, err := compileColumn(viewName, &node.Column[i], selectPath)
		if err != nil {
			return nil, err
		}
		branch.Columns = append(branch.Columns, col)
		plan.Columns = append(plan.Columns, col)
	}

	for i := range node.Select {
		child, err := compileSelect(viewName, &node.Select[i], fmt.Sprintf("%s.%d", selectPath, i), plan)
		if err != nil {
			return nil, err
		}
		branch.Children = append(branch.Children, child)
	}

	if len(node.UnionAll) > 0 {
		union := &Branch{SelectPath: selectPath + ".union", Kind: BranchUnion}
		for i := range node.UnionAll {
			child, err := compileSelect(viewName, &node.UnionAll[i], fmt.Sprintf("%s.union.%d", selectPath, i), plan)
			if err != nil {
				return nil, err
			}
			union.Children = append(union.Children, child)
		}
		branch.Children = append(branch.Children, union)
	}

	return branch, nil
}

func compileColumn(viewName string, def *ColumnDef, selectPath string) (Column, error) {
	if !columnNameRe.MatchString(def.Name) {
		return Column{}, &InvalidViewDefinitionError{
			View: viewName, Field: "column.name", Value: def.Name,
			Reason: "must match ^[A-Za-z][A-Za-z0-9_]*$",
		}
	}
	x, err := fhirpath.Parse(def.Path)
	if err != nil {
		return Column{}, &InvalidViewDefinitionError{
			View: viewName, Field: "column.path", Value: def.Path, Reason: err.Error(),
		}
	}
	col := Column{
		Name:        def.Name,
		Path:        def.Path,
		Type:        def.Type,
		Description: def.Description,
		Collection:  def.Collection,
		SelectPath:  selectPath,
		expr:        x,
	}
	if col.Type == "" {
		col.Type = "string"
	}
	if len(def.Tag) > 0 {
		col.Tags = make(map[string]string, len(def.Tag))
		for _, t := range def.Tag {
			col.Tags[t.Name] = t.Value
		}
	}
	return col, nil
}

// compileConstants resolves each constant's value[x] choice attribute into a
// plain value and a lowercased type suffix.
func compileConstants(def *ViewDefinition) ([]Constant, error) {
	var out []Constant
	for _, c := range def.Constants {
		if c.Name == "" {
			return nil, &InvalidViewDefinitionError{View: def.Name, Field: "constant.name", Reason: "required field is missing"}
		}
		var found bool
		for key, raw := range c.fields {
			if !strings.HasPrefix(key, "value") || len(key) == len("value") {
				continue
			}
			var val interface{}
			if err := json.Unmarshal(raw, &val); err != nil {
				return nil, &InvalidViewDefinitionError{
					View: def.Name, Field: "constant." + key, Value: string(raw), Reason: err.Error(),
				}
			}
			out = append(out, Constant{
				Name:  c.Name,
				Value: val,
				Type:  strings.ToLower(key[len("value"):]),
			})
			found = true
			break
		}
		if !found {
			return nil, &InvalidViewDefinitionError{
				View: def.Name, Field: "constant", Value: c.Name,
				Reason: "no value[x] attribute present",
			}
		}
	}
	return out, nil
}
