// Package fhirpath evaluates FHIRPath expressions against FHIR resources
// represented as map[string]interface{}. It implements the subset of the
// FHIRPath specification required by SQL-on-FHIR ViewDefinitions: path
// navigation, filtering, string/collection functions, environment constants
// (%name), the iteration variable ($this), and externally registered
// zero-arity functions such as getResourceKey().
package fhirpath

import (
	"fmt"
	"strings"
	"time"
)

// Expr is a parsed, reusable FHIRPath expression.
type Expr struct {
	source string
	root   *astNode
}

// Source returns the original expression text.
func (x *Expr) Source() string { return x.source }

// Parse compiles an expression into a reusable Expr.
func Parse(expression string) (*Expr, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d", tok.value, tok.pos)
	}
	return &Expr{source: expression, root: root}, nil
}

// Func is an externally registered function. The input collection is the
// receiver the function was invoked on (or the focus for a standalone call);
// args carries the evaluated argument collections, except that a bare
// identifier argument is passed through as its name string.
type Func func(input []interface{}, args [][]interface{}) ([]interface{}, error)

// Engine evaluates parsed expressions. An Engine is safe for concurrent use
// once all external functions are registered.
type Engine struct {
	funcs map[string]Func
}

// New creates an evaluation engine with no external functions.
func New() *Engine {
	return &Engine{funcs: make(map[string]Func)}
}

// RegisterFunc installs an external function under the given name. External
// functions shadow built-ins of the same name.
func (e *Engine) RegisterFunc(name string, fn Func) {
	e.funcs[name] = fn
}

// Options carries the evaluation context for one expression run.
type Options struct {
	// Root is the resource the expression belongs to; resource-type-name
	// path heads (e.g. "Patient.id") resolve against it.
	Root map[string]interface{}

	// This, when non-nil, is the current iteration element; it becomes the
	// initial focus collection and the value of $this. When nil the focus is
	// Root.
	This interface{}

	// Env maps %constant names to their values.
	Env map[string]interface{}
}

// Evaluate parses and runs an expression in one step.
func (e *Engine) Evaluate(expression string, opts Options) ([]interface{}, error) {
	x, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return e.Run(x, opts)
}

// Run evaluates a parsed expression and returns the result collection. An
// empty collection is returned when the path resolves to nothing.
func (e *Engine) Run(x *Expr, opts Options) ([]interface{}, error) {
	ctx := &evalContext{
		engine: e,
		root:   opts.Root,
		this:   opts.This,
		env:    opts.Env,
	}
	focus := []interface{}{}
	if opts.This != nil {
		focus = append(focus, opts.This)
	} else if opts.Root != nil {
		focus = append(focus, opts.Root)
	}
	result, err := ctx.eval(x.root, focus)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", x.source, err)
	}
	return result, nil
}

// RunBool evaluates a parsed expression under FHIRPath singleton rules:
// empty collection → false, single boolean → that boolean, anything else
// non-empty → true.
func (e *Engine) RunBool(x *Expr, opts Options) (bool, error) {
	result, err := e.Run(x, opts)
	if err != nil {
		return false, err
	}
	return collectionToBool(result), nil
}

// collectionToBool converts a collection to a boolean following the FHIRPath
// singleton evaluation of collections.
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

// parseDateTimeLiteral parses the date/datetime string formats FHIR uses.
func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
