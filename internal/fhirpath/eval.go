package fhirpath

import (
	"fmt"
	"strconv"
	"time"
	"unicode"
)

type evalContext struct {
	engine *Engine
	root   map[string]interface{}
	this   interface{}
	env    map[string]interface{}
}

// eval evaluates an AST node against an input collection and returns a result
// collection.
func (ctx *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ctx.evalPath(node, input)

	case ndVar:
		return ctx.evalVar(node)

	case ndEnv:
		return ctx.evalEnv(node)

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := int(node.value.(int64))
		coll = flattenCollection(coll)
		if idx < 0 || idx >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ctx.evalFunction(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndAnd:
		return ctx.evalAnd(node, input)

	case ndOr:
		return ctx.evalOr(node, input)

	case ndImplies:
		return ctx.evalImplies(node, input)

	case ndUnion:
		return ctx.evalUnion(node, input)

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

// evalPath resolves an identifier against the input collection.
func (ctx *evalContext) evalPath(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	// A leading resource-type name resolves to the root resource when it
	// matches, and to empty otherwise.
	if isResourceTypeName(name) && ctx.root != nil {
		rt, _ := ctx.root["resourceType"].(string)
		if rt == name {
			return []interface{}{ctx.root}, nil
		}
		return []interface{}{}, nil
	}

	var result []interface{}
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result, nil
}

func (ctx *evalContext) evalVar(node *astNode) ([]interface{}, error) {
	name := node.value.(string)
	switch name {
	case "this":
		if ctx.this != nil {
			return []interface{}{ctx.this}, nil
		}
		if ctx.root != nil {
			return []interface{}{ctx.root}, nil
		}
		return []interface{}{}, nil
	default:
		return nil, fmt.Errorf("unknown variable $%s", name)
	}
}

func (ctx *evalContext) evalEnv(node *astNode) ([]interface{}, error) {
	name := node.value.(string)
	val, ok := ctx.env[name]
	if !ok {
		return nil, fmt.Errorf("undefined constant %%%s", name)
	}
	if val == nil {
		return []interface{}{}, nil
	}
	return []interface{}{val}, nil
}

// navigateField extracts a named field from a value, flattening FHIR arrays.
func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok {
		return nil
	}
	if arr, isArr := val.([]interface{}); isArr {
		return arr
	}
	return []interface{}{val}
}

func flattenCollection(coll []interface{}) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if arr, ok := item.([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

func (ctx *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)
	if op == "" {
		return nil, fmt.Errorf("comparison node missing operator")
	}

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}

	// FHIRPath comparison: if either side is empty, the result is empty.
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []interface{}{}, nil
	}

	result, err := compareValues(leftColl[0], rightColl[0], op)
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if lok && rok {
		return compareNumbers(ln, rn, op), nil
	}

	lb, lbOk := lv.(bool)
	rb, rbOk := rv.(bool)
	if lbOk && rbOk {
		switch op {
		case "=":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, nil
	}

	lt, ltOk := lv.(time.Time)
	rt, rtOk := rv.(time.Time)
	if ltOk && rtOk {
		return compareTimes(lt, rt, op), nil
	}

	ls := fmt.Sprintf("%v", lv)
	rs := fmt.Sprintf("%v", rv)
	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func compareTimes(l, r time.Time, op string) bool {
	switch op {
	case "=":
		return l.Equal(r)
	case "!=":
		return !l.Equal(r)
	case "<":
		return l.Before(r)
	case ">":
		return l.After(r)
	case "<=":
		return !l.After(r)
	case ">=":
		return !l.Before(r)
	}
	return false
}

// ---------------------------------------------------------------------------
// Logical operators
// ---------------------------------------------------------------------------

func (ctx *evalContext) evalAnd(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(leftColl) {
		return []interface{}{false}, nil // short-circuit
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

func (ctx *evalContext) evalOr(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(leftColl) {
		return []interface{}{true}, nil // short-circuit
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

func (ctx *evalContext) evalImplies(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(leftColl) {
		return []interface{}{true}, nil // false implies anything
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

// ---------------------------------------------------------------------------
// Union
// ---------------------------------------------------------------------------

func (ctx *evalContext) evalUnion(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var result []interface{}
	for _, v := range append(leftColl, rightColl...) {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, nil
}

// isResourceTypeName reports whether the name looks like a FHIR resource type
// (starts with uppercase).
func isResourceTypeName(name string) bool {
	if len(name) == 0 {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}
