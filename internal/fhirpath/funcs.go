package fhirpath

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

func (ctx *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	// Receiver collection; standalone calls operate on the current focus.
	receiverColl := input
	if node.receiver != nil {
		var err error
		receiverColl, err = ctx.eval(node.receiver, input)
		if err != nil {
			return nil, err
		}
	}

	// External functions take precedence over built-ins.
	if fn, ok := ctx.engine.funcs[name]; ok {
		args, err := ctx.evalArgs(node.children, input)
		if err != nil {
			return nil, err
		}
		return fn(receiverColl, args)
	}

	switch name {
	// Collection functions take the argument as an unevaluated expression
	// applied per item.
	case "where":
		return ctx.fnWhere(receiverColl, node.children)
	case "exists":
		return ctx.fnExists(receiverColl, node.children)
	case "all":
		return ctx.fnAll(receiverColl, node.children)
	case "select":
		return ctx.fnSelect(receiverColl, node.children)
	case "count":
		return []interface{}{int64(len(receiverColl))}, nil
	case "first":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[0]}, nil
	case "last":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[len(receiverColl)-1]}, nil
	case "tail":
		if len(receiverColl) <= 1 {
			return []interface{}{}, nil
		}
		return receiverColl[1:], nil
	case "empty":
		return []interface{}{len(receiverColl) == 0}, nil
	case "distinct":
		return fnDistinct(receiverColl), nil
	case "ofType":
		return ctx.fnOfType(receiverColl, node.children)
	case "hasValue":
		return []interface{}{len(receiverColl) == 1 && receiverColl[0] != nil}, nil
	case "not":
		return []interface{}{!collectionToBool(receiverColl)}, nil

	// String functions
	case "join":
		return ctx.fnJoin(receiverColl, node.children, input)
	case "startsWith":
		return ctx.fnStringPredicate(receiverColl, node.children, input, strings.HasPrefix)
	case "endsWith":
		return ctx.fnStringPredicate(receiverColl, node.children, input, strings.HasSuffix)
	case "contains":
		return ctx.fnStringPredicate(receiverColl, node.children, input, strings.Contains)
	case "matches":
		return ctx.fnMatches(receiverColl, node.children, input)
	case "length":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{int64(len(fmt.Sprintf("%v", receiverColl[0])))}, nil
	case "upper":
		return fnStringTransform(receiverColl, strings.ToUpper)
	case "lower":
		return fnStringTransform(receiverColl, strings.ToLower)
	case "replace":
		return ctx.fnReplace(receiverColl, node.children, input)
	case "substring":
		return ctx.fnSubstring(receiverColl, node.children, input)

	// Type functions
	case "is":
		return ctx.fnIs(receiverColl, node.children)
	case "as":
		return ctx.fnAs(receiverColl, node.children)

	// Math functions
	case "abs":
		return fnMathUnary(receiverColl, math.Abs)
	case "ceiling":
		return fnMathUnary(receiverColl, math.Ceil)
	case "floor":
		return fnMathUnary(receiverColl, math.Floor)
	case "round":
		return fnMathUnary(receiverColl, math.Round)

	// Date/time functions
	case "toDate", "toDateTime":
		return fnToDateTime(receiverColl)
	case "now":
		return []interface{}{time.Now().UTC()}, nil
	case "today":
		now := time.Now()
		return []interface{}{time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		return ctx.fnIif(node.children, input)

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

// evalArgs evaluates argument expressions for an external function. A bare
// identifier argument (e.g. getReferenceKey(Patient)) is passed through as
// its name string rather than navigated as a path.
func (ctx *evalContext) evalArgs(argNodes []*astNode, input []interface{}) ([][]interface{}, error) {
	args := make([][]interface{}, 0, len(argNodes))
	for _, a := range argNodes {
		if a.kind == ndPath {
			args = append(args, []interface{}{a.value.(string)})
			continue
		}
		v, err := ctx.eval(a, input)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// ---------------------------------------------------------------------------
// Collection functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnWhere(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ctx *evalContext) fnExists(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) fnAll(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{true}, nil
	}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if !collectionToBool(val) {
			return []interface{}{false}, nil
		}
	}
	return []interface{}{true}, nil
}

func (ctx *evalContext) fnSelect(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		result = append(result, val...)
	}
	return result, nil
}

func fnDistinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool)
	var result []interface{}
	for _, v := range coll {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result
}

func (ctx *evalContext) fnOfType(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	typeName := argTypeName(args[0])
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// String functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnJoin(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	sep := ""
	if len(args) > 0 {
		sepColl, err := ctx.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if len(sepColl) > 0 {
			sep = fmt.Sprintf("%v", sepColl[0])
		}
	}
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	parts := make([]string, len(coll))
	for i, v := range coll {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return []interface{}{strings.Join(parts, sep)}, nil
}

func (ctx *evalContext) fnStringPredicate(coll []interface{}, args []*astNode, input []interface{}, fn func(string, string) bool) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", coll[0])
	arg := fmt.Sprintf("%v", argColl[0])
	return []interface{}{fn(s, arg)}, nil
}

func (ctx *evalContext) fnMatches(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	pattern := fmt.Sprintf("%v", argColl[0])
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return []interface{}{re.MatchString(fmt.Sprintf("%v", coll[0]))}, nil
}

func fnStringTransform(coll []interface{}, fn func(string) string) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	return []interface{}{fn(fmt.Sprintf("%v", coll[0]))}, nil
}

func (ctx *evalContext) fnReplace(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) < 2 {
		return []interface{}{}, nil
	}
	patternColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	replacementColl, err := ctx.eval(args[1], input)
	if err != nil {
		return nil, err
	}
	if len(patternColl) == 0 || len(replacementColl) == 0 {
		return coll, nil
	}
	s := fmt.Sprintf("%v", coll[0])
	pattern := fmt.Sprintf("%v", patternColl[0])
	replacement := fmt.Sprintf("%v", replacementColl[0])
	return []interface{}{strings.ReplaceAll(s, pattern, replacement)}, nil
}

func (ctx *evalContext) fnSubstring(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	startColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(startColl) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", coll[0])
	startF, ok := toNumber(startColl[0])
	if !ok {
		return []interface{}{}, nil
	}
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return []interface{}{""}, nil
	}

	if len(args) >= 2 {
		lenColl, err := ctx.eval(args[1], input)
		if err != nil {
			return nil, err
		}
		if len(lenColl) > 0 {
			if lenF, ok := toNumber(lenColl[0]); ok {
				end := start + int(lenF)
				if end > len(s) {
					end = len(s)
				}
				return []interface{}{s[start:end]}, nil
			}
		}
	}
	return []interface{}{s[start:]}, nil
}

// ---------------------------------------------------------------------------
// Type functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnIs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{false}, nil
	}
	return []interface{}{matchesType(coll[0], argTypeName(args[0]))}, nil
}

func (ctx *evalContext) fnAs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	typeName := argTypeName(args[0])
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

func argTypeName(arg *astNode) string {
	switch arg.kind {
	case ndPath:
		return arg.value.(string)
	case ndLiteral:
		return fmt.Sprintf("%v", arg.value)
	}
	return ""
}

func matchesType(v interface{}, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer", "int":
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case "decimal", "float":
		_, ok := v.(float64)
		return ok
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "date", "datetime":
		_, ok := v.(time.Time)
		return ok
	default:
		if m, ok := v.(map[string]interface{}); ok {
			rt, _ := m["resourceType"].(string)
			return rt == typeName
		}
		return false
	}
}

// ---------------------------------------------------------------------------
// Math and conditional functions
// ---------------------------------------------------------------------------

func fnMathUnary(coll []interface{}, fn func(float64) float64) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	f, ok := toNumber(coll[0])
	if !ok {
		return []interface{}{}, nil
	}
	result := fn(f)
	if result == math.Trunc(result) && !math.IsInf(result, 0) && !math.IsNaN(result) {
		return []interface{}{int64(result)}, nil
	}
	return []interface{}{result}, nil
}

func fnToDateTime(coll []interface{}) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	switch v := coll[0].(type) {
	case time.Time:
		return []interface{}{v}, nil
	case string:
		t, err := parseDateTimeLiteral(v)
		if err != nil {
			return []interface{}{}, nil
		}
		return []interface{}{t}, nil
	}
	return []interface{}{}, nil
}

func (ctx *evalContext) fnIif(args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(args) < 2 {
		return []interface{}{}, nil
	}
	condColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(condColl) {
		return ctx.eval(args[1], input)
	}
	if len(args) >= 3 {
		return ctx.eval(args[2], input)
	}
	return []interface{}{}, nil
}
