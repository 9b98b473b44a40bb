package view

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/view-runner/internal/fhirpath"
)

// Evaluator binds the FHIRPath engine to a compiled Plan: it installs the
// view-runner invocation table (getResourceKey, getReferenceKey) and the
// plan's %constants, and converts evaluator failures into empty results with
// a structured log event, so materialization never fails on a bad path.
type Evaluator struct {
	engine *fhirpath.Engine
	env    map[string]interface{}
	logger zerolog.Logger
}

// NewEvaluator creates an evaluator for one plan.
func NewEvaluator(logger zerolog.Logger, plan *Plan) *Evaluator {
	engine := fhirpath.New()
	engine.RegisterFunc("getResourceKey", getResourceKey)
	engine.RegisterFunc("getReferenceKey", getReferenceKey)
	return &Evaluator{
		engine: engine,
		env:    plan.Env(),
		logger: logger,
	}
}

// Evaluate runs a parsed expression with $this bound to scope. On evaluator
// error it returns the empty collection and emits a structured log event.
func (ev *Evaluator) Evaluate(x *fhirpath.Expr, root map[string]interface{}, scope interface{}) []interface{} {
	result, err := ev.run(x, root, scope)
	if err != nil {
		ev.logger.Warn().
			Str("event", "expression-error").
			Str("expression", x.Source()).
			Err(err).
			Msg("fhirpath evaluation failed")
		return []interface{}{}
	}
	return result
}

func (ev *Evaluator) run(x *fhirpath.Expr, root map[string]interface{}, scope interface{}) (result []interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ev.engine.Run(x, fhirpath.Options{Root: root, This: scope, Env: ev.env})
}

// getResourceKey returns the id of each item in the input collection, in a
// manner independent of resource type; items without an id contribute null.
func getResourceKey(input []interface{}, _ [][]interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(input))
	for _, item := range input {
		m, ok := item.(map[string]interface{})
		if !ok {
			out = append(out, nil)
			continue
		}
		if id, ok := m["id"]; ok {
			out = append(out, id)
		} else {
			out = append(out, nil)
		}
	}
	return out, nil
}

// getReferenceKey extracts the id part of each reference in the input. A
// reference is either an object carrying a "Type/id" string in its reference
// attribute, or that string itself. Missing or malformed references
// contribute nothing; when a resource type argument is given, references to
// other types contribute nothing either.
func getReferenceKey(input []interface{}, args [][]interface{}) ([]interface{}, error) {
	wantType := ""
	if len(args) > 0 && len(args[0]) > 0 {
		wantType = fmt.Sprintf("%v", args[0][0])
	}

	var out []interface{}
	for _, item := range input {
		ref := ""
		switch v := item.(type) {
		case string:
			ref = v
		case map[string]interface{}:
			ref, _ = v["reference"].(string)
		}
		if ref == "" {
			continue
		}
		// Relative references look like "Patient/123"; absolute URLs end the
		// same way, so the last two segments carry type and id.
		parts := strings.Split(ref, "/")
		if len(parts) < 2 {
			continue
		}
		refType, refID := parts[len(parts)-2], parts[len(parts)-1]
		if refType == "" || refID == "" {
			continue
		}
		if wantType != "" && refType != wantType {
			continue
		}
		out = append(out, refID)
	}
	if out == nil {
		return []interface{}{}, nil
	}
	return out, nil
}
