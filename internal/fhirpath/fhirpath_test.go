package fhirpath

import (
	"testing"
)

func fpPatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "pt-1",
		"active":       true,
		"gender":       "female",
		"birthDate":    "1985-07-23",
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": "Doe",
				"given":  []interface{}{"Jane", "Marie"},
			},
			map[string]interface{}{
				"use":    "nickname",
				"family": "Doe",
				"given":  []interface{}{"JD"},
			},
		},
		"address": []interface{}{
			map[string]interface{}{
				"line": []interface{}{"123 Main St", "Apt 4"},
				"city": "Springfield",
			},
		},
	}
}

func fpEval(t *testing.T, expr string, opts Options) []interface{} {
	t.Helper()
	engine := New()
	result, err := engine.Evaluate(expr, opts)
	if err != nil {
		t.Fatalf("Evaluate(%q) failed: %v", expr, err)
	}
	return result
}

func TestSimplePathNavigation(t *testing.T) {
	result := fpEval(t, "gender", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "female" {
		t.Errorf("expected [female], got %v", result)
	}
}

func TestResourceTypePrefix(t *testing.T) {
	result := fpEval(t, "Patient.id", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "pt-1" {
		t.Errorf("expected [pt-1], got %v", result)
	}

	// Mismatched resource type resolves to empty.
	result = fpEval(t, "Observation.id", Options{Root: fpPatient()})
	if len(result) != 0 {
		t.Errorf("expected empty, got %v", result)
	}
}

func TestArrayFlattening(t *testing.T) {
	result := fpEval(t, "name.given", Options{Root: fpPatient()})
	if len(result) != 3 {
		t.Fatalf("expected 3 given names, got %v", result)
	}
	if result[0] != "Jane" || result[2] != "JD" {
		t.Errorf("unexpected order: %v", result)
	}
}

func TestMissingPathIsEmpty(t *testing.T) {
	result := fpEval(t, "maritalStatus.text", Options{Root: fpPatient()})
	if len(result) != 0 {
		t.Errorf("expected empty collection, got %v", result)
	}
}

func TestWhereFilter(t *testing.T) {
	result := fpEval(t, "name.where(use='official').family", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "Doe" {
		t.Errorf("expected [Doe], got %v", result)
	}

	result = fpEval(t, "name.where(use='maiden').family", Options{Root: fpPatient()})
	if len(result) != 0 {
		t.Errorf("expected empty, got %v", result)
	}
}

func TestFirstAndIndex(t *testing.T) {
	result := fpEval(t, "name.given.first()", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "Jane" {
		t.Errorf("first(): expected [Jane], got %v", result)
	}

	result = fpEval(t, "name[1].given", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "JD" {
		t.Errorf("index: expected [JD], got %v", result)
	}
}

func TestJoin(t *testing.T) {
	result := fpEval(t, "address.line.join('\\n')", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "123 Main St\nApt 4" {
		t.Errorf("join: got %v", result)
	}

	// join on an empty collection is empty
	result = fpEval(t, "address.state.join(',')", Options{Root: fpPatient()})
	if len(result) != 0 {
		t.Errorf("join on empty: got %v", result)
	}
}

func TestThisVariable(t *testing.T) {
	addr := map[string]interface{}{"city": "Shelbyville"}
	result := fpEval(t, "$this.city", Options{Root: fpPatient(), This: addr})
	if len(result) != 1 || result[0] != "Shelbyville" {
		t.Errorf("$this.city: got %v", result)
	}

	// The iteration element is also the initial focus.
	result = fpEval(t, "city", Options{Root: fpPatient(), This: addr})
	if len(result) != 1 || result[0] != "Shelbyville" {
		t.Errorf("city under scope: got %v", result)
	}
}

func TestEnvConstant(t *testing.T) {
	opts := Options{Root: fpPatient(), Env: map[string]interface{}{"src": "import"}}
	result := fpEval(t, "%src", opts)
	if len(result) != 1 || result[0] != "import" {
		t.Errorf("%%src: got %v", result)
	}

	engine := New()
	if _, err := engine.Evaluate("%missing", Options{Root: fpPatient()}); err == nil {
		t.Error("expected error for undefined constant")
	}
}

func TestExternalFunction(t *testing.T) {
	engine := New()
	engine.RegisterFunc("getResourceKey", func(input []interface{}, _ [][]interface{}) ([]interface{}, error) {
		var out []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m["id"])
			}
		}
		return out, nil
	})

	result, err := engine.Evaluate("getResourceKey()", Options{Root: fpPatient()})
	if err != nil {
		t.Fatalf("getResourceKey(): %v", err)
	}
	if len(result) != 1 || result[0] != "pt-1" {
		t.Errorf("getResourceKey(): got %v", result)
	}
}

func TestExternalFunctionIdentifierArg(t *testing.T) {
	engine := New()
	var captured string
	engine.RegisterFunc("typeArg", func(_ []interface{}, args [][]interface{}) ([]interface{}, error) {
		if len(args) > 0 && len(args[0]) > 0 {
			captured, _ = args[0][0].(string)
		}
		return []interface{}{}, nil
	})

	if _, err := engine.Evaluate("subject.typeArg(Patient)", Options{Root: fpPatient()}); err != nil {
		t.Fatalf("typeArg: %v", err)
	}
	if captured != "Patient" {
		t.Errorf("expected bare identifier passed as string, got %q", captured)
	}
}

func TestComparisons(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"gender = 'female'", true},
		{"gender != 'female'", false},
		{"active = true", true},
		{"birthDate >= '1980-01-01'", true},
		{"birthDate < '1980-01-01'", false},
	}
	for _, tt := range tests {
		result := fpEval(t, tt.expr, Options{Root: fpPatient()})
		if len(result) != 1 {
			t.Errorf("%s: expected singleton, got %v", tt.expr, result)
			continue
		}
		if b, ok := result[0].(bool); !ok || b != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.expr, tt.want, result[0])
		}
	}
}

func TestComparisonAgainstMissingIsEmpty(t *testing.T) {
	result := fpEval(t, "deceasedBoolean = true", Options{Root: fpPatient()})
	if len(result) != 0 {
		t.Errorf("expected empty result, got %v", result)
	}
}

func TestLogicalOperators(t *testing.T) {
	result := fpEval(t, "active = true and gender = 'female'", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != true {
		t.Errorf("and: got %v", result)
	}

	result = fpEval(t, "gender = 'male' or active = true", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != true {
		t.Errorf("or: got %v", result)
	}
}

func TestExistsAndEmpty(t *testing.T) {
	result := fpEval(t, "address.exists()", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != true {
		t.Errorf("exists: got %v", result)
	}
	result = fpEval(t, "contact.empty()", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != true {
		t.Errorf("empty: got %v", result)
	}
}

func TestStringFunctions(t *testing.T) {
	result := fpEval(t, "gender.upper()", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "FEMALE" {
		t.Errorf("upper: got %v", result)
	}
	result = fpEval(t, "id.startsWith('pt')", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != true {
		t.Errorf("startsWith: got %v", result)
	}
	result = fpEval(t, "id.substring(3)", Options{Root: fpPatient()})
	if len(result) != 1 || result[0] != "1" {
		t.Errorf("substring: got %v", result)
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"", "name.", "name.where(", "a = ", "'unterminated"} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestParseReuse(t *testing.T) {
	x, err := Parse("name.family")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	engine := New()
	for i := 0; i < 3; i++ {
		result, err := engine.Run(x, Options{Root: fpPatient()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(result) != 2 {
			t.Errorf("run %d: expected 2 values, got %v", i, result)
		}
	}
}
