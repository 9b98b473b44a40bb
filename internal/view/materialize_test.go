package view

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func newTestMaterializer(t *testing.T, src string) *Materializer {
	t.Helper()
	plan, err := Compile(parseDef(t, src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return NewMaterializer(plan, NewEvaluator(zerolog.Nop(), plan))
}

func parseResource(t *testing.T, src string) map[string]interface{} {
	t.Helper()
	var resource map[string]interface{}
	if err := json.Unmarshal([]byte(src), &resource); err != nil {
		t.Fatalf("parse resource: %v", err)
	}
	return resource
}

func mustRow(t *testing.T, rows []Row, i int) Row {
	t.Helper()
	if i >= len(rows) {
		t.Fatalf("expected at least %d rows, got %d: %v", i+1, len(rows), rows)
	}
	return rows[i]
}

func TestMaterializeBasicProjection(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"select": [{"column": [
			{"path": "id", "name": "patient_id"},
			{"path": "gender", "name": "gender"}
		]}]
	}`)

	inputs := []string{
		`{"resourceType":"Patient","id":"1","gender":"male"}`,
		`{"resourceType":"Patient","id":"2","gender":"female"}`,
	}
	want := []Row{
		{"patient_id": "1", "gender": "male"},
		{"patient_id": "2", "gender": "female"},
	}
	for i, src := range inputs {
		rows, admitted := mat.Materialize(parseResource(t, src))
		if !admitted {
			t.Fatalf("resource %d not admitted", i)
		}
		if len(rows) != 1 {
			t.Fatalf("resource %d: expected 1 row, got %v", i, rows)
		}
		for k, v := range want[i] {
			if rows[0][k] != v {
				t.Errorf("resource %d: %s = %v, want %v", i, k, rows[0][k], v)
			}
		}
	}
}

func TestMaterializeTypeGate(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"select": [{"column": [{"path": "id", "name": "patient_id"}]}]
	}`)
	rows, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Observation","id":"1"}`))
	if admitted || len(rows) != 0 {
		t.Errorf("non-matching resourceType must yield nothing, got admitted=%v rows=%v", admitted, rows)
	}
}

func TestMaterializeWhereFilter(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "active_patients", "status": "active", "resource": "Patient",
		"where": [{"path": "active = true"}],
		"select": [{"column": [{"path": "id", "name": "patient_id"}]}]
	}`)

	if _, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1","active":true}`)); !admitted {
		t.Error("active patient must be admitted")
	}
	if _, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"2","active":false}`)); admitted {
		t.Error("inactive patient must be excluded")
	}
	// Empty where result excludes too.
	if _, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"3"}`)); admitted {
		t.Error("patient without active flag must be excluded")
	}
}

const addressViewTemplate = `{
	"name": "patient_addresses", "status": "active", "resource": "Patient",
	"select": [
		{"column": [{"path": "getResourceKey()", "name": "patient_id"}]},
		{
			"%s": "address",
			"column": [
				{"path": "line.join('\\n')", "name": "street"},
				{"path": "city", "name": "city"}
			]
		}
	]
}`

const twoAddressPatient = `{
	"resourceType": "Patient", "id": "1",
	"address": [
		{"line": ["123 Main St"], "city": "Springfield"},
		{"line": ["456 Oak Ave"], "city": "Shelbyville"}
	]
}`

func TestMaterializeForEachFanOut(t *testing.T) {
	mat := newTestMaterializer(t, fmtTemplate(addressViewTemplate, "forEach"))
	rows, admitted := mat.Materialize(parseResource(t, twoAddressPatient))
	if !admitted {
		t.Fatal("resource not admitted")
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	first, second := mustRow(t, rows, 0), mustRow(t, rows, 1)
	if first["patient_id"] != "1" || second["patient_id"] != "1" {
		t.Errorf("all rows must carry the resource key: %v", rows)
	}
	if first["street"] != "123 Main St" || first["city"] != "Springfield" {
		t.Errorf("first address row: %v", first)
	}
	if second["street"] != "456 Oak Ave" || second["city"] != "Shelbyville" {
		t.Errorf("second address row: %v", second)
	}
}

func TestMaterializeForEachEmptyIsInnerJoin(t *testing.T) {
	mat := newTestMaterializer(t, fmtTemplate(addressViewTemplate, "forEach"))
	rows, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1"}`))
	if !admitted {
		t.Fatal("resource not admitted")
	}
	if len(rows) != 0 {
		t.Errorf("forEach over a missing path must emit no rows, got %v", rows)
	}
}

func TestMaterializeForEachOrNullIsOuterJoin(t *testing.T) {
	mat := newTestMaterializer(t, fmtTemplate(addressViewTemplate, "forEachOrNull"))
	rows, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1"}`))
	if !admitted {
		t.Fatal("resource not admitted")
	}
	if len(rows) != 1 {
		t.Fatalf("forEachOrNull over a missing path must emit exactly one row, got %v", rows)
	}
	row := rows[0]
	if row["patient_id"] != "1" {
		t.Errorf("resource key: %v", row["patient_id"])
	}
	if row["street"] != nil || row["city"] != nil {
		t.Errorf("branch columns must be null: %v", row)
	}
}

func TestMaterializeForEachScalarScope(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "names", "status": "active", "resource": "Patient",
		"select": [{
			"forEach": "name",
			"column": [{"path": "family", "name": "family"}]
		}]
	}`)
	// name is a single object, not an array: treated as a one-element list.
	rows, _ := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1","name":{"family":"Doe"}}`))
	if len(rows) != 1 || rows[0]["family"] != "Doe" {
		t.Errorf("scalar forEach scope: %v", rows)
	}
}

func TestMaterializeNestedForEachMultiplies(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "given_names", "status": "active", "resource": "Patient",
		"select": [
			{"column": [{"path": "getResourceKey()", "name": "patient_id"}]},
			{
				"forEach": "name",
				"column": [{"path": "family", "name": "family"}],
				"select": [{
					"forEach": "given",
					"column": [{"path": "$this", "name": "given"}]
				}]
			}
		]
	}`)
	rows, _ := mat.Materialize(parseResource(t, `{
		"resourceType":"Patient","id":"1",
		"name":[
			{"family":"Doe","given":["Jane","Marie"]},
			{"family":"Smith","given":["Janet"]}
		]
	}`))
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (2 given + 1 given), got %d: %v", len(rows), rows)
	}
	wantGiven := []string{"Jane", "Marie", "Janet"}
	wantFamily := []string{"Doe", "Doe", "Smith"}
	for i, row := range rows {
		if row["given"] != wantGiven[i] || row["family"] != wantFamily[i] {
			t.Errorf("row %d: %v", i, row)
		}
		if row["patient_id"] != "1" {
			t.Errorf("row %d resource key: %v", i, row["patient_id"])
		}
	}
}

func TestMaterializeUnionAll(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "contact_points", "status": "active", "resource": "Patient",
		"select": [
			{"column": [{"path": "getResourceKey()", "name": "patient_id"}]},
			{"unionAll": [
				{"forEach": "telecom.where(system='phone')", "column": [{"path": "value", "name": "phone"}]},
				{"forEach": "telecom.where(system='email')", "column": [{"path": "value", "name": "email"}]}
			]}
		]
	}`)
	rows, _ := mat.Materialize(parseResource(t, `{
		"resourceType":"Patient","id":"1",
		"telecom":[
			{"system":"phone","value":"555-1234"},
			{"system":"email","value":"jane@example.com"}
		]
	}`))
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	// Branch order is preserved; columns of the other branch are null.
	if rows[0]["phone"] != "555-1234" || rows[0]["email"] != nil {
		t.Errorf("phone row: %v", rows[0])
	}
	if rows[1]["email"] != "jane@example.com" || rows[1]["phone"] != nil {
		t.Errorf("email row: %v", rows[1])
	}
}

func TestMaterializeReferenceKey(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "observations", "status": "active", "resource": "Observation",
		"select": [{"column": [
			{"path": "getResourceKey()", "name": "observation_id"},
			{"path": "subject.getReferenceKey('Patient')", "name": "patient_id"},
			{"path": "valueQuantity.value", "name": "value", "type": "decimal"}
		]}]
	}`)

	rows, _ := mat.Materialize(parseResource(t, `{
		"resourceType":"Observation","id":"o1",
		"subject":{"reference":"Patient/2"},
		"valueQuantity":{"value":7.2}
	}`))
	row := mustRow(t, rows, 0)
	if row["observation_id"] != "o1" || row["patient_id"] != "2" || row["value"] != 7.2 {
		t.Errorf("reference row: %v", row)
	}

	// Empty subject: the key column is null, the row survives.
	rows, _ = mat.Materialize(parseResource(t, `{
		"resourceType":"Observation","id":"o2",
		"valueQuantity":{"value":1.0}
	}`))
	row = mustRow(t, rows, 0)
	if row["patient_id"] != nil {
		t.Errorf("missing subject must yield null patient_id: %v", row)
	}

	// Mismatched target type also yields null.
	rows, _ = mat.Materialize(parseResource(t, `{
		"resourceType":"Observation","id":"o3",
		"subject":{"reference":"Group/9"},
		"valueQuantity":{"value":2.0}
	}`))
	row = mustRow(t, rows, 0)
	if row["patient_id"] != nil {
		t.Errorf("type-mismatched reference must yield null: %v", row)
	}
}

func TestMaterializeConstantSubstitution(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"constant": [{"name": "src", "valueString": "import"}],
		"select": [{"column": [
			{"path": "id", "name": "patient_id"},
			{"path": "%src", "name": "source"}
		]}]
	}`)
	rows, _ := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1"}`))
	row := mustRow(t, rows, 0)
	if row["source"] != "import" {
		t.Errorf("constant column: %v", row)
	}
}

func TestMaterializeCollectionColumn(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"select": [{"column": [
			{"path": "id", "name": "patient_id"},
			{"path": "name.given", "name": "given_names", "collection": true}
		]}]
	}`)
	rows, _ := mat.Materialize(parseResource(t, `{
		"resourceType":"Patient","id":"1",
		"name":[{"given":["Jane","Marie"]}]
	}`))
	row := mustRow(t, rows, 0)
	given, ok := row["given_names"].([]interface{})
	if !ok || len(given) != 2 || given[0] != "Jane" {
		t.Errorf("collection column: %v", row["given_names"])
	}
}

func TestMaterializeAllNullRowSuppressed(t *testing.T) {
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"select": [{"column": [
			{"path": "gender", "name": "gender"},
			{"path": "birthDate", "name": "birth_date"}
		]}]
	}`)
	rows, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1"}`))
	if !admitted {
		t.Fatal("resource not admitted")
	}
	if len(rows) != 0 {
		t.Errorf("all-null row must be suppressed, got %v", rows)
	}
}

func TestMaterializeKeySetInvariant(t *testing.T) {
	mat := newTestMaterializer(t, fmtTemplate(addressViewTemplate, "forEachOrNull"))
	rows, _ := mat.Materialize(parseResource(t, twoAddressPatient))
	for _, row := range rows {
		if len(row) != 3 {
			t.Errorf("row key set must equal the plan's columns: %v", row)
		}
		for _, name := range []string{"patient_id", "street", "city"} {
			if _, ok := row[name]; !ok {
				t.Errorf("row missing column %s: %v", name, row)
			}
		}
	}
}

func TestMaterializeEvaluatorErrorYieldsNull(t *testing.T) {
	// Calling an unknown function in a column path fails evaluation; the
	// column becomes null and the row still materializes.
	mat := newTestMaterializer(t, `{
		"name": "patients", "status": "active", "resource": "Patient",
		"select": [{"column": [
			{"path": "id", "name": "patient_id"},
			{"path": "gender.unknownFn()", "name": "odd"}
		]}]
	}`)
	rows, admitted := mat.Materialize(parseResource(t, `{"resourceType":"Patient","id":"1","gender":"male"}`))
	if !admitted || len(rows) != 1 {
		t.Fatalf("expected one row, got admitted=%v rows=%v", admitted, rows)
	}
	if rows[0]["odd"] != nil {
		t.Errorf("failed expression must yield null: %v", rows[0])
	}
	if rows[0]["patient_id"] != "1" {
		t.Errorf("healthy columns must survive: %v", rows[0])
	}
}

// fmtTemplate swaps the iteration keyword into the shared address view.
func fmtTemplate(template, keyword string) string {
	return fmt.Sprintf(template, keyword)
}
