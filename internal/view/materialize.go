package view

// Row maps column names to values; a collection column holds a list of
// values, everything else a scalar or nil.
type Row map[string]interface{}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Materializer applies a compiled Plan to resources, producing flat rows.
type Materializer struct {
	plan *Plan
	eval *Evaluator
}

// NewMaterializer creates a materializer for one plan.
func NewMaterializer(plan *Plan, eval *Evaluator) *Materializer {
	return &Materializer{plan: plan, eval: eval}
}

// Materialize produces the rows for one resource. The boolean reports
// whether the resource was admitted (resource type matched and every where
// clause held); the row list may still be empty under inner-join semantics
// or all-null suppression. The result is never partially constructed.
func (m *Materializer) Materialize(resource map[string]interface{}) ([]Row, bool) {
	rt, _ := resource["resourceType"].(string)
	if rt != m.plan.Resource {
		return nil, false
	}

	for _, w := range m.plan.Where {
		vals := m.eval.Evaluate(w.expr, resource, resource)
		if len(vals) == 0 {
			return nil, false
		}
		if b, ok := vals[0].(bool); !ok || !b {
			return nil, false
		}
	}

	rows := m.expand(resource, resource, m.plan.Branches, Row{})
	return m.finalize(rows), true
}

// expand applies a branch list to the current scope, fanning the accumulator
// row out through each branch in textual order.
func (m *Materializer) expand(root map[string]interface{}, scope interface{}, branches []*Branch, acc Row) []Row {
	rows := []Row{acc.clone()}
	for _, b := range branches {
		rows = m.applyBranch(root, scope, b, rows)
		if len(rows) == 0 {
			return nil
		}
	}
	return rows
}

// applyBranch evaluates one branch against the scope and cross-joins the
// produced partial rows with the rows accumulated so far.
func (m *Materializer) applyBranch(root map[string]interface{}, scope interface{}, b *Branch, rows []Row) []Row {
	switch b.Kind {
	case BranchLeaf:
		part := m.evalColumns(root, b.Columns, scope)
		sub := m.expand(root, scope, b.Children, part)
		return crossJoin(rows, sub)

	case BranchForEach, BranchForEachOrNull:
		var elems []interface{}
		if scope != nil {
			elems = m.eval.Evaluate(b.iterExpr, root, scope)
		}
		if len(elems) == 0 {
			if b.Kind == BranchForEach {
				return nil // inner join: no elements, no rows
			}
			elems = []interface{}{nil} // outer join: one null element
		}
		var parts []Row
		for _, el := range elems {
			part := m.evalColumns(root, b.Columns, el)
			parts = append(parts, m.expand(root, el, b.Children, part)...)
		}
		return crossJoin(rows, parts)

	case BranchUnion:
		var parts []Row
		for _, c := range b.Children {
			parts = append(parts, m.applyBranch(root, scope, c, []Row{{}})...)
		}
		return crossJoin(rows, parts)
	}
	return nil
}

// evalColumns evaluates a branch's columns against the scope element. A nil
// scope (outer-join null element) yields null for every column.
func (m *Materializer) evalColumns(root map[string]interface{}, cols []Column, scope interface{}) Row {
	part := make(Row, len(cols))
	for _, col := range cols {
		if scope == nil {
			part[col.Name] = nil
			continue
		}
		vals := m.eval.Evaluate(col.expr, root, scope)
		switch {
		case len(vals) == 0:
			part[col.Name] = nil
		case col.Collection:
			part[col.Name] = vals
		default:
			part[col.Name] = vals[0]
		}
	}
	return part
}

// finalize gives every row the plan's exact column key set and suppresses
// rows with no non-null value.
func (m *Materializer) finalize(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		full := make(Row, len(m.plan.Columns))
		hasValue := false
		for _, col := range m.plan.Columns {
			v := r[col.Name]
			full[col.Name] = v
			if v != nil {
				hasValue = true
			}
		}
		if hasValue {
			out = append(out, full)
		}
	}
	return out
}

// crossJoin merges every accumulated row with every partial row produced by
// a branch. An empty partial set kills the accumulated rows.
func crossJoin(rows, parts []Row) []Row {
	if len(parts) == 0 {
		return nil
	}
	out := make([]Row, 0, len(rows)*len(parts))
	for _, r := range rows {
		for _, p := range parts {
			merged := r.clone()
			for k, v := range p {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}
