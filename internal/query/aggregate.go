package query

import (
	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/plan"
	"github.com/roach88/mqc/internal/settings"
)

type aggExpr struct {
	Label string
	Op    string // "" labels a raw column
	Attr  attr.Attribute
	Const int
	Pred  []FilterExpr
}

// Aggregate resolves labeled aggregate expressions: raw column labels
// (gated twice: aggregate_labels permits labeling at all, aggregate_columns
// allow-lists the column), $min/$max/$avg/$sum over an operand column,
// $sum over an integer constant (COUNT(*) and weighted counts) and $sum
// over a boolean predicate ("count rows matching X").
//
// Labels compile in lexicographic order; output ordering is part of the
// observable contract for row-to-record conversion.
type Aggregate struct {
	res    *attr.Resolver
	scope  *settings.Scope
	filter *Filter
	exprs  []aggExpr
}

func newAggregate(res *attr.Resolver, scope *settings.Scope, filter *Filter) *Aggregate {
	return &Aggregate{res: res, scope: scope, filter: filter}
}

// Empty reports whether no aggregates were given.
func (a *Aggregate) Empty() bool { return len(a.exprs) == 0 }

// Labels returns the compiled labels in output order.
func (a *Aggregate) Labels() []string {
	out := make([]string, len(a.exprs))
	for i, e := range a.exprs {
		out[i] = e.Label
	}
	return out
}

// Input parses the aggregate section.
func (a *Aggregate) Input(v any) error {
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return invalidQuery("aggregate", "aggregate must be an object, got %s", describeType(v))
	}
	for _, label := range sortedKeys(m) {
		if err := a.add(label, m[label]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregate) add(label string, raw any) error {
	entity := a.res.Entity()
	switch expr := raw.(type) {
	case string:
		// labeling a raw column can leak columns not otherwise exposed
		if !a.scope.AggregateLabels {
			return disabled(entity.Name, label, "aggregate")
		}
		if entity.Legacy(expr) || a.scope.Legacy(expr) {
			return nil
		}
		if !a.scope.AggregateColumnAllowed(expr) {
			return disabled(entity.Name, expr, "aggregate")
		}
		col, err := a.operand(expr)
		if err != nil {
			return err
		}
		a.exprs = append(a.exprs, aggExpr{Label: label, Attr: col})
		return nil
	case map[string]any:
		if len(expr) != 1 {
			return invalidQuery("aggregate", "aggregate %q must use exactly one operator", label)
		}
		op := sortedKeys(expr)[0]
		operand := expr[op]
		switch op {
		case "$min", "$max", "$avg", "$sum":
		default:
			return invalidQuery("aggregate", "unknown aggregate operator %q for %q", op, label)
		}
		if op == "$sum" {
			if n, ok := asInt(operand); ok {
				a.exprs = append(a.exprs, aggExpr{Label: label, Op: op, Const: n})
				return nil
			}
			if criteria, ok := operand.(map[string]any); ok {
				pred, err := a.filter.parseCriteria(criteria)
				if err != nil {
					return err
				}
				a.exprs = append(a.exprs, aggExpr{Label: label, Op: op, Pred: pred})
				return nil
			}
		}
		name, ok := operand.(string)
		if !ok {
			return invalidQuery("aggregate", "operand of %s for %q must be a field name, got %s", op, label, describeType(operand))
		}
		if entity.Legacy(name) || a.scope.Legacy(name) {
			return nil
		}
		col, err := a.operand(name)
		if err != nil {
			return err
		}
		a.exprs = append(a.exprs, aggExpr{Label: label, Op: op, Attr: col})
		return nil
	}
	return invalidQuery("aggregate", "aggregate %q must be a column name or an operator object, got %s", label, describeType(raw))
}

func (a *Aggregate) operand(name string) (attr.Attribute, error) {
	entity := a.res.Entity()
	col, err := a.res.Resolve(name)
	if err != nil {
		return attr.Attribute{}, fieldError(err, entity.Name, name, "aggregate")
	}
	if !col.Sortable() {
		return attr.Attribute{}, invalidField(entity.Name, name, "aggregate",
			"field %q cannot be aggregated", name)
	}
	return col, nil
}

// Compile renders the labeled expressions, in label order.
func (a *Aggregate) Compile(aliases *aliasAllocator) ([]plan.Column, error) {
	out := make([]plan.Column, 0, len(a.exprs))
	for _, e := range a.exprs {
		switch {
		case e.Op == "":
			ref, err := a.res.Reference(e.Attr)
			if err != nil {
				return nil, err
			}
			out = append(out, plan.Col(e.Label, ref))
		case e.Pred != nil:
			pred, err := a.filter.compileGroup(e.Pred, a.res, aliases)
			if err != nil {
				return nil, err
			}
			sql, args, err := pred.ToSql()
			if err != nil {
				return nil, err
			}
			out = append(out, plan.Col(e.Label, "SUM(CASE WHEN "+sql+" THEN 1 ELSE 0 END)", args...))
		case e.Attr.Field == nil:
			if e.Const == 1 {
				out = append(out, plan.Col(e.Label, "COUNT(*)"))
			} else {
				out = append(out, plan.Col(e.Label, "COUNT(*) * ?", e.Const))
			}
		default:
			ref, err := a.res.Reference(e.Attr)
			if err != nil {
				return nil, err
			}
			var fn string
			switch e.Op {
			case "$min":
				fn = "MIN"
			case "$max":
				fn = "MAX"
			case "$avg":
				fn = "AVG"
			case "$sum":
				fn = "SUM"
			}
			out = append(out, plan.Col(e.Label, fn+"("+ref+")"))
		}
	}
	return out, nil
}
