package query

import (
	"encoding/json"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/schema"
)

// FilterExpr is one node of a parsed filter tree.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern keeps the set of node kinds closed so the
// compiler can switch exhaustively.
type FilterExpr interface {
	filterExpr() // Marker method - seals interface to this package
}

// Comparison is a leaf condition on one of the entity's own attributes.
type Comparison struct {
	Attr  attr.Attribute
	Op    string
	Value any
}

func (*Comparison) filterExpr() {}

// RelatedComparison is a leaf condition on a column reached through a
// relation. It is never compiled alone: all sibling conditions on the same
// relation are gathered into one correlated EXISTS against the relation's
// aliased target.
type RelatedComparison struct {
	Relation *schema.Relation
	// Attr is resolved against the target entity.
	Attr  attr.Attribute
	Op    string
	Value any
}

func (*RelatedComparison) filterExpr() {}

// BooleanOp combines groups of conditions with $and, $or, $nor or $not.
// Each group is itself an implicit conjunction.
type BooleanOp struct {
	Op     string
	Groups [][]FilterExpr
}

func (*BooleanOp) filterExpr() {}

var scalarOperators = map[string]bool{
	"$eq": true, "$ne": true, "$lt": true, "$lte": true, "$gt": true,
	"$gte": true, "$prefix": true, "$in": true, "$nin": true, "$exists": true,
}

var arrayOperators = map[string]bool{
	"$eq": true, "$ne": true, "$in": true, "$nin": true, "$all": true,
	"$size": true, "$exists": true,
}

// Filter parses criteria into a FilterExpr tree and compiles it to one
// backend predicate. Input may be called more than once (client criteria
// plus a server-side force_filter); the inputs are ANDed.
type Filter struct {
	reg   *schema.Registry
	res   *attr.Resolver
	exprs []FilterExpr
}

func newFilter(reg *schema.Registry, res *attr.Resolver) *Filter {
	return &Filter{reg: reg, res: res}
}

// Empty reports whether no criteria were given.
func (f *Filter) Empty() bool { return len(f.exprs) == 0 }

// Input parses one criteria object and appends it to the tree.
func (f *Filter) Input(v any) error {
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return invalidQuery("filter", "criteria must be an object, got %s", describeType(v))
	}
	exprs, err := f.parseCriteria(m)
	if err != nil {
		return err
	}
	f.exprs = append(f.exprs, exprs...)
	return nil
}

// parseCriteria walks one criteria object. Keys are processed in sorted
// order so compiled SQL and parameter order are deterministic.
func (f *Filter) parseCriteria(m map[string]any) ([]FilterExpr, error) {
	var out []FilterExpr
	for _, key := range sortedKeys(m) {
		value := m[key]
		if strings.HasPrefix(key, "$") {
			e, err := f.parseBoolean(key, value)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
			continue
		}
		exprs, err := f.parseFieldCriteria(key, value)
		if err != nil {
			return nil, err
		}
		out = append(out, exprs...)
	}
	return out, nil
}

func (f *Filter) parseBoolean(op string, value any) (FilterExpr, error) {
	switch op {
	case "$and", "$or", "$nor":
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			return nil, invalidQuery("filter", "%s takes a non-empty array of criteria, got %s", op, describeType(value))
		}
		groups := make([][]FilterExpr, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, invalidQuery("filter", "%s elements must be criteria objects, got %s", op, describeType(item))
			}
			group, err := f.parseCriteria(m)
			if err != nil {
				return nil, err
			}
			groups = append(groups, group)
		}
		return &BooleanOp{Op: op, Groups: groups}, nil
	case "$not":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, invalidQuery("filter", "$not takes a criteria object, got %s", describeType(value))
		}
		group, err := f.parseCriteria(m)
		if err != nil {
			return nil, err
		}
		return &BooleanOp{Op: op, Groups: [][]FilterExpr{group}}, nil
	}
	return nil, invalidQuery("filter", "unknown boolean operator %q", op)
}

func (f *Filter) parseFieldCriteria(name string, value any) ([]FilterExpr, error) {
	a, err := f.res.Resolve(name)
	if err != nil {
		return nil, fieldError(err, f.res.Entity().Name, name, "filter")
	}
	if a.Kind == attr.KindLegacy {
		return nil, nil // retired name, accepted and ignored
	}
	if !a.Filterable() {
		return nil, invalidField(f.res.Entity().Name, name, "filter",
			"field %q cannot be used for filtering", name)
	}

	ops, err := operatorMap(a, name, value)
	if err != nil {
		return nil, err
	}
	var out []FilterExpr
	for _, op := range sortedKeys(ops) {
		e, err := f.makeComparison(name, a, op, ops[op])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// operatorMap normalizes a field's criteria value into op -> operand.
// A bare value is shorthand for $eq.
func operatorMap(a attr.Attribute, name string, value any) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return map[string]any{"$eq": value}, nil
	}
	operators := 0
	for key := range m {
		if strings.HasPrefix(key, "$") {
			operators++
		}
	}
	if operators == 0 {
		// a plain object is a document literal, valid only against JSON
		if a.IsJSON() {
			return map[string]any{"$eq": value}, nil
		}
		return nil, invalidQuery("filter", "field %q expects an operator object, got a plain object", name)
	}
	if operators != len(m) {
		return nil, invalidQuery("filter", "field %q mixes operators and plain keys", name)
	}
	return m, nil
}

func (f *Filter) makeComparison(name string, a attr.Attribute, op string, value any) (FilterExpr, error) {
	entity := f.res.Entity().Name

	target := a
	var rel *schema.Relation
	if a.Kind == attr.KindRelated || a.Kind == attr.KindAssociation {
		rel = a.Relation
		targetEntity, err := f.reg.Entity(rel.Target)
		if err != nil {
			return nil, err
		}
		ta, err := attr.New(f.reg, targetEntity).Resolve(a.Target.Name)
		if err != nil {
			return nil, fieldError(err, targetEntity.Name, a.Target.Name, "filter")
		}
		if !ta.Filterable() {
			return nil, invalidField(targetEntity.Name, a.Target.Name, "filter",
				"field %q cannot be used for filtering", a.Target.Name)
		}
		target = ta
	}

	value, err := checkOperator(entity, name, target, op, value)
	if err != nil {
		return nil, err
	}
	if rel != nil {
		return &RelatedComparison{Relation: rel, Attr: target, Op: op, Value: value}, nil
	}
	return &Comparison{Attr: a, Op: op, Value: value}, nil
}

// checkOperator validates operator name and operand shape up front, before
// any backend compilation, and normalizes list operands.
func checkOperator(entity, name string, a attr.Attribute, op string, value any) (any, error) {
	if a.IsArray() {
		if !arrayOperators[op] {
			return nil, invalidQuery("filter", "operator %s is not supported for array field %q", op, name)
		}
		switch op {
		case "$in", "$nin", "$all":
			list, ok := asList(value)
			if !ok {
				return nil, invalidQuery("filter", "%s on %q takes an array, got %s", op, name, describeType(value))
			}
			return list, nil
		case "$size":
			n, ok := asInt(value)
			if !ok || n < 0 {
				return nil, invalidQuery("filter", "$size on %q takes a non-negative integer", name)
			}
			return n, nil
		case "$eq", "$ne":
			if list, ok := asList(value); ok {
				return list, nil
			}
		}
		return value, nil
	}

	if !scalarOperators[op] {
		return nil, invalidQuery("filter", "unknown operator %s for field %q", op, name)
	}
	switch op {
	case "$in", "$nin":
		list, ok := asList(value)
		if !ok {
			return nil, invalidQuery("filter", "%s on %q takes an array, got %s", op, name, describeType(value))
		}
		return list, nil
	case "$prefix":
		if _, ok := value.(string); !ok {
			return nil, invalidQuery("filter", "$prefix on %q takes a string, got %s", name, describeType(value))
		}
	case "$eq", "$ne":
		if _, isList := asList(value); isList && !a.IsJSON() {
			return nil, invalidQuery("filter", "%s on scalar field %q cannot take an array; use $in/$nin", op, name)
		}
	case "$lt", "$lte", "$gt", "$gte":
		switch value.(type) {
		case []any, []string, map[string]any, nil:
			return nil, invalidQuery("filter", "%s on %q takes a scalar, got %s", op, name, describeType(value))
		}
	}
	return value, nil
}

// Compile renders the whole tree as one predicate, or nil when empty.
func (f *Filter) Compile(aliases *aliasAllocator) (sq.Sqlizer, error) {
	if len(f.exprs) == 0 {
		return nil, nil
	}
	return f.compileGroup(f.exprs, f.res, aliases)
}

// compileGroup ANDs a group of expressions. Related comparisons are
// gathered by relation name first so each relation compiles to exactly one
// correlated EXISTS, no matter how many conditions reference it.
func (f *Filter) compileGroup(exprs []FilterExpr, res *attr.Resolver, aliases *aliasAllocator) (sq.Sqlizer, error) {
	var conds []sq.Sqlizer
	var relOrder []string
	related := map[string][]*RelatedComparison{}

	for _, e := range exprs {
		switch t := e.(type) {
		case *Comparison:
			c, err := compileComparison(res, t.Attr, t.Op, t.Value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		case *RelatedComparison:
			if _, seen := related[t.Relation.Name]; !seen {
				relOrder = append(relOrder, t.Relation.Name)
			}
			related[t.Relation.Name] = append(related[t.Relation.Name], t)
		case *BooleanOp:
			c, err := f.compileBoolean(t, res, aliases)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		default:
			return nil, runtimeErr("unhandled filter expression %T", e)
		}
	}

	for _, name := range relOrder {
		c, err := f.compileRelatedGroup(related[name], res, aliases)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}

	if len(conds) == 0 {
		return nil, runtimeErr("empty condition group")
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return sq.And(conds), nil
}

func (f *Filter) compileBoolean(b *BooleanOp, res *attr.Resolver, aliases *aliasAllocator) (sq.Sqlizer, error) {
	parts := make([]sq.Sqlizer, 0, len(b.Groups))
	for _, group := range b.Groups {
		c, err := f.compileGroup(group, res, aliases)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	switch b.Op {
	case "$and":
		return sq.And(parts), nil
	case "$or":
		return sq.Or(parts), nil
	case "$nor":
		return sq.Expr("NOT ?", sq.Or(parts)), nil
	case "$not":
		return sq.Expr("NOT ?", parts[0]), nil
	}
	return nil, runtimeErr("unhandled boolean operator %s", b.Op)
}

// compileRelatedGroup emits the single correlated EXISTS for every
// condition that references one relation. To-one and to-many edges share
// the shape: EXISTS over the aliased target, correlated on the relation's
// join condition.
func (f *Filter) compileRelatedGroup(comps []*RelatedComparison, res *attr.Resolver, aliases *aliasAllocator) (sq.Sqlizer, error) {
	if len(comps) == 0 {
		return nil, runtimeErr("related condition group is empty")
	}
	rel := comps[0].Relation
	target, err := f.reg.Entity(rel.Target)
	if err != nil {
		return nil, err
	}
	alias := aliases.next(rel.Name)
	tres := attr.New(f.reg, target).Aliased(alias)

	conds := []sq.Sqlizer{sq.Expr(rel.JoinSQL(res.Alias(), alias))}
	for _, c := range comps {
		if c.Relation.Name != rel.Name {
			return nil, runtimeErr("condition on relation %q grouped under %q", c.Relation.Name, rel.Name)
		}
		cond, err := compileComparison(tres, c.Attr, c.Op, c.Value)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}

	return sq.Expr("EXISTS (SELECT 1 FROM "+schema.QuoteIdent(target.Table)+
		" AS "+schema.QuoteIdent(alias)+" WHERE ?)", sq.And(conds)), nil
}

func compileComparison(res *attr.Resolver, a attr.Attribute, op string, value any) (sq.Sqlizer, error) {
	ref, err := res.Reference(a)
	if err != nil {
		return nil, err
	}
	if a.IsArray() {
		return arrayPredicate(ref, op, value)
	}
	if a.Kind == attr.KindJSONPath {
		ref = castJSONRef(ref, value)
	}
	return scalarPredicate(ref, op, value)
}

func scalarPredicate(ref, op string, value any) (sq.Sqlizer, error) {
	switch op {
	case "$eq":
		if value == nil {
			return sq.Expr(ref + " IS NULL"), nil
		}
		if m, ok := value.(map[string]any); ok {
			// JSON document equality, compared canonically
			doc, err := jsonString(m)
			if err != nil {
				return nil, err
			}
			return sq.Expr("json("+ref+") = json(?)", doc), nil
		}
		return sq.Expr(ref+" = ?", value), nil
	case "$ne":
		// IS NOT is SQLite's distinct-from: NULL rows match a negated
		// equality instead of vanishing
		if value == nil {
			return sq.Expr(ref + " IS NOT NULL"), nil
		}
		return sq.Expr(ref+" IS NOT ?", value), nil
	case "$lt":
		return sq.Expr(ref+" < ?", value), nil
	case "$lte":
		return sq.Expr(ref+" <= ?", value), nil
	case "$gt":
		return sq.Expr(ref+" > ?", value), nil
	case "$gte":
		return sq.Expr(ref+" >= ?", value), nil
	case "$prefix":
		return sq.Expr(ref+` LIKE ? ESCAPE '\'`, escapeLike(value.(string))+"%"), nil
	case "$in":
		vals := value.([]any)
		if len(vals) == 0 {
			return sq.Expr("1 = 0"), nil
		}
		return sq.Expr(ref+" IN ("+placeholders(len(vals))+")", vals...), nil
	case "$nin":
		vals := value.([]any)
		if len(vals) == 0 {
			return sq.Expr("1 = 1"), nil
		}
		return sq.Expr(ref+" NOT IN ("+placeholders(len(vals))+")", vals...), nil
	case "$exists":
		if truthy(value) {
			return sq.Expr(ref + " IS NOT NULL"), nil
		}
		return sq.Expr(ref + " IS NULL"), nil
	}
	return nil, runtimeErr("unhandled scalar operator %s", op)
}

// arrayPredicate compiles operators against a JSON-array column. $eq and
// $ne dispatch on the operand's shape: an array operand means whole-array
// equality, a scalar operand means element membership.
func arrayPredicate(ref, op string, value any) (sq.Sqlizer, error) {
	member := "EXISTS (SELECT 1 FROM json_each(" + ref + ") WHERE json_each.value"
	switch op {
	case "$eq":
		if list, ok := value.([]any); ok {
			doc, err := jsonString(list)
			if err != nil {
				return nil, err
			}
			return sq.Expr("json("+ref+") = json(?)", doc), nil
		}
		return sq.Expr(member+" = ?)", value), nil
	case "$ne":
		if list, ok := value.([]any); ok {
			doc, err := jsonString(list)
			if err != nil {
				return nil, err
			}
			return sq.Expr("json("+ref+") IS NOT json(?)", doc), nil
		}
		return sq.Expr("NOT "+member+" = ?)", value), nil
	case "$in":
		// set overlap, not element containment
		vals := value.([]any)
		if len(vals) == 0 {
			return sq.Expr("1 = 0"), nil
		}
		return sq.Expr(member+" IN ("+placeholders(len(vals))+"))", vals...), nil
	case "$nin":
		vals := value.([]any)
		if len(vals) == 0 {
			return sq.Expr("1 = 1"), nil
		}
		return sq.Expr("NOT "+member+" IN ("+placeholders(len(vals))+"))", vals...), nil
	case "$all":
		doc, err := jsonString(value)
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT EXISTS (SELECT 1 FROM json_each(?) AS want"+
			" WHERE want.value NOT IN (SELECT je.value FROM json_each("+ref+") AS je))", doc), nil
	case "$size":
		n := value.(int)
		if n == 0 {
			return sq.Expr("(" + ref + " IS NULL OR json_array_length(" + ref + ") = 0)"), nil
		}
		return sq.Expr("json_array_length("+ref+") = ?", n), nil
	case "$exists":
		if truthy(value) {
			return sq.Expr(ref + " IS NOT NULL"), nil
		}
		return sq.Expr(ref + " IS NULL"), nil
	}
	return nil, runtimeErr("unhandled array operator %s", op)
}

// castJSONRef coerces a JSON sub-path expression toward the operand's
// scalar type before comparison.
func castJSONRef(ref string, value any) string {
	switch value.(type) {
	case float64, int, int64, json.Number:
		return "CAST(" + ref + " AS NUMERIC)"
	}
	return ref
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", runtimeErr("marshal comparison operand: %v", err)
	}
	return string(b), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// fieldError converts a resolver failure into the query error taxonomy.
func fieldError(err error, entity, name, section string) error {
	var uf *attr.UnknownFieldError
	if errors.As(err, &uf) {
		return invalidField(uf.Entity, uf.Name, section, "unknown field %q", uf.Name)
	}
	return invalidField(entity, name, section, "%v", err)
}
