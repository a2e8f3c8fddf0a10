// Package query compiles declarative query objects into logical relational
// plans.
//
// A query object is a JSON-shaped mapping of sections
// (project/filter/sort/group/join/joinf/aggregate/limit/skip/count). Each
// section has its own handler; the orchestrator drives them in a fixed,
// dependency-respecting order: joins resolve before projection
// finalization (a projection may name a relation, which becomes an
// implicit join), filter before sort and group, limit and skip last.
// Handlers are created fresh per compilation, so one configured Query can
// serve concurrent requests without shared mutable state.
package query

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/plan"
	"github.com/roach88/mqc/internal/schema"
	"github.com/roach88/mqc/internal/settings"
)

// Query is a configured compiler for one entity: the schema registry plus
// the entity's security scope. It is immutable; Compile never mutates it.
type Query struct {
	reg    *schema.Registry
	entity *schema.Entity
	scope  *settings.Scope
}

// New configures a compiler for an entity. The scope is validated against
// the entity's namespace up front; nil means permit everything.
func New(reg *schema.Registry, entityName string, scope *settings.Scope) (*Query, error) {
	entity, err := reg.Entity(entityName)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		scope = &settings.Scope{}
	}
	if err := scope.Validate(entity); err != nil {
		return nil, err
	}
	return &Query{reg: reg, entity: entity, scope: scope}, nil
}

// Entity returns the compiled entity.
func (q *Query) Entity() *schema.Entity { return q.entity }

// Compile compiles one raw query object into a logical plan.
func (q *Query) Compile(raw map[string]any) (*Compiled, error) {
	aliases := &aliasAllocator{}
	return compile(q.reg, q.entity, q.scope, q.entity.Table, aliases, raw, false)
}

// CompileJSON decodes a JSON query object and compiles it.
func (q *Query) CompileJSON(data []byte) (*Compiled, error) {
	qo, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	for key, value := range map[string]any{
		"project": qo.Project, "filter": qo.Filter, "sort": qo.Sort,
		"group": qo.Group, "join": qo.Join, "joinf": qo.Joinf,
		"aggregate": qo.Aggregate, "limit": qo.Limit, "skip": qo.Skip,
		"count": qo.Count,
	} {
		if value != nil {
			raw[key] = value
		}
	}
	return q.Compile(raw)
}

// Compiled is one request's compiled pipeline: the section handlers with
// their parsed state, the compiled predicate and ordering, and, at the
// root, the assembled plan.
type Compiled struct {
	reg    *schema.Registry
	entity *schema.Entity
	scope  *settings.Scope
	res    *attr.Resolver
	alias  string

	proj   *Projection
	filter *Filter
	sort   *Sort
	group  *Sort
	agg    *Aggregate
	limits *Limit
	join   *Joins
	joinf  *Joins

	countOnly  bool
	filterPred sq.Sqlizer
	order      []plan.Order

	plan *plan.Plan
}

func compile(reg *schema.Registry, entity *schema.Entity, scope *settings.Scope, alias string,
	aliases *aliasAllocator, raw map[string]any, nested bool) (*Compiled, error) {

	if scope == nil {
		scope = &settings.Scope{}
	}
	qo, err := ParseQueryObject(raw)
	if err != nil {
		return nil, err
	}
	for section, value := range map[string]any{
		"project": qo.Project, "filter": qo.Filter, "sort": qo.Sort,
		"group": qo.Group, "join": qo.Join, "joinf": qo.Joinf,
		"aggregate": qo.Aggregate, "limit": qo.Limit, "skip": qo.Skip,
		"count": qo.Count,
	} {
		if value != nil && !scope.SectionEnabled(section) {
			return nil, disabled(entity.Name, section, section)
		}
	}

	c := &Compiled{
		reg:    reg,
		entity: entity,
		scope:  scope,
		res:    attr.New(reg, entity).Aliased(alias),
		alias:  alias,
	}

	c.countOnly = truthy(qo.Count)
	if c.countOnly {
		// a count keeps the filtered row set (joinf included) but needs
		// no projection, ordering, pagination or outer joins
		qo.Project, qo.Sort, qo.Skip, qo.Limit, qo.Join = nil, nil, nil, nil, nil
	}

	c.filter = newFilter(reg, c.res)
	c.proj = newProjection(c.res, scope)
	c.sort = newSort(c.res, "sort")
	c.group = newSort(c.res, "group")
	c.agg = newAggregate(c.res, scope, c.filter)
	c.limits = newLimit(scope)
	c.limits.SetCount(c.countOnly)
	c.join = newJoins(reg, c.res, scope, aliases, false)
	c.joinf = newJoins(reg, c.res, scope, aliases, true)

	if err := c.join.Input(qo.Join); err != nil {
		return nil, err
	}
	if err := c.joinf.Input(qo.Joinf); err != nil {
		return nil, err
	}
	relations, err := c.proj.Input(qo.Project)
	if err != nil {
		return nil, err
	}
	if err := c.join.MergeProjected(relations); err != nil {
		return nil, err
	}
	if err := c.filter.Input(qo.Filter); err != nil {
		return nil, err
	}
	if len(scope.ForceFilter) > 0 {
		if err := c.filter.Input(scope.ForceFilter); err != nil {
			return nil, err
		}
	}
	if err := c.sort.Input(qo.Sort); err != nil {
		return nil, err
	}
	if err := c.group.Input(qo.Group); err != nil {
		return nil, err
	}
	if err := c.agg.Input(qo.Aggregate); err != nil {
		return nil, err
	}
	if err := c.limits.Input(qo.Skip, qo.Limit); err != nil {
		return nil, err
	}

	if c.filterPred, err = c.filter.Compile(aliases); err != nil {
		return nil, err
	}
	if c.order, err = c.sort.Compile(); err != nil {
		return nil, err
	}

	if !nested {
		if c.plan, err = c.buildPlan(aliases); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// joinPlans returns every join edge, join section first.
func (c *Compiled) joinPlans() []*JoinPlan {
	out := make([]*JoinPlan, 0, len(c.join.plans)+len(c.joinf.plans))
	out = append(out, c.join.plans...)
	out = append(out, c.joinf.plans...)
	return out
}

// hasShapedJoins reports whether any join edge, at any depth, uses a
// non-eager strategy.
func (c *Compiled) hasShapedJoins() bool {
	for _, jp := range c.joinPlans() {
		if jp.Strategy != strategyEager || jp.Nested.hasShapedJoins() {
			return true
		}
	}
	return false
}

// Plan returns the assembled logical plan. Only the root of a compilation
// carries one.
func (c *Compiled) Plan() *plan.Plan { return c.plan }

// CountOnly reports whether the compilation is a count.
func (c *Compiled) CountOnly() bool { return c.countOnly }

// Projection returns the client-visible projection spec.
func (c *Compiled) Projection() map[string]int { return c.proj.Projection() }

// FullProjection returns one {0,1} entry per namespace field.
func (c *Compiled) FullProjection() map[string]int { return c.proj.FullProjection() }

// buildPlan assembles the logical plan from the compiled sections.
func (c *Compiled) buildPlan(aliases *aliasAllocator) (*plan.Plan, error) {
	p := &plan.Plan{Table: c.entity.Table, Alias: c.alias}

	groupKeys, err := c.group.GroupKeys()
	if err != nil {
		return nil, err
	}

	switch {
	case c.countOnly:
		p.CountOnly = true
	case !c.agg.Empty():
		// group keys lead the select list so grouped tuples are readable
		for _, k := range c.group.keyAttrs() {
			ref, err := c.res.Reference(k.Attr)
			if err != nil {
				return nil, err
			}
			p.Columns = append(p.Columns, plan.Col(k.Name, ref))
		}
		aggCols, err := c.agg.Compile(aliases)
		if err != nil {
			return nil, err
		}
		p.Columns = append(p.Columns, aggCols...)
		p.Shape = plan.ShapeAggregates
		if len(groupKeys) > 0 {
			p.Shape = plan.ShapeGrouped
		}
	default:
		cols, err := c.proj.Columns()
		if err != nil {
			return nil, err
		}
		for _, a := range cols {
			ref, err := c.res.Reference(a)
			if err != nil {
				return nil, err
			}
			p.Columns = append(p.Columns, plan.Col(a.Name, ref))
		}
		p.Shape = plan.ShapeEntities
	}

	p.GroupBy = groupKeys

	wrap := c.limits.Paginates() && c.hasFilteredEdges() && !c.countOnly &&
		c.agg.Empty() && len(groupKeys) == 0
	if wrap {
		if err := c.buildWrapped(p); err != nil {
			return nil, err
		}
	} else {
		if c.filterPred != nil {
			p.Where = append(p.Where, c.filterPred)
		}
		p.OrderBy = append(p.OrderBy, c.order...)
		p.Limit = c.limits.Limit()
		p.Offset = c.limits.Skip()
	}

	if err := c.attachJoins(p, ""); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Compiled) hasFilteredEdges() bool {
	for _, jp := range c.joinPlans() {
		if jp.Strategy != strategyEager {
			return true
		}
	}
	return false
}

// buildWrapped materializes the parent as a fixed-row-set subquery before
// joins attach, so join-induced row multiplication cannot invalidate the
// limit. The parent's ORDER BY runs inside to make the limit deterministic
// and is re-applied outside, because inner ordering is not guaranteed to
// survive an enclosing join. Ordering-only and join-condition columns are
// force-loaded across the boundary without entering the projection.
func (c *Compiled) buildWrapped(p *plan.Plan) error {
	inner := &plan.Plan{Table: c.entity.Table, Alias: c.alias}
	if c.filterPred != nil {
		inner.Where = append(inner.Where, c.filterPred)
	}
	inner.OrderBy = append(inner.OrderBy, c.order...)
	inner.Limit = c.limits.Limit()
	inner.Offset = c.limits.Skip()

	carried := map[string]bool{}
	for _, col := range p.Columns {
		inner.Columns = append(inner.Columns, col)
		carried[col.Label] = true
	}
	carry := func(name string) error {
		if carried[name] {
			return nil
		}
		a, err := c.res.Resolve(name)
		if err != nil {
			return err
		}
		ref, err := c.res.Reference(a)
		if err != nil {
			return err
		}
		inner.Columns = append(inner.Columns, plan.Col(name, ref))
		carried[name] = true
		return nil
	}
	for _, k := range c.sort.keyAttrs() {
		if err := carry(k.Name); err != nil {
			return err
		}
	}
	for _, jp := range c.joinPlans() {
		if jp.Strategy == strategyEager {
			continue
		}
		for _, pair := range jp.Relation.On {
			if err := carry(pair.Local); err != nil {
				return err
			}
		}
	}

	// the outer query sees the subquery's output columns under the same
	// alias, so every reference degrades to alias.label
	outerRef := func(label string) string {
		return schema.QuoteIdent(c.alias) + "." + schema.QuoteIdent(label)
	}
	outer := make([]plan.Column, len(p.Columns))
	for i, col := range p.Columns {
		outer[i] = plan.Col(col.Label, outerRef(col.Label))
	}
	p.Columns = outer
	for _, k := range c.sort.keyAttrs() {
		p.OrderBy = append(p.OrderBy, plan.Order{Expr: outerRef(k.Name), Desc: k.Desc})
	}
	p.Inner = inner
	return nil
}

// attachJoins flattens the join tree onto the plan: LEFT JOINs carry the
// nested predicates in ON, INNER joins push them into WHERE, eager edges
// become loader directives. prefix is the dotted relation path down to
// this level, so directives attached under a deeper join stay addressable.
func (c *Compiled) attachJoins(p *plan.Plan, prefix string) error {
	for _, jp := range c.joinPlans() {
		switch jp.Strategy {
		case strategyEager:
			directive, err := eagerDirective(jp)
			if err != nil {
				return err
			}
			directive.Relation = prefix + directive.Relation
			p.EagerLoads = append(p.EagerLoads, directive)
		case strategyFilteredJoin, strategyFilteringJoin:
			joinCond := sq.Expr(jp.Relation.JoinSQL(c.alias, jp.Alias))
			join := plan.Join{Table: jp.Target.Table, Alias: jp.Alias}
			if jp.Strategy == strategyFilteredJoin {
				join.Kind = plan.LeftOuter
				if jp.Nested.filterPred != nil {
					join.On = sq.And{joinCond, jp.Nested.filterPred}
				} else {
					join.On = joinCond
				}
			} else {
				join.Kind = plan.Inner
				join.On = joinCond
				if jp.Nested.filterPred != nil {
					p.Where = append(p.Where, jp.Nested.filterPred)
				}
			}
			p.Joins = append(p.Joins, join)

			if !c.countOnly {
				cols, err := jp.Nested.proj.Columns()
				if err != nil {
					return err
				}
				for _, a := range cols {
					ref, err := jp.Nested.res.Reference(a)
					if err != nil {
						return err
					}
					p.Columns = append(p.Columns, plan.Col(jp.Alias+"__"+a.Name, ref))
				}
			}
			p.OrderBy = append(p.OrderBy, jp.Nested.order...)

			if err := jp.Nested.attachJoins(p, prefix+jp.Relation.Name+"."); err != nil {
				return err
			}
		}
	}
	return nil
}
