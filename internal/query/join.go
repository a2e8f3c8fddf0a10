package query

import (
	"fmt"
	"strings"

	"github.com/roach88/mqc/internal/attr"
	"github.com/roach88/mqc/internal/plan"
	"github.com/roach88/mqc/internal/schema"
	"github.com/roach88/mqc/internal/settings"
)

// joinStrategy picks how a relation is attached to the parent query.
type joinStrategy int

const (
	// strategyEager delegates to the loader-strategy collaborator: the
	// relation is loaded alongside the main query without shaping it.
	strategyEager joinStrategy = iota
	// strategyFilteredJoin is a LEFT OUTER JOIN with every nested
	// predicate in the ON clause; it never removes parent rows.
	strategyFilteredJoin
	// strategyFilteringJoin is an INNER JOIN with the nested predicate in
	// WHERE; it narrows parents to rows with a qualifying related row.
	strategyFilteringJoin
)

// JoinPlan is one resolved join edge: the relation, its fresh alias, the
// chosen strategy, and the recursively compiled nested pipeline.
type JoinPlan struct {
	Relation *schema.Relation
	Target   *schema.Entity
	Alias    string
	Strategy joinStrategy
	Nested   *Compiled
}

// aliasAllocator hands out one fresh alias per join edge. Two edges
// targeting the same entity never share an alias.
type aliasAllocator struct {
	n int
}

func (a *aliasAllocator) next(base string) string {
	a.n++
	return fmt.Sprintf("%s_%d", base, a.n)
}

// Joins compiles the join or joinf section: resolves each relation,
// aliases its target, resolves the nested security scope through the
// settings chain, and recursively compiles the nested query object.
// Security and row-shape validation happen here at input time, before any
// plan assembly.
type Joins struct {
	reg       *schema.Registry
	res       *attr.Resolver
	scope     *settings.Scope
	aliases   *aliasAllocator
	filtering bool
	section   string
	plans     []*JoinPlan
}

func newJoins(reg *schema.Registry, res *attr.Resolver, scope *settings.Scope, aliases *aliasAllocator, filtering bool) *Joins {
	section := "join"
	if filtering {
		section = "joinf"
	}
	return &Joins{reg: reg, res: res, scope: scope, aliases: aliases, filtering: filtering, section: section}
}

// Input parses the section: "rel1 rel2", ["rel1","rel2"] or
// {rel: QueryObject|null}.
func (j *Joins) Input(v any) error {
	entries := map[string]any{}
	switch t := v.(type) {
	case nil:
		return nil
	case string, []any, []string:
		var names []string
		if s, ok := t.(string); ok {
			names = strings.Fields(s)
		} else {
			list, ok := stringList(t)
			if !ok {
				return invalidQuery(j.section, "%s array must hold relation names", j.section)
			}
			names = list
		}
		for _, name := range names {
			entries[name] = nil
		}
	case map[string]any:
		entries = t
	default:
		return invalidQuery(j.section, "%s must be a string, array or object, got %s", j.section, describeType(v))
	}

	for _, name := range sortedKeys(entries) {
		if err := j.add(name, entries[name]); err != nil {
			return err
		}
	}
	return nil
}

// MergeProjected folds in relation names pulled out of the projection map.
// Relations already joined explicitly keep their explicit spec.
func (j *Joins) MergeProjected(relations map[string]any) error {
	for _, name := range sortedKeys(relations) {
		if j.has(name) {
			continue
		}
		if err := j.add(name, relations[name]); err != nil {
			return err
		}
	}
	return nil
}

func (j *Joins) has(name string) bool {
	for _, p := range j.plans {
		if p.Relation.Name == name {
			return true
		}
	}
	return false
}

func (j *Joins) add(name string, nestedRaw any) error {
	entity := j.res.Entity()
	if j.has(name) {
		return nil
	}
	if entity.Legacy(name) || j.scope.Legacy(name) {
		return nil // retired name, accepted and ignored
	}
	rel, ok := entity.Relation(name)
	if !ok {
		return invalidRelation(entity.Name, name, j.section)
	}
	if !j.scope.RelationAllowed(name) {
		return disabled(entity.Name, name, j.section)
	}

	var nested map[string]any
	if nestedRaw != nil {
		m, ok := nestedRaw.(map[string]any)
		if !ok {
			return invalidQuery(j.section, "nested query for %q must be an object or null, got %s", name, describeType(nestedRaw))
		}
		nested = m
	}

	strategy := strategyEager
	if j.filtering {
		strategy = strategyFilteringJoin
	} else if shapesTarget(nested) {
		strategy = strategyFilteredJoin
	}
	if strategy != strategyEager {
		for _, section := range []string{"skip", "limit", "group", "aggregate"} {
			if _, present := nested[section]; present {
				return invalidQuery(j.section,
					"nested %s cannot be combined with a filtered join on %q: pagination and grouping do not survive row-multiplying joins", section, name)
			}
		}
	}

	target, err := j.reg.Entity(rel.Target)
	if err != nil {
		return err
	}
	alias := j.aliases.next(name)
	nestedScope := j.scope.ForRelation(name, rel.Target)
	compiled, err := compile(j.reg, target, nestedScope, alias, j.aliases, nested, true)
	if err != nil {
		return err
	}
	if strategy == strategyEager && compiled.hasShapedJoins() {
		return invalidQuery(j.section,
			"relation %q is eager-loaded; its nested joins cannot filter or narrow", name)
	}

	j.plans = append(j.plans, &JoinPlan{
		Relation: rel,
		Target:   target,
		Alias:    alias,
		Strategy: strategy,
		Nested:   compiled,
	})
	return nil
}

// shapesTarget reports whether a nested query object needs to shape the
// target rows, which forces the filtered-join strategy over an eager load.
func shapesTarget(nested map[string]any) bool {
	for _, section := range []string{"filter", "sort", "group", "skip", "limit", "aggregate", "joinf"} {
		if _, ok := nested[section]; ok {
			return true
		}
	}
	return false
}

// eagerDirective converts an eager JoinPlan into the loader-strategy
// collaborator's directive.
func eagerDirective(jp *JoinPlan) (plan.EagerLoad, error) {
	cols, err := jp.Nested.proj.Columns()
	if err != nil {
		return plan.EagerLoad{}, err
	}
	directive := plan.EagerLoad{
		Relation: jp.Relation.Name,
		// list relations prefer a batched secondary query, scalar
		// relations a joined load
		Batched: jp.Relation.List(),
	}
	for _, a := range cols {
		directive.Columns = append(directive.Columns, a.Name)
	}
	for _, nested := range jp.Nested.joinPlans() {
		sub, err := eagerDirective(nested)
		if err != nil {
			return plan.EagerLoad{}, err
		}
		directive.Nested = append(directive.Nested, sub)
	}
	return directive, nil
}
