// Package attr resolves dotted attribute names against an entity's combined
// namespace.
//
// The namespace mixes several attribute kinds: stored columns (including
// JSON sub-path access), derived expressions, computed properties,
// association columns and related-entity columns reached through a
// relation. Resolution order is fixed and deterministic: exact field name,
// then legacy names, then dotted forms (JSON sub-path before
// relation.column).
package attr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/mqc/internal/schema"
)

// Kind classifies how a name resolved.
type Kind int

const (
	KindColumn Kind = iota
	KindJSONPath
	KindDerived
	KindComputed
	KindAssociation
	KindRelated
	KindLegacy
)

// Attribute is a resolved attribute handle.
type Attribute struct {
	// Name is the attribute as written, dots included.
	Name string
	Kind Kind

	// Field is the owning entity's field. Nil for KindLegacy and
	// KindRelated.
	Field *schema.Field

	// JSONPath holds the sub-path segments for KindJSONPath.
	JSONPath []string

	// Relation and Target describe the traversed edge for KindRelated and
	// KindAssociation.
	Relation *schema.Relation
	Target   *schema.Field
}

// IsArray reports whether the attribute holds an array value.
func (a Attribute) IsArray() bool {
	switch a.Kind {
	case KindColumn:
		return a.Field.IsArray()
	case KindRelated:
		return a.Target.IsArray()
	}
	return false
}

// IsJSON reports whether the attribute is a whole semi-structured document.
// A sub-path into one is already scalar.
func (a Attribute) IsJSON() bool {
	return a.Kind == KindColumn && a.Field.IsJSON()
}

// Filterable reports whether the attribute may appear in filter criteria.
func (a Attribute) Filterable() bool {
	switch a.Kind {
	case KindColumn, KindJSONPath, KindDerived, KindAssociation:
		return true
	case KindRelated:
		return a.Target.Filterable()
	}
	return false
}

// Sortable reports whether the attribute may appear in sort or group keys.
// Related columns need a join to be ordered by, so they are rejected here
// and requested through the join section instead.
func (a Attribute) Sortable() bool {
	switch a.Kind {
	case KindColumn, KindJSONPath, KindDerived, KindAssociation:
		return true
	}
	return false
}

// UnknownFieldError reports a name that resolved in no sub-namespace.
type UnknownFieldError struct {
	Entity string
	Name   string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q on entity %s", e.Name, e.Entity)
}

// Resolver resolves names for one entity under one SQL alias.
//
// Resolvers are immutable after construction; Aliased returns a copy bound
// to another alias and never mutates the receiver.
type Resolver struct {
	reg    *schema.Registry
	entity *schema.Entity
	alias  string
}

// resolvers memoizes the unaliased resolver per entity descriptor.
// Construction is idempotent, so racing first users may build duplicates
// but converge on one stored value.
var resolvers sync.Map // *schema.Entity -> *Resolver

// New returns the resolver for an entity, bound to the entity's table name
// as its alias.
func New(reg *schema.Registry, entity *schema.Entity) *Resolver {
	if r, ok := resolvers.Load(entity); ok {
		return r.(*Resolver)
	}
	r := &Resolver{reg: reg, entity: entity, alias: entity.Table}
	actual, _ := resolvers.LoadOrStore(entity, r)
	return actual.(*Resolver)
}

// Entity returns the entity this resolver is bound to.
func (r *Resolver) Entity() *schema.Entity { return r.entity }

// Alias returns the SQL alias this resolver compiles references under.
func (r *Resolver) Alias() string { return r.alias }

// Aliased returns a copy of the resolver bound to alias.
func (r *Resolver) Aliased(alias string) *Resolver {
	return &Resolver{reg: r.reg, entity: r.entity, alias: alias}
}

// Resolve maps a possibly dotted name to an attribute handle.
func (r *Resolver) Resolve(name string) (Attribute, error) {
	if f, ok := r.entity.Field(name); ok {
		a := Attribute{Name: name, Field: f}
		switch f.Kind {
		case schema.KindColumn:
			a.Kind = KindColumn
		case schema.KindDerived:
			a.Kind = KindDerived
		case schema.KindComputed:
			a.Kind = KindComputed
		case schema.KindAssociation:
			a.Kind = KindAssociation
			rel, _ := r.entity.Relation(f.Relation)
			target, err := r.reg.Entity(rel.Target)
			if err != nil {
				return Attribute{}, err
			}
			tf, ok := target.Field(f.TargetField)
			if !ok {
				return Attribute{}, fmt.Errorf("association %s.%s: %w", r.entity.Name, name,
					&UnknownFieldError{Entity: target.Name, Name: f.TargetField})
			}
			a.Relation = rel
			a.Target = tf
		}
		return a, nil
	}

	if r.entity.Legacy(name) {
		return Attribute{Name: name, Kind: KindLegacy}, nil
	}

	if head, rest, ok := strings.Cut(name, "."); ok {
		if f, found := r.entity.Field(head); found && f.IsJSON() {
			return Attribute{
				Name:     name,
				Kind:     KindJSONPath,
				Field:    f,
				JSONPath: strings.Split(rest, "."),
			}, nil
		}
		if rel, found := r.entity.Relation(head); found {
			target, err := r.reg.Entity(rel.Target)
			if err != nil {
				return Attribute{}, err
			}
			tf, found := target.Field(rest)
			if !found {
				return Attribute{}, &UnknownFieldError{Entity: target.Name, Name: rest}
			}
			return Attribute{Name: name, Kind: KindRelated, Relation: rel, Target: tf}, nil
		}
	}

	return Attribute{}, &UnknownFieldError{Entity: r.entity.Name, Name: name}
}

// Validate resolves every name and returns the ones that are unknown, in
// input order. Compilers use this for up-front validation before any
// backend work.
func (r *Resolver) Validate(names []string) []string {
	var unknown []string
	for _, name := range names {
		if _, err := r.Resolve(name); err != nil {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Reference renders the SQL expression for an attribute under this
// resolver's alias.
func (r *Resolver) Reference(a Attribute) (string, error) {
	switch a.Kind {
	case KindColumn:
		return schema.QuoteIdent(r.alias) + "." + schema.QuoteIdent(a.Field.Name), nil
	case KindJSONPath:
		col := schema.QuoteIdent(r.alias) + "." + schema.QuoteIdent(a.Field.Name)
		return fmt.Sprintf("json_extract(%s, '$.%s')", col, strings.Join(a.JSONPath, ".")), nil
	case KindDerived:
		return strings.ReplaceAll(a.Field.Expr, "{alias}", schema.QuoteIdent(r.alias)), nil
	case KindAssociation:
		target, err := r.reg.Entity(a.Relation.Target)
		if err != nil {
			return "", err
		}
		sub := "__" + a.Relation.Name
		return fmt.Sprintf("(SELECT %s.%s FROM %s AS %s WHERE %s LIMIT 1)",
			schema.QuoteIdent(sub), schema.QuoteIdent(a.Target.Name),
			schema.QuoteIdent(target.Table), schema.QuoteIdent(sub),
			a.Relation.JoinSQL(r.alias, sub)), nil
	case KindComputed:
		return "", fmt.Errorf("field %q of entity %s is computed and has no backend expression", a.Name, r.entity.Name)
	case KindRelated:
		return "", fmt.Errorf("related column %q must be compiled through its relation", a.Name)
	case KindLegacy:
		return "", fmt.Errorf("legacy field %q has no backend expression", a.Name)
	}
	return "", fmt.Errorf("unhandled attribute kind %d", a.Kind)
}
