// Package schema describes entities, fields and relations for the query
// compiler.
//
// Descriptors are built once per entity type, validated when registered on a
// Registry, and are read-only afterward. The compiler never mutates them; a
// request only ever holds references into the registry.
package schema

import (
	"fmt"
	"strings"
)

// FieldKind discriminates the closed set of field variants.
//
// The kinds have different capabilities:
//   - Column: stored scalar, array or JSON value; filterable and sortable.
//   - Computed: computed at materialization time, no storage; cannot be
//     filtered or sorted.
//   - Derived: a backend-compilable expression; behaves like a column.
//   - Association: a column reached through a relation; behaves as a scalar
//     even when the relation is list-valued.
type FieldKind string

const (
	KindColumn      FieldKind = "column"
	KindComputed    FieldKind = "computed"
	KindDerived     FieldKind = "derived"
	KindAssociation FieldKind = "association"
)

// Field is one named attribute of an Entity.
//
// Exactly one kind applies; the kind-specific fields (Expr, Relation,
// TargetField) are only meaningful for their kind.
type Field struct {
	Name     string
	Kind     FieldKind
	Array    bool // stored as a JSON array
	JSON     bool // semi-structured document, sub-paths addressable
	Nullable bool

	// Expr is the SQL expression template for Derived fields. The literal
	// token {alias} is replaced with the quoted table alias at compile time.
	Expr string

	// Relation and TargetField identify the traversed edge for
	// Association fields.
	Relation    string
	TargetField string
}

// IsArray reports whether the field holds an array value. Association
// columns always behave as scalars.
func (f *Field) IsArray() bool {
	return f.Kind == KindColumn && f.Array
}

// IsJSON reports whether the field holds a semi-structured document.
func (f *Field) IsJSON() bool {
	return f.Kind == KindColumn && f.JSON
}

// Filterable reports whether the field can appear in filter, sort, group or
// aggregate sections. Computed fields have no storage and no expression, so
// they are projection-only.
func (f *Field) Filterable() bool {
	return f.Kind != KindComputed
}

// Entity is a named relational type description: an ordered set of fields,
// a set of relations, and a non-empty primary key.
type Entity struct {
	Name       string
	Table      string
	PrimaryKey []string
	Fields     []Field
	Relations  []Relation

	// LegacyFields are retired names still accepted by every query section
	// and uniformly ignored.
	LegacyFields []string

	fieldsByName    map[string]*Field
	relationsByName map[string]*Relation
	legacySet       map[string]bool
}

// Field looks up a field by name.
func (e *Entity) Field(name string) (*Field, bool) {
	f, ok := e.fieldsByName[name]
	return f, ok
}

// Relation looks up a relation by name.
func (e *Entity) Relation(name string) (*Relation, bool) {
	r, ok := e.relationsByName[name]
	return r, ok
}

// Legacy reports whether name is a retired field name.
func (e *Entity) Legacy(name string) bool {
	return e.legacySet[name]
}

// IsPrimaryKey reports whether name is part of the primary key.
func (e *Entity) IsPrimaryKey(name string) bool {
	for _, pk := range e.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// seal builds the lookup maps and checks the entity's internal invariants.
// Name collisions across kinds are a construction-time defect, never a
// runtime query error.
func (e *Entity) seal() error {
	if e.Name == "" {
		return fmt.Errorf("entity has no name")
	}
	if e.Table == "" {
		return fmt.Errorf("entity %s: no table", e.Name)
	}
	if len(e.PrimaryKey) == 0 {
		return fmt.Errorf("entity %s: empty primary key", e.Name)
	}

	e.fieldsByName = make(map[string]*Field, len(e.Fields))
	e.relationsByName = make(map[string]*Relation, len(e.Relations))
	e.legacySet = make(map[string]bool, len(e.LegacyFields))

	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("entity %s: field with no name", e.Name)
		}
		if _, dup := e.fieldsByName[f.Name]; dup {
			return fmt.Errorf("entity %s: duplicate field %q", e.Name, f.Name)
		}
		switch f.Kind {
		case KindColumn, KindComputed:
		case KindDerived:
			if f.Expr == "" {
				return fmt.Errorf("entity %s: derived field %q has no expression", e.Name, f.Name)
			}
		case KindAssociation:
			if f.Relation == "" || f.TargetField == "" {
				return fmt.Errorf("entity %s: association field %q needs relation and target_field", e.Name, f.Name)
			}
		default:
			return fmt.Errorf("entity %s: field %q has unknown kind %q", e.Name, f.Name, f.Kind)
		}
		e.fieldsByName[f.Name] = f
	}

	for i := range e.Relations {
		r := &e.Relations[i]
		if err := r.validate(e.Name); err != nil {
			return err
		}
		if _, dup := e.fieldsByName[r.Name]; dup {
			return fmt.Errorf("entity %s: relation %q collides with a field", e.Name, r.Name)
		}
		if _, dup := e.relationsByName[r.Name]; dup {
			return fmt.Errorf("entity %s: duplicate relation %q", e.Name, r.Name)
		}
		e.relationsByName[r.Name] = r
	}

	for _, name := range e.LegacyFields {
		if _, dup := e.fieldsByName[name]; dup {
			return fmt.Errorf("entity %s: legacy field %q collides with a live field", e.Name, name)
		}
		e.legacySet[name] = true
	}

	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Kind == KindAssociation {
			if _, ok := e.relationsByName[f.Relation]; !ok {
				return fmt.Errorf("entity %s: association field %q references unknown relation %q", e.Name, f.Name, f.Relation)
			}
		}
	}

	for _, pk := range e.PrimaryKey {
		f, ok := e.fieldsByName[pk]
		if !ok {
			return fmt.Errorf("entity %s: primary key %q is not a field", e.Name, pk)
		}
		if f.Kind != KindColumn {
			return fmt.Errorf("entity %s: primary key %q must be a stored column", e.Name, pk)
		}
	}

	return nil
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
