package schema

import (
	"fmt"
	"strings"
)

// Cardinality of a relation edge.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// ColumnPair is one equi-join term of a relation's join condition: the
// local column on the owning entity matched against the remote column on
// the target entity.
type ColumnPair struct {
	Local  string
	Remote string
}

// Relation is a named edge from one entity to another.
type Relation struct {
	Name        string
	Target      string // target entity name
	Cardinality Cardinality
	On          []ColumnPair
}

// List reports whether the relation is list-valued.
func (r *Relation) List() bool {
	return r.Cardinality == Many
}

// JoinSQL renders the relation's join condition between the owning
// entity's alias and the target's alias.
func (r *Relation) JoinSQL(ownerAlias, targetAlias string) string {
	terms := make([]string, len(r.On))
	for i, p := range r.On {
		terms[i] = fmt.Sprintf("%s.%s = %s.%s",
			QuoteIdent(targetAlias), QuoteIdent(p.Remote),
			QuoteIdent(ownerAlias), QuoteIdent(p.Local))
	}
	return strings.Join(terms, " AND ")
}

func (r *Relation) validate(owner string) error {
	if r.Name == "" {
		return fmt.Errorf("entity %s: relation with no name", owner)
	}
	if r.Target == "" {
		return fmt.Errorf("entity %s: relation %q has no target", owner, r.Name)
	}
	if r.Cardinality != One && r.Cardinality != Many {
		return fmt.Errorf("entity %s: relation %q has invalid cardinality %q", owner, r.Name, r.Cardinality)
	}
	if len(r.On) == 0 {
		return fmt.Errorf("entity %s: relation %q has no join condition", owner, r.Name)
	}
	return nil
}
