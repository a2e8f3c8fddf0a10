// Package plan is the logical query plan handed to the execution layer.
//
// A Plan carries selected columns, a predicate tree, a join list with
// ON/WHERE placement already decided, ordering, grouping, aggregate
// expressions and limit/offset. ToSQL renders it through squirrel into a
// single parameterized statement; values are never interpolated.
package plan

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/mqc/internal/schema"
)

// Shape tells the execution layer what the result rows are.
type Shape int

const (
	// ShapeEntities: each row is one entity instance.
	ShapeEntities Shape = iota
	// ShapeAggregates: one row of scalar aggregates.
	ShapeAggregates
	// ShapeGrouped: one row per group of grouped aggregate tuples.
	ShapeGrouped
)

func (s Shape) String() string {
	switch s {
	case ShapeAggregates:
		return "aggregates"
	case ShapeGrouped:
		return "grouped"
	default:
		return "entities"
	}
}

// Column is one labeled select expression.
type Column struct {
	Label string
	SQL   string
	Args  []any
}

// Col builds a labeled column expression.
func Col(label, sql string, args ...any) Column {
	return Column{Label: label, SQL: sql, Args: args}
}

// Order is one ORDER BY key.
type Order struct {
	Expr string
	Desc bool
}

// SQL renders the key with its direction.
func (o Order) SQL() string {
	if o.Desc {
		return o.Expr + " DESC"
	}
	return o.Expr + " ASC"
}

// JoinKind selects the join operator.
type JoinKind int

const (
	// LeftOuter preserves parent rows; nested predicates belong in ON.
	LeftOuter JoinKind = iota
	// Inner narrows parent rows; nested predicates belong in WHERE.
	Inner
)

// Join is one join edge with its full ON condition.
type Join struct {
	Kind  JoinKind
	Table string
	Alias string
	On    sq.Sqlizer
}

// EagerLoad is a directive for the loader-strategy collaborator: load a
// relation after the main query, without shaping it into the statement.
type EagerLoad struct {
	Relation string
	// Batched asks for a secondary batched query (list relations);
	// otherwise a joined load is fine (scalar relations).
	Batched bool
	Columns []string
	Nested  []EagerLoad
}

// Plan is a compiled logical query.
//
// When Inner is set the base table is materialized as a fixed-row-set
// subquery first (the limit plus filtered-join interaction): Inner carries
// the table, parent predicates, inner ordering and limit/offset, while the
// outer plan attaches joins and re-applies ORDER BY around them.
type Plan struct {
	Table string
	Alias string
	Inner *Plan

	Columns []Column
	Joins   []Join
	// Where predicates are ANDed. Filtering-join (joinf) predicates land
	// here; filtered-join (join) predicates never do.
	Where   []sq.Sqlizer
	GroupBy []string
	OrderBy []Order

	// Limit and Offset of 0 mean absent.
	Limit  int
	Offset int

	Shape      Shape
	CountOnly  bool
	EagerLoads []EagerLoad
}

// ToSQL renders the plan as one parameterized SELECT.
func (p *Plan) ToSQL() (string, []any, error) {
	b, err := p.builder()
	if err != nil {
		return "", nil, err
	}
	return b.ToSql()
}

func (p *Plan) builder() (sq.SelectBuilder, error) {
	b := sq.Select()

	if p.CountOnly {
		b = b.Column(sq.Expr(`COUNT(*) AS "count"`))
	} else {
		if len(p.Columns) == 0 {
			return b, fmt.Errorf("plan for %s selects no columns", p.Table)
		}
		for _, c := range p.Columns {
			b = b.Column(sq.Expr(c.SQL+" AS "+schema.QuoteIdent(c.Label), c.Args...))
		}
	}

	if p.Inner != nil {
		inner, err := p.Inner.builder()
		if err != nil {
			return b, err
		}
		b = b.FromSelect(inner, p.Alias)
	} else {
		b = b.From(schema.QuoteIdent(p.Table) + " AS " + schema.QuoteIdent(p.Alias))
	}

	for _, j := range p.Joins {
		op := "LEFT JOIN"
		if j.Kind == Inner {
			op = "JOIN"
		}
		clause := fmt.Sprintf("%s %s AS %s ON ", op,
			schema.QuoteIdent(j.Table), schema.QuoteIdent(j.Alias))
		b = b.JoinClause(sq.Expr(clause+"?", j.On))
	}

	for _, w := range p.Where {
		b = b.Where(w)
	}

	if len(p.GroupBy) > 0 {
		b = b.GroupBy(p.GroupBy...)
	}
	for _, o := range p.OrderBy {
		b = b.OrderBy(o.SQL())
	}
	switch {
	case p.Limit > 0:
		b = b.Limit(uint64(p.Limit))
		if p.Offset > 0 {
			b = b.Offset(uint64(p.Offset))
		}
	case p.Offset > 0:
		// SQLite has no bare OFFSET; -1 is its unlimited LIMIT
		b = b.Suffix(fmt.Sprintf("LIMIT -1 OFFSET %d", p.Offset))
	}
	return b, nil
}
