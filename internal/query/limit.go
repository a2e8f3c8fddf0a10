package query

import "github.com/roach88/mqc/internal/settings"

// Limit normalizes skip/limit and applies the configured row cap.
// Non-positive values are treated as absent. The max_items cap is forced
// onto every query except a count.
type Limit struct {
	scope *settings.Scope
	skip  int
	limit int
	count bool
}

func newLimit(scope *settings.Scope) *Limit {
	return &Limit{scope: scope}
}

// Input parses the skip and limit sections.
func (l *Limit) Input(skip, limit any) error {
	if skip != nil {
		n, ok := asInt(skip)
		if !ok {
			return invalidQuery("skip", "skip must be an integer, got %s", describeType(skip))
		}
		if n > 0 {
			l.skip = n
		}
	}
	if limit != nil {
		n, ok := asInt(limit)
		if !ok {
			return invalidQuery("limit", "limit must be an integer, got %s", describeType(limit))
		}
		if n > 0 {
			l.limit = n
		}
	}
	return nil
}

// SetCount marks the query as a count; counting lifts the row cap.
func (l *Limit) SetCount(count bool) { l.count = count }

// Skip returns the normalized offset.
func (l *Limit) Skip() int { return l.skip }

// Limit returns the normalized row limit with max_items applied.
func (l *Limit) Limit() int {
	limit := l.limit
	if l.count {
		return limit
	}
	if max := l.scope.MaxItems; max > 0 && (limit == 0 || limit > max) {
		limit = max
	}
	return limit
}

// Paginates reports whether the query carries any skip or limit.
func (l *Limit) Paginates() bool {
	return l.skip > 0 || l.Limit() > 0
}
