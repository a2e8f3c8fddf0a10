package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/mqc/internal/plan"
)

// Result holds the rows produced by one plan execution. ExecutionID tags
// the run for logs and client echoes.
type Result struct {
	ExecutionID string
	Shape       plan.Shape
	Count       bool
	Columns     []string
	Rows        []map[string]any
}

// Run renders a plan to SQL and executes it. Eager-load directives on the
// plan are the loader strategy's business and are not executed here.
func (s *Store) Run(ctx context.Context, p *plan.Plan) (*Result, error) {
	query, args, err := p.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("render plan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute plan: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{
		ExecutionID: uuid.NewString(),
		Shape:       p.Shape,
		Count:       p.CountOnly,
		Columns:     columns,
	}

	values := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = normalize(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// normalize converts driver byte slices to strings so rows are plain
// JSON-encodable values.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
