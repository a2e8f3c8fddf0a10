package query

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// renderPlan serializes a compiled plan for golden comparison: the SQL on
// the first line, one "arg:" line per parameter.
func renderPlan(t *testing.T, c *Compiled) []byte {
	t.Helper()
	sql, args, err := c.Plan().ToSQL()
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString(sql)
	b.WriteString("\n")
	for _, a := range args {
		fmt.Fprintf(&b, "arg: %v\n", a)
	}
	return []byte(b.String())
}

func TestGolden_CompiledPlans(t *testing.T) {
	reg := testRegistry(t)

	cases := []struct {
		name string
		raw  map[string]any
	}{
		{
			name: "project_filter_sort",
			raw: map[string]any{
				"project": "id name",
				"filter":  map[string]any{"age": map[string]any{"$gte": 18}},
				"sort":    "id+",
			},
		},
		{
			name: "count_with_prefix",
			raw: map[string]any{
				"filter": map[string]any{"name": map[string]any{"$prefix": "a"}},
				"count":  true,
			},
		},
		{
			name: "related_exists",
			raw: map[string]any{
				"project": "id",
				"filter": map[string]any{
					"comments.likes": map[string]any{"$gt": 2},
					"comments.text":  "hi",
				},
			},
		},
		{
			name: "grouped_aggregate",
			raw: map[string]any{
				"group": "age",
				"aggregate": map[string]any{
					"n":         map[string]any{"$sum": 1},
					"avg_score": map[string]any{"$avg": "score"},
				},
			},
		},
		{
			name: "filtering_join",
			raw: map[string]any{
				"project": "id",
				"joinf": map[string]any{
					"comments": map[string]any{
						"project": "text",
						"filter":  map[string]any{"likes": map[string]any{"$gte": 1}},
					},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustCompile(t, reg, nil, tc.raw)
			g := goldie.New(t,
				goldie.WithFixtureDir("testdata/golden"),
				goldie.WithNameSuffix(".golden"),
			)
			g.Assert(t, tc.name, renderPlan(t, c))
		})
	}
}
