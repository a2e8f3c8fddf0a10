package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mqc/internal/store"
)

// openSeeded opens an in-memory database matching the test schema and
// seeds three users and their comments.
func openSeeded(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			age INTEGER NOT NULL,
			score REAL,
			tags TEXT,
			profile TEXT,
			country_code TEXT
		)`,
		`CREATE TABLE comments (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			text TEXT NOT NULL,
			likes INTEGER NOT NULL
		)`,
		`CREATE TABLE countries (code TEXT PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO countries VALUES ('is', 'Iceland'), ('no', 'Norway')`,
		`INSERT INTO users (id, name, age, score, tags, profile, country_code) VALUES
			(1, 'a', 18, 4.5, '["go","sql"]', '{"theme":"dark","rank":2}', 'is'),
			(2, 'b', 18, NULL, '["go"]', NULL, 'no'),
			(3, 'c', 16, 2.0, NULL, '{"theme":"light","rank":9}', NULL)`,
		`INSERT INTO comments (id, user_id, text, likes) VALUES
			(1, 1, 'hi', 0),
			(2, 1, 'wow', 5),
			(3, 2, 'meh', 1)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, st.Exec(ctx, stmt))
	}
	return st
}

func runPlan(t *testing.T, st *store.Store, c *Compiled) *store.Result {
	t.Helper()
	result, err := st.Run(context.Background(), c.Plan())
	require.NoError(t, err)
	return result
}

func ids(rows []map[string]any) []int64 {
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["id"].(int64))
	}
	return out
}

func TestExec_FilterNarrowsRows(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"age": 16},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{3}, ids(result.Rows))
	assert.NotEmpty(t, result.ExecutionID)
}

func TestExec_SortOrdersRows(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "age+ id+",
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{3, 1, 2}, ids(result.Rows))
}

func TestExec_SkipAndLimit(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "id+",
		"skip":    float64(1),
		"limit":   float64(1),
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{2}, ids(result.Rows))
}

func TestExec_SkipWithoutLimit(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "id+",
		"skip":    float64(1),
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{2, 3}, ids(result.Rows))
}

func TestExec_Count(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"filter": map[string]any{"age": 18},
		"count":  true,
	})

	result := runPlan(t, st, c)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(2), result.Rows[0]["count"])
	assert.True(t, result.Count)
}

func TestExec_GroupedAggregate(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"group":     "age",
		"sort":      "age+",
		"aggregate": map[string]any{"n": map[string]any{"$sum": float64(1)}},
	})

	result := runPlan(t, st, c)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, int64(16), result.Rows[0]["age"])
	assert.Equal(t, int64(1), result.Rows[0]["n"])
	assert.Equal(t, int64(18), result.Rows[1]["age"])
	assert.Equal(t, int64(2), result.Rows[1]["n"])
}

func TestExec_SumPredicate(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"aggregate": map[string]any{
			"adults": map[string]any{"$sum": map[string]any{"age": map[string]any{"$gte": 18}}},
		},
	})

	result := runPlan(t, st, c)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, int64(2), result.Rows[0]["adults"])
}

func TestExec_RelatedFilterMatchesOnce(t *testing.T) {
	// user 1 has two comments; the single EXISTS must not duplicate the
	// parent row
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"comments.likes": map[string]any{"$gte": 0}},
		"sort":    "id+",
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1, 2}, ids(result.Rows))
}

func TestExec_TwoConditionsNeedOneQualifyingRow(t *testing.T) {
	// user 1 has a comment with likes=5 and a comment 'hi', but no single
	// comment that is both: the conjunction lives inside one EXISTS
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter": map[string]any{
			"comments.text":  "hi",
			"comments.likes": map[string]any{"$gte": 5},
		},
	})

	result := runPlan(t, st, c)
	assert.Empty(t, result.Rows)
}

func TestExec_FilteredJoinKeepsAllParents(t *testing.T) {
	// join never reduces parent rows: user 3 has no comments and still
	// appears, with NULL joined columns
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "id+",
		"join":    map[string]any{"comments": map[string]any{"filter": map[string]any{"likes": map[string]any{"$gte": 5}}}},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1, 2, 3}, ids(result.Rows))

	// only user 1's qualifying comment is populated
	assert.Equal(t, int64(2), result.Rows[0]["comments_1__id"])
	assert.Nil(t, result.Rows[1]["comments_1__id"])
	assert.Nil(t, result.Rows[2]["comments_1__id"])
}

func TestExec_FilteringJoinNarrowsParents(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "id+",
		"joinf":   map[string]any{"comments": map[string]any{"filter": map[string]any{"likes": map[string]any{"$gte": 1}}}},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1, 2}, ids(result.Rows))
}

func TestExec_JSONPathFilter(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"profile.rank": map[string]any{"$gte": 5}},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{3}, ids(result.Rows))
}

func TestExec_ArrayMembership(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"tags": "sql"},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1}, ids(result.Rows))
}

func TestExec_ArraySizeZeroMatchesNullColumn(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"tags": map[string]any{"$size": 0}},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{3}, ids(result.Rows))
}

func TestExec_NeMatchesNullRows(t *testing.T) {
	// user 2 has a NULL score and must match score != 2.0
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"score": map[string]any{"$ne": 2.0}},
		"sort":    "id+",
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1, 2}, ids(result.Rows))
}

func TestExec_AssociationFilter(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"filter":  map[string]any{"country_name": "Iceland"},
	})

	result := runPlan(t, st, c)
	assert.Equal(t, []int64{1}, ids(result.Rows))
}

func TestExec_AssociationProjection(t *testing.T) {
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id country_name",
		"sort":    "id+",
	})

	result := runPlan(t, st, c)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "Iceland", result.Rows[0]["country_name"])
	assert.Equal(t, "Norway", result.Rows[1]["country_name"])
	assert.Nil(t, result.Rows[2]["country_name"])
}

func TestExec_WrappedPaginationWithJoin(t *testing.T) {
	// with two comments on user 1, a naive LIMIT 2 would return just
	// user 1 twice; the subquery wrap fixes the parent row set first
	reg := testRegistry(t)
	st := openSeeded(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": "id",
		"sort":    "id+",
		"limit":   float64(2),
		"join":    map[string]any{"comments": map[string]any{"filter": map[string]any{"likes": map[string]any{"$gte": 0}}}},
	})

	result := runPlan(t, st, c)
	seen := map[int64]bool{}
	for _, id := range ids(result.Rows) {
		seen[id] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, seen)
}
