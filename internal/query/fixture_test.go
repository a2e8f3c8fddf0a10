package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mqc/internal/schema"
	"github.com/roach88/mqc/internal/settings"
)

// testRegistry builds the User/Comment/Country schema shared by the query
// compiler tests.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()

	reg := schema.NewRegistry()

	user := &schema.Entity{
		Name:       "User",
		Table:      "users",
		PrimaryKey: []string{"id"},
		Fields: []schema.Field{
			{Name: "id", Kind: schema.KindColumn},
			{Name: "name", Kind: schema.KindColumn},
			{Name: "age", Kind: schema.KindColumn},
			{Name: "score", Kind: schema.KindColumn, Nullable: true},
			{Name: "tags", Kind: schema.KindColumn, Array: true, Nullable: true},
			{Name: "profile", Kind: schema.KindColumn, JSON: true, Nullable: true},
			{Name: "country_code", Kind: schema.KindColumn, Nullable: true},
			{Name: "name_upper", Kind: schema.KindDerived, Expr: `UPPER({alias}."name")`},
			{Name: "display", Kind: schema.KindComputed},
			{Name: "country_name", Kind: schema.KindAssociation, Relation: "country", TargetField: "name"},
		},
		Relations: []schema.Relation{
			{Name: "comments", Target: "Comment", Cardinality: schema.Many,
				On: []schema.ColumnPair{{Local: "id", Remote: "user_id"}}},
			{Name: "country", Target: "Country", Cardinality: schema.One,
				On: []schema.ColumnPair{{Local: "country_code", Remote: "code"}}},
		},
		LegacyFields: []string{"old_handle"},
	}

	comment := &schema.Entity{
		Name:       "Comment",
		Table:      "comments",
		PrimaryKey: []string{"id"},
		Fields: []schema.Field{
			{Name: "id", Kind: schema.KindColumn},
			{Name: "user_id", Kind: schema.KindColumn},
			{Name: "text", Kind: schema.KindColumn},
			{Name: "likes", Kind: schema.KindColumn},
		},
		Relations: []schema.Relation{
			{Name: "author", Target: "User", Cardinality: schema.One,
				On: []schema.ColumnPair{{Local: "user_id", Remote: "id"}}},
		},
	}

	country := &schema.Entity{
		Name:       "Country",
		Table:      "countries",
		PrimaryKey: []string{"code"},
		Fields: []schema.Field{
			{Name: "code", Kind: schema.KindColumn},
			{Name: "name", Kind: schema.KindColumn},
		},
	}

	require.NoError(t, reg.Register(user))
	require.NoError(t, reg.Register(comment))
	require.NoError(t, reg.Register(country))
	require.NoError(t, reg.Validate())
	return reg
}

// mustCompile compiles a query object for User with an optional scope.
func mustCompile(t *testing.T, reg *schema.Registry, scope *settings.Scope, raw map[string]any) *Compiled {
	t.Helper()
	q, err := New(reg, "User", scope)
	require.NoError(t, err)
	compiled, err := q.Compile(raw)
	require.NoError(t, err)
	return compiled
}

// planSQL renders the compiled plan.
func planSQL(t *testing.T, c *Compiled) (string, []any) {
	t.Helper()
	sql, args, err := c.Plan().ToSQL()
	require.NoError(t, err)
	return sql, args
}

func boolPtr(b bool) *bool { return &b }
