package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/mqc/internal/settings"
)

func TestPluck_FiltersToProjection(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{"project": "id name"})

	out := c.Pluck(Record{
		"id":    1,
		"name":  "a",
		"age":   18,
		"other": "noise",
	})
	assert.Equal(t, Record{"id": 1, "name": "a"}, out)
}

func TestPluck_QuietFieldsNeverAppear(t *testing.T) {
	reg := testRegistry(t)
	scope := &settings.Scope{EnsureLoaded: []string{"age"}}
	c := mustCompile(t, reg, scope, map[string]any{"project": "id name"})

	out := c.Pluck(Record{"id": 1, "name": "a", "age": 18})
	assert.Equal(t, Record{"id": 1, "name": "a"}, out)
}

func TestPluck_NilInstance(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{"project": "id"})

	assert.Nil(t, c.Pluck(nil))
}

func TestPluck_NestedListRelation(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": map[string]any{
			"id":       1,
			"comments": map[string]any{"project": "text"},
		},
	})

	out := c.Pluck(Record{
		"id": 1,
		"comments": []Record{
			{"id": 10, "text": "hi", "likes": 3},
			{"id": 11, "text": "wow", "likes": 0},
		},
	})
	assert.Equal(t, Record{
		"id": 1,
		"comments": []Record{
			{"id": 10, "text": "hi"},
			{"id": 11, "text": "wow"},
		},
	}, out)
}

func TestPluck_NestedScalarRelation(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": map[string]any{
			"id":      1,
			"country": map[string]any{"project": "name"},
		},
	})

	out := c.Pluck(Record{
		"id":      1,
		"country": Record{"code": "is", "name": "Iceland"},
	})
	assert.Equal(t, Record{
		"id":      1,
		"country": Record{"code": "is", "name": "Iceland"},
	}, out)
}

func TestPluck_NullRelationStaysNull(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": map[string]any{"id": 1, "country": 1},
	})

	out := c.Pluck(Record{"id": 3, "country": nil})
	assert.Equal(t, Record{"id": 3, "country": nil}, out)
}

func TestPluck_MissingRelationOmitted(t *testing.T) {
	reg := testRegistry(t)
	c := mustCompile(t, reg, nil, map[string]any{
		"project": map[string]any{"id": 1, "comments": 1},
	})

	out := c.Pluck(Record{"id": 3})
	assert.Equal(t, Record{"id": 3}, out)
}
