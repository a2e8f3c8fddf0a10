package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mqc/internal/store"
)

const testSchemaYAML = `
entities:
  - name: User
    table: users
    primary_key: [id]
    fields:
      - name: id
      - name: name
      - name: age
    relations:
      - name: comments
        target: Comment
        cardinality: many
        on:
          - local: id
            remote: user_id
  - name: Comment
    table: comments
    primary_key: [id]
    fields:
      - name: id
      - name: user_id
      - name: text
`

const testSettingsYAML = `
User:
  max_items: 50
  banned_relations: [comments]
`

// writeFixtures writes the schema, settings and query files into a temp
// dir and returns their paths.
func writeFixtures(t *testing.T, query string) (schemaPath, settingsPath, queryPath string) {
	t.Helper()
	dir := t.TempDir()
	schemaPath = filepath.Join(dir, "schema.yaml")
	settingsPath = filepath.Join(dir, "settings.yaml")
	queryPath = filepath.Join(dir, "query.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(testSchemaYAML), 0o644))
	require.NoError(t, os.WriteFile(settingsPath, []byte(testSettingsYAML), 0o644))
	require.NoError(t, os.WriteFile(queryPath, []byte(query), 0o644))
	return schemaPath, settingsPath, queryPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t, `{"project": "id"}`)
	_, err := execute(t, "compile", "--schema", schemaPath, "--entity", "User",
		"--format", "xml", queryPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCompile_TextOutput(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t,
		`{"project": "id name", "filter": {"age": {"$gte": 18}}, "sort": "id+"}`)

	out, err := execute(t, "compile", "--schema", schemaPath, "--entity", "User", queryPath)
	require.NoError(t, err)

	assert.Contains(t, out,
		`SELECT "users"."id" AS "id", "users"."name" AS "name" FROM "users" AS "users" WHERE "users"."age" >= ? ORDER BY "users"."id" ASC`)
	assert.Contains(t, out, "-- args: [18]")
}

func TestCompile_JSONOutput(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t, `{"project": "id", "count": true}`)

	out, err := execute(t, "compile", "--schema", schemaPath, "--entity", "User",
		"--format", "json", queryPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "User", data["entity"])
	assert.Equal(t, `SELECT COUNT(*) AS "count" FROM "users" AS "users"`, data["sql"])
	assert.Equal(t, true, data["count"])
}

func TestCompile_InvalidQueryExitsWithFailure(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t, `{"filter": {"ghost": 1}}`)

	out, err := execute(t, "compile", "--schema", schemaPath, "--entity", "User", queryPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "INVALID_FIELD")
}

func TestCompile_SettingsApply(t *testing.T) {
	schemaPath, settingsPath, queryPath := writeFixtures(t, `{"join": "comments"}`)

	out, err := execute(t, "compile", "--schema", schemaPath, "--entity", "User",
		"--settings", settingsPath, queryPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "DISABLED")
}

func TestCompile_MissingSchemaIsCommandError(t *testing.T) {
	_, _, queryPath := writeFixtures(t, `{"project": "id"}`)

	_, err := execute(t, "compile", "--schema", "/nope/schema.yaml", "--entity", "User", queryPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate_OK(t *testing.T) {
	schemaPath, settingsPath, _ := writeFixtures(t, `{}`)

	out, err := execute(t, "validate", "--schema", schemaPath, "--settings", settingsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 entities")
}

func TestValidate_BadSettings(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.yaml")
	settingsPath := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte(testSchemaYAML), 0o644))
	require.NoError(t, os.WriteFile(settingsPath, []byte("User:\n  force_include: [ghost]\n"), 0o644))

	out, err := execute(t, "validate", "--schema", schemaPath, "--settings", settingsPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "ghost")
}

func TestRun_ExecutesQuery(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t,
		`{"project": "id name", "filter": {"age": 16}, "sort": "id+"}`)

	dbPath := filepath.Join(t.TempDir(), "app.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`))
	require.NoError(t, st.Exec(ctx, `INSERT INTO users VALUES (1,'a',18),(2,'b',18),(3,'c',16)`))
	require.NoError(t, st.Close())

	out, err := execute(t, "run", "--schema", schemaPath, "--entity", "User",
		"--db", dbPath, queryPath)
	require.NoError(t, err)
	assert.Contains(t, out, "id=3")
	assert.Contains(t, out, "name=c")
	assert.Contains(t, out, "(1 rows)")
}

func TestRun_MissingDatabaseIsCommandError(t *testing.T) {
	schemaPath, _, queryPath := writeFixtures(t, `{"project": "id"}`)

	_, err := execute(t, "run", "--schema", schemaPath, "--entity", "User",
		"--db", "/nope/app.db", queryPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Error("INVALID_QUERY", "bad shape", map[string]any{"section": "filter"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_QUERY", resp.Error.Code)
}

func TestOutputFormatter_VerboseGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	f.VerboseLog("loading %s", "schema")
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "loading schema")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "boom")))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
}
