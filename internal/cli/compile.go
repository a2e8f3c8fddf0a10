package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mqc/internal/query"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	Root     *RootOptions
	Schema   string
	Entity   string
	Settings string
}

// CompileResult is the JSON payload for a successful compilation.
type CompileResult struct {
	Entity     string         `json:"entity"`
	SQL        string         `json:"sql"`
	Args       []any          `json:"args"`
	Shape      string         `json:"shape"`
	Count      bool           `json:"count,omitempty"`
	Projection map[string]int `json:"projection,omitempty"`
	EagerLoads []string       `json:"eager_loads,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query.json>",
		Short: "Compile a query object into parameterized SQL",
		Long: `Compiles a JSON query object against the schema and prints the
resulting SQL statement and its parameters. The query file may be "-"
to read from stdin.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "path to the YAML entity schema (required)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity to compile against (required)")
	cmd.Flags().StringVar(&opts.Settings, "settings", "", "path to a YAML settings file (optional)")
	cmd.MarkFlagRequired("schema")
	cmd.MarkFlagRequired("entity")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *CompileOptions, queryPath string) error {
	formatter := &OutputFormatter{
		Format:    opts.Root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: os.Stderr,
		Verbose:   opts.Root.Verbose,
	}

	compiled, err := compileQuery(formatter, opts.Schema, opts.Settings, opts.Entity, queryPath)
	if err != nil {
		return reportError(formatter, err)
	}

	result, err := describeCompiled(opts.Entity, compiled)
	if err != nil {
		return reportError(formatter, err)
	}

	if opts.Root.Format == "json" {
		return formatter.Success(result)
	}
	printCompileText(formatter, result)
	return nil
}

// compileQuery loads all three inputs and runs the compiler. Shared with
// the run command.
func compileQuery(formatter *OutputFormatter, schemaPath, settingsPath, entity, queryPath string) (*query.Compiled, error) {
	reg, err := loadSchema(schemaPath)
	if err != nil {
		return nil, err
	}
	formatter.VerboseLog("Loaded schema: %s (%d entities)", schemaPath, len(reg.Names()))

	scopes, err := loadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	data, err := loadQuery(queryPath)
	if err != nil {
		return nil, err
	}

	q, err := query.New(reg, entity, scopes[entity])
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to configure compiler", Err: err}
	}

	compiled, err := q.CompileJSON(data)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

func describeCompiled(entity string, compiled *query.Compiled) (*CompileResult, error) {
	p := compiled.Plan()
	sql, args, err := p.ToSQL()
	if err != nil {
		return nil, &ExitError{Code: ExitFailure, Message: "failed to render SQL", Err: err}
	}
	if args == nil {
		args = []any{}
	}
	result := &CompileResult{
		Entity: entity,
		SQL:    sql,
		Args:   args,
		Shape:  p.Shape.String(),
		Count:  compiled.CountOnly(),
	}
	if !compiled.CountOnly() {
		result.Projection = compiled.Projection()
	}
	for _, el := range p.EagerLoads {
		result.EagerLoads = append(result.EagerLoads, el.Relation)
	}
	return result, nil
}

func printCompileText(formatter *OutputFormatter, result *CompileResult) {
	fmt.Fprintln(formatter.Writer, result.SQL)
	if len(result.Args) > 0 {
		parts := make([]string, len(result.Args))
		for i, a := range result.Args {
			parts[i] = fmt.Sprintf("%v", a)
		}
		fmt.Fprintf(formatter.Writer, "-- args: [%s]\n", strings.Join(parts, ", "))
	}
	for _, rel := range result.EagerLoads {
		fmt.Fprintf(formatter.Writer, "-- eager load: %s\n", rel)
	}
}

// reportError prints a structured error and converts it to an ExitError so
// the process exits with the right code. Compilation errors are client
// errors (exit 1); everything else keeps its own code.
func reportError(formatter *OutputFormatter, err error) error {
	var qerr *query.Error
	if errors.As(err, &qerr) {
		details := map[string]any{}
		if qerr.Entity != "" {
			details["entity"] = qerr.Entity
		}
		if qerr.Field != "" {
			details["field"] = qerr.Field
		}
		if qerr.Section != "" {
			details["section"] = qerr.Section
		}
		if len(details) == 0 {
			details = nil
		}
		formatter.Error(string(qerr.Code), qerr.Message, details)
		return &ExitError{Code: ExitFailure, Message: qerr.Message, Err: err}
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		formatter.Error("COMMAND_ERROR", exitErr.Error(), nil)
		return exitErr
	}

	formatter.Error("ERROR", err.Error(), nil)
	return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
}
