package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mqc/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Root     *RootOptions
	Schema   string
	Entity   string
	Settings string
	Database string
}

// RunResult is the JSON payload for a successful execution.
type RunResult struct {
	ExecutionID string           `json:"execution_id"`
	Entity      string           `json:"entity"`
	SQL         string           `json:"sql"`
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <query.json>",
		Short:         "Compile a query object and execute it against a SQLite database",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "path to the YAML entity schema (required)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity to compile against (required)")
	cmd.Flags().StringVar(&opts.Settings, "settings", "", "path to a YAML settings file (optional)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database (required)")
	cmd.MarkFlagRequired("schema")
	cmd.MarkFlagRequired("entity")
	cmd.MarkFlagRequired("db")

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions, queryPath string) error {
	formatter := &OutputFormatter{
		Format:    opts.Root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: os.Stderr,
		Verbose:   opts.Root.Verbose,
	}

	if _, err := os.Stat(opts.Database); err != nil {
		return reportError(formatter, &ExitError{Code: ExitCommandError,
			Message: "database not found", Err: err})
	}

	compiled, err := compileQuery(formatter, opts.Schema, opts.Settings, opts.Entity, queryPath)
	if err != nil {
		return reportError(formatter, err)
	}
	sql, _, err := compiled.Plan().ToSQL()
	if err != nil {
		return reportError(formatter, &ExitError{Code: ExitFailure,
			Message: "failed to render SQL", Err: err})
	}
	formatter.VerboseLog("SQL: %s", sql)

	st, err := store.Open(opts.Database)
	if err != nil {
		return reportError(formatter, &ExitError{Code: ExitCommandError,
			Message: "failed to open database", Err: err})
	}
	defer st.Close()

	result, err := st.Run(cmd.Context(), compiled.Plan())
	if err != nil {
		return reportError(formatter, &ExitError{Code: ExitFailure,
			Message: "query execution failed", Err: err})
	}

	payload := &RunResult{
		ExecutionID: result.ExecutionID,
		Entity:      opts.Entity,
		SQL:         sql,
		Columns:     result.Columns,
		Rows:        result.Rows,
		RowCount:    len(result.Rows),
	}
	if payload.Rows == nil {
		payload.Rows = []map[string]any{}
	}
	if opts.Root.Format == "json" {
		return formatter.Success(payload)
	}
	printRunText(formatter, payload)
	return nil
}

func printRunText(formatter *OutputFormatter, result *RunResult) {
	for _, row := range result.Rows {
		parts := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			parts = append(parts, fmt.Sprintf("%s=%v", col, row[col]))
		}
		line := ""
		for i, p := range parts {
			if i > 0 {
				line += "  "
			}
			line += p
		}
		fmt.Fprintln(formatter.Writer, line)
	}
	fmt.Fprintf(formatter.Writer, "(%d rows)\n", result.RowCount)
}
