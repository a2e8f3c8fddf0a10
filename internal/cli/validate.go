package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mqc/internal/settings"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	Root     *RootOptions
	Schema   string
	Settings string
}

// ValidateResult is the JSON payload for a successful validation.
type ValidateResult struct {
	Schema   string   `json:"schema"`
	Entities []string `json:"entities"`
	Settings string   `json:"settings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a schema file and optional settings",
		Long: `Loads the YAML entity schema, checks its internal consistency
(relation targets, join columns, association references) and, when a
settings file is given, checks every configured name against the
entity it guards.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "path to the YAML entity schema (required)")
	cmd.Flags().StringVar(&opts.Settings, "settings", "", "path to a YAML settings file (optional)")
	cmd.MarkFlagRequired("schema")

	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	formatter := &OutputFormatter{
		Format:    opts.Root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: os.Stderr,
		Verbose:   opts.Root.Verbose,
	}

	reg, err := loadSchema(opts.Schema)
	if err != nil {
		return reportError(formatter, err)
	}

	scopes, err := loadSettings(opts.Settings)
	if err != nil {
		return reportError(formatter, err)
	}
	for _, name := range sortedScopeNames(scopes) {
		ent, err := reg.Entity(name)
		if err != nil {
			return reportError(formatter, &ExitError{Code: ExitFailure,
				Message: fmt.Sprintf("settings name unknown entity %q", name), Err: err})
		}
		if err := scopes[name].Validate(ent); err != nil {
			return reportError(formatter, &ExitError{Code: ExitFailure,
				Message: "invalid settings", Err: err})
		}
	}

	result := &ValidateResult{
		Schema:   opts.Schema,
		Entities: reg.Names(),
		Settings: opts.Settings,
	}
	if opts.Root.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "OK: %d entities (%s)\n",
		len(result.Entities), strings.Join(result.Entities, ", "))
	return nil
}

func sortedScopeNames(scopes map[string]*settings.Scope) []string {
	names := make([]string, 0, len(scopes))
	for name := range scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
