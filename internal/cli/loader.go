package cli

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mqc/internal/schema"
	"github.com/roach88/mqc/internal/settings"
)

// loadSchema reads and validates the YAML entity schema.
func loadSchema(path string) (*schema.Registry, error) {
	reg, err := schema.LoadFile(path)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to load schema", Err: err}
	}
	return reg, nil
}

// loadSettings reads a YAML settings file mapping entity names to scopes.
// An empty path yields nil settings, which permits everything.
func loadSettings(path string) (map[string]*settings.Scope, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to open settings", Err: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	scopes := map[string]*settings.Scope{}
	if err := dec.Decode(&scopes); err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to decode settings", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return scopes, nil
}

// loadQuery reads a JSON query object, from a file or stdin ("-").
func loadQuery(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, &ExitError{Code: ExitCommandError, Message: "failed to read query from stdin", Err: err}
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "failed to read query", Err: err}
	}
	return data, nil
}
