package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/mqc/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Structured errors were already printed by the failing command;
		// anything else (flag parse failures) surfaces here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
