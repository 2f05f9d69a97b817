package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spherical/batch-extractor/cmd/batch-extractor/commands"
)

var (
	version = "0.1.0"
)

func main() {
	commands.SetVersion(version)

	if err := commands.Execute(); err != nil {
		var exitErr *commands.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
