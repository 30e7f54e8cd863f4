// Package main is the entry point of the gman CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jholhewres/gman/cmd/gman/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, commands.ErrReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
