// Package main is the entry point for the previewplane CLI.
// The CLI is the developer terminal tool for interacting with the previewplane API.
package main

import (
	"os"

	"previewplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
