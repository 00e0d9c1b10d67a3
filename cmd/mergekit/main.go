// Package main provides the mergekit command-line interface.
package main

import (
	"os"

	"github.com/Protekly/mergekit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
