// Package main is the entry point for the fragmentr packager.
package main

import (
	"os"

	"github.com/jmylchreest/fragmentr/cmd/fragmentr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
