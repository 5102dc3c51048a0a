// Package main is the entry point for the arbiter CLI.
package main

import (
	"os"

	"github.com/KafClaw/arbiter/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
