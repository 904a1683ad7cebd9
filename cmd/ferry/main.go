// Package main provides the entry point for the ferry agent.
package main

import (
	"fmt"
	"os"

	"github.com/ferry-agent/ferry/cmd/ferry/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
