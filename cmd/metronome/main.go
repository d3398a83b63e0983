// Package main is the entry point for the metronome CLI and daemon.
package main

import (
	"os"

	"github.com/hkonno/metronome/cmd/metronome/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
