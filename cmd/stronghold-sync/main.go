// Package main provides the stronghold-sync command-line client.
// It runs the sync engine as a long-lived agent or performs one-shot
// operations against the local store and the coordinator.
package main

import (
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
