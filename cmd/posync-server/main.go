// Command posync-server runs the reference data service: a PostgREST-style
// table API over SQLite with JWT sessions.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
