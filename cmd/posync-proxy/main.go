// Command posync-proxy runs the offline cache in front of the POS web app
// and relays sync requests to connected clients.
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
