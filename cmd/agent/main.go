// Package main implements the agent process serving replication and client
// traffic for the configuration store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}
