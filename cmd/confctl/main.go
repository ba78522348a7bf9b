// Package main implements the CLI client for the replicated configuration
// store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "confctl: %v\n", err)
		os.Exit(1)
	}
}
