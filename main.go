// Package main provides the entry point for the lodestar validator client.
package main

import (
	"os"

	"github.com/rdvorkin/lodestar/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
