// Package main is the entry point for the nvrcore daemon.
package main

import (
	"os"

	"github.com/nightlatch/nvrcore/cmd/nvrcored/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
