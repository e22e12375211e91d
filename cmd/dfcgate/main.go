// Package main is the entry point for the dfcgate binary.
package main

import (
	"os"

	"dfcgate/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
