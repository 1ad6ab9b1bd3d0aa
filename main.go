// Package main is the entry point for the veritas binary. The subcommand
// selects which pipeline service runs; see the cli package for the command
// tree and configuration handling.
package main

import (
	"log"

	"veritas.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
