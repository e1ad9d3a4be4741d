// Command beacon runs a proximity-tracing device engine and a local test backend.
package main

import (
	"fmt"
	"os"

	"github.com/TheusHen/beacon/cmd/beacon/commands"
)

// Set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
