// Command wfr runs GitHub-Actions-style workflows locally.
package main

import (
	"os"

	"github.com/kilupskalvis/wfr/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
