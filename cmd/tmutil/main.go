// Command tmutil runs the travel model utilities.
package main

import (
	"os"

	"github.com/leapstack-labs/tmutil/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
