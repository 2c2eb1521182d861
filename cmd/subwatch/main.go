// Command subwatch monitors the subdomains of registered targets and
// alerts when new ones appear.
package main

import (
	"github.com/anstrom/subwatch/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
