// Command dbshell is the CLI front-end for the dbshell core runtime: an
// AI-assisted database administration shell speaking the Model Context
// Protocol to a pool of external servers. See internal/cli/commands for
// the single-shot/REPL dispatch implementation.
package main

import (
	"os"

	"github.com/mcp-scooter/dbshell/internal/cli/commands"
)

func main() {
	os.Exit(commands.Execute())
}
