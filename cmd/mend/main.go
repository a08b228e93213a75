// Command mend runs the self-healing workflow engine and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/mend/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
