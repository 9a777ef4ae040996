// Command clusterhub runs a coordinator and its participants, or replays
// scenario files against an in-process group.
package main

import (
	"fmt"
	"os"

	"github.com/fent/clusterhub/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
