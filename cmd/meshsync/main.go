// Command meshsync runs and inspects mesh nodes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/meshsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
