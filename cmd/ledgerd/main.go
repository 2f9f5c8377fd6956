// Command ledgerd runs and inspects a settlement node.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgerd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
