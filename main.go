// Command diabetesai serves diabetes risk predictions over HTTP, Slack and
// the command line.
package main

import (
	"fmt"
	"os"

	"diabetesai/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
