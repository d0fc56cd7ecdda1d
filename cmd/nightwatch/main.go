// Command nightwatch is the self-executable the Job Spawner forks: run
// with "serve" it is the long-running daemon (with no arguments it prints
// usage); run with "run"/"review"/"qa"/"audit"/"board" it is a
// short-lived worker process that exits when done.
package main

import (
	"fmt"
	"os"

	"github.com/nightwatch-bot/nightwatch/cmd/nightwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
