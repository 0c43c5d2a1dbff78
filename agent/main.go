package main

import (
	"fmt"
	"os"

	"github.com/ctolnik/activity-agent/agent/cli"
)

var version = "1.0.0"

func main() {
	if err := cli.Run(version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
