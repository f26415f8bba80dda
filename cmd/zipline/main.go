// Command zipline is the reference host process for the transfer engine:
// a daemon that advertises this machine, accepts or declines incoming
// transfers from the terminal, and a handful of scriptable subcommands to
// list peers and send files without a GUI.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/daemon-001/zipline/cmd/zipline/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
