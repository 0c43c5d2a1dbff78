// Package cli implements the activity-agent command line.
package cli

import (
	"fmt"
	"io"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Run        *RunCommand
	Status     *StatusCommand
	Ping       *PingCommand
	Flush      *FlushCommand
	InitConfig *InitConfigCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string, out io.Writer) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "activity-agent"
	parser.LongDescription = "Captures foreground window and idle activity and delivers it to the collector."

	base := command{globals: &globals, version: version, out: out}
	cmds := &commands{
		Run:        &RunCommand{command: base},
		Status:     &StatusCommand{command: base},
		Ping:       &PingCommand{command: base},
		Flush:      &FlushCommand{command: base},
		InitConfig: &InitConfigCommand{command: base},
	}

	parser.AddCommand("run", "Run the agent", "Capture activity and deliver it until interrupted.", cmds.Run)
	parser.AddCommand("status", "Show local queue statistics", "Show local queue statistics and parked records.", cmds.Status)
	parser.AddCommand("ping", "Test the collector connection", "Check that the collector answers its health endpoint.", cmds.Ping)
	parser.AddCommand("flush", "Deliver pending records now", "Deliver every pending record once and exit.", cmds.Flush)
	parser.AddCommand("init-config", "Write the default config", "Write a config file populated with default values.", cmds.InitConfig)

	return parser, &globals, cmds
}

// Run is the main entry point using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	return runWithOutput(version, args, os.Stdout)
}

func runWithOutput(version string, args []string, out io.Writer) error {
	// --version is valid without a subcommand
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Fprintf(out, "activity-agent %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version, out)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}
	return nil
}
