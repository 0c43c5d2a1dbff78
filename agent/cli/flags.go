package cli

import "io"

// GlobalFlags are accepted by every command.
type GlobalFlags struct {
	Config  string `long:"config" short:"c" description:"Path to config file" default:"config.yaml"`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" short:"v" description:"Log at debug level"`
	Version bool   `long:"version" description:"Show version and exit"`
}

type command struct {
	globals *GlobalFlags
	version string
	out     io.Writer
}

// RunCommand runs the capture pipeline until SIGINT/SIGTERM.
type RunCommand struct {
	command
}

// StatusCommand prints local queue statistics.
type StatusCommand struct {
	command
	Parked int `long:"parked" description:"List up to N parked records" default:"0"`
}

// PingCommand checks the collector's health endpoint.
type PingCommand struct {
	command
}

// FlushCommand delivers all pending records once.
type FlushCommand struct {
	command
	Timeout int `long:"timeout" description:"Give up after this many seconds" default:"60"`
}

// InitConfigCommand writes the default configuration.
type InitConfigCommand struct {
	command
	Force bool `long:"force" description:"Overwrite an existing file"`
}
