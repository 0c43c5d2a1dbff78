package cli

import (
	"fmt"
	"os"

	"github.com/ctolnik/activity-agent/agent/config"
)

// Execute implements the go-flags Commander interface for InitConfigCommand.
func (c *InitConfigCommand) Execute(args []string) error {
	path := c.globals.Config
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	c.printf("Wrote default config to %s\n", path)
	return nil
}
