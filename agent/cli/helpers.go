package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/config"
	"github.com/ctolnik/activity-agent/agent/logger"
)

// loadConfig reads the configured file. A missing default file falls back
// to built-in defaults; a missing explicit path is an error.
func (c *command) loadConfig() (*config.Config, error) {
	path := c.globals.Config
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == "config.yaml" {
		cfg = config.DefaultConfig()
		if cfg.Agent.ComputerName == "" {
			cfg.Agent.ComputerName = os.Getenv("COMPUTERNAME")
		}
		return cfg, nil
	}
	return nil, err
}

func (c *command) newLogger(cfg *config.Config, console bool) (*zap.Logger, func(), error) {
	level := cfg.Logging.Level
	if c.globals.Verbose {
		level = "debug"
	}
	return logger.New(logger.Options{
		Level:      level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    console,
	})
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func (c *command) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
