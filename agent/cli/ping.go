package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ctolnik/activity-agent/agent/httpclient"
)

// Execute implements the go-flags Commander interface for PingCommand.
func (c *PingCommand) Execute(args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, cleanup, err := c.newLogger(cfg, c.globals.Verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	client := httpclient.NewClient(httpclient.Config{
		ServerURL: cfg.Agent.Server.URL,
		APIKey:    cfg.Agent.APIKey,
		Timeout:   time.Duration(cfg.Agent.Server.TimeoutSeconds) * time.Second,
		UserAgent: httpclient.UserAgent(c.version),
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.TestConnection(ctx); err != nil {
		return fmt.Errorf("collector %s unreachable: %w", cfg.Agent.Server.URL, err)
	}
	if c.globals.JSON {
		return c.printJSON(map[string]any{
			"server":     cfg.Agent.Server.URL,
			"ok":         true,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
	c.printf("Collector %s OK (%s)\n", cfg.Agent.Server.URL, time.Since(start).Round(time.Millisecond))
	return nil
}
