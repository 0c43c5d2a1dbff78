package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/delivery"
	"github.com/ctolnik/activity-agent/agent/httpclient"
)

// Execute implements the go-flags Commander interface for FlushCommand.
func (c *FlushCommand) Execute(args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, cleanup, err := c.newLogger(cfg, c.globals.Verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	store, err := buffer.Open(ctx, cfg.Storage.Path, buffer.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	client := httpclient.NewClient(httpclient.Config{
		ServerURL:     cfg.Agent.Server.URL,
		APIKey:        cfg.Agent.APIKey,
		Timeout:       time.Duration(cfg.Agent.Server.TimeoutSeconds) * time.Second,
		RetryAttempts: cfg.Agent.Server.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Agent.Server.RetryDelay) * time.Second,
		UserAgent:     httpclient.UserAgent(c.version),
	}, log)

	processor := delivery.NewProcessor(delivery.Config{
		Endpoint:      cfg.Delivery.Endpoint,
		BatchSize:     cfg.Delivery.BatchSize,
		Interval:      cfg.Delivery.Interval(),
		MaxBackoff:    cfg.Delivery.MaxBackoff(),
		MaxRejections: cfg.Delivery.MaxRejections,
		Log:           log,
	}, store, client)

	return c.flush(ctx, store, processor)
}

func (c *FlushCommand) flush(ctx context.Context, store *buffer.Store, processor *delivery.Processor) error {
	drainErr := processor.Drain(ctx, time.Duration(c.Timeout)*time.Second)

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	delivered := processor.Status().Delivered

	if c.globals.JSON {
		out := map[string]any{
			"delivered": delivered,
			"pending":   stats.Pending(),
			"parked":    stats.Parked,
		}
		if drainErr != nil {
			out["error"] = drainErr.Error()
		}
		if err := c.printJSON(out); err != nil {
			return err
		}
	} else {
		c.printf("Delivered %d records, %d pending, %d parked\n", delivered, stats.Pending(), stats.Parked)
	}

	if drainErr != nil {
		return fmt.Errorf("flush incomplete: %w", drainErr)
	}
	return nil
}
