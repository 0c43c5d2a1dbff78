package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/model"
)

type statusJSON struct {
	Version      string        `json:"version"`
	DatabasePath string        `json:"database_path"`
	Unsynced     int           `json:"unsynced"`
	Claimed      int           `json:"claimed"`
	Parked       int           `json:"parked"`
	Dropped      int64         `json:"dropped"`
	ParkedItems  []model.Entry `json:"parked_items,omitempty"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := buffer.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	return c.executeWithStore(ctx, store, cfg.Storage.Path)
}

// executeWithStore runs status against a provided store (for testing).
func (c *StatusCommand) executeWithStore(ctx context.Context, store *buffer.Store, path string) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	var parked []model.Entry
	if c.Parked > 0 {
		parked, err = store.Entries(ctx, model.SyncParked, c.Parked)
		if err != nil {
			return fmt.Errorf("list parked records: %w", err)
		}
	}

	if c.globals.JSON {
		return c.printJSON(statusJSON{
			Version:      c.version,
			DatabasePath: path,
			Unsynced:     stats.Unsynced,
			Claimed:      stats.Claimed,
			Parked:       stats.Parked,
			Dropped:      stats.Dropped,
			ParkedItems:  parked,
		})
	}

	c.printf("Activity Agent Status\n")
	c.printf("=====================\n")
	c.printf("Version:   %s\n", c.version)
	c.printf("Database:  %s\n", path)
	c.printf("Unsynced:  %d\n", stats.Unsynced)
	c.printf("Claimed:   %d\n", stats.Claimed)
	c.printf("Parked:    %d\n", stats.Parked)
	c.printf("Dropped:   %d\n", stats.Dropped)
	for _, e := range parked {
		c.printf("  #%d %s %s (attempts: %d)\n", e.ID, e.Kind, e.Timestamp().Format(time.RFC3339), e.Attempts)
	}
	return nil
}
