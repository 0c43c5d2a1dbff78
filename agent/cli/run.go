package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/app"
	"github.com/ctolnik/activity-agent/zapctx"
)

// Execute implements the go-flags Commander interface for RunCommand.
func (c *RunCommand) Execute(args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, cleanup, err := c.newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("Activity agent starting",
		zap.String("version", c.version),
		zap.String("config", c.globals.Config),
		zap.String("storage", cfg.Storage.Path),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = zapctx.WithLogger(ctx, log)

	agent, err := app.New(ctx, cfg, log, app.WithVersion(c.version))
	if err != nil {
		log.Error("Failed to start agent", zap.Error(err))
		return fmt.Errorf("start agent: %w", err)
	}
	return agent.Run(ctx)
}
