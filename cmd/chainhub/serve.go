package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/config"
)

// serveCommand runs every configured stream, sink and the websocket gateway
// until SIGINT or SIGTERM.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Run the event service",
		Description: "Connects every chain with a stream_url, forwards events to the enabled sinks and serves the websocket gateway and metrics.",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}

			logger := newLogger(os.Stdout, cfg.LogLevel)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return svc.run(ctx)
		},
	}
}
