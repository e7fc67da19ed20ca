package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/adapter/families"
	"github.com/marko911/chainhub/internal/adapter/replay"
	"github.com/marko911/chainhub/internal/config"
	"github.com/marko911/chainhub/internal/stream"
)

func recordCommand() *cli.Command {
	return &cli.Command{
		Name:        "record",
		Usage:       "Record a configured chain's events as replay fixtures",
		Description: "Connects to the chain's stream_url with its configured filters and watch list and writes every event to --out until interrupted or --for elapses.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "chain",
				Usage:    "configured chain name",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "fixtures directory",
				Value: "./fixtures",
			},
			&cli.DurationFlag{
				Name:  "for",
				Usage: "stop after this long (0 = until interrupted)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			ch, ok := cfg.Chain(c.String("chain"))
			if !ok {
				return fmt.Errorf("chain %q is not configured", c.String("chain"))
			}
			if ch.StreamURL == "" {
				return fmt.Errorf("chain %q has no stream_url", ch.Name)
			}

			level := cfg.LogLevel
			if l := c.String("log-level"); l != "" {
				level = l
			}
			logger := newLogger(os.Stderr, level)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			rec, err := replay.NewRecorder(c.String("out"), ch.Name, logger)
			if err != nil {
				return err
			}
			streams := stream.NewRegistry(families.SourceFactory(sourceOptions(cfg, logger)), cfg.Stream.Options(), logger)
			defer streams.Close()

			if err := record(ctx, streams, ch, rec); err != nil {
				_ = rec.Close()
				return err
			}
			if err := rec.Close(); err != nil {
				return err
			}
			logger.Info("recording finished", "chain", ch.Name, "fixtures", rec.Written())
			return nil
		},
	}
}

func record(ctx context.Context, streams *stream.Registry, ch config.ChainConfig, rec *replay.Recorder) error {
	s, err := streams.Get(ch.Name, ch.StreamURL)
	if err != nil {
		return err
	}
	cancel := rec.Attach(s)
	defer cancel()

	for _, f := range ch.Filters {
		if err := s.AddLogFilter(ctx, f); err != nil {
			return err
		}
	}
	for _, addr := range ch.Watch {
		if err := s.WatchAddress(ctx, addr); err != nil {
			return err
		}
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
