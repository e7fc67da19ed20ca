package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/adapter/families"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:        "replay",
		Usage:       "Play recorded fixtures through an event stream",
		Description: "Streams the fixtures in --dir and prints every emitted event as one JSON line. Runs until interrupted or --for elapses.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "fixtures directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "chain",
				Usage: "chain whose fixtures to play",
				Value: "ethereum",
			},
			&cli.BoolFlag{
				Name:  "loop",
				Usage: "replay forever",
			},
			&cli.FloatFlag{
				Name:  "speed",
				Usage: "playback speed relative to recording (0 = instant)",
			},
			&cli.StringSliceFlag{
				Name:  "watch",
				Usage: "address to watch for transactions, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "kind",
				Usage: "only print these event kinds, repeatable",
			},
			&cli.DurationFlag{
				Name:  "for",
				Usage: "stop after this long (0 = until interrupted)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			level := c.String("log-level")
			if level == "" {
				level = "warn"
			}
			logger := newLogger(os.Stderr, level)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			streams := stream.NewRegistry(families.SourceFactory(families.SourceOptions{
				ReplayLoop:  c.Bool("loop"),
				ReplaySpeed: c.Float("speed"),
				Logger:      logger,
			}), stream.DefaultOptions(), logger)
			defer streams.Close()

			return runReplay(ctx, streams, c.String("chain"), c.String("dir"), c.StringSlice("watch"), c.StringSlice("kind"), json.NewEncoder(c.Root().Writer))
		},
	}
}

func runReplay(ctx context.Context, streams *stream.Registry, chain, dir string, watch, kinds []string, enc *json.Encoder) error {
	s, err := streams.Get(chain, families.ReplayScheme+dir)
	if err != nil {
		return err
	}

	cancel := s.OnEvent(func(ev protov1.Event) {
		if len(kinds) > 0 && !slices.Contains(kinds, string(ev.Kind)) {
			return
		}
		_ = enc.Encode(ev)
	})
	defer cancel()

	for _, addr := range watch {
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
