// Command chainhub runs the multi-chain event service and exposes the chain
// adapters from the command line.
//
// Usage:
//
//	chainhub serve --config chainhub.yaml
//	chainhub address derive --family evm --public-key 02ab...
//	chainhub address validate --family bitcoin --address bc1q...
//	chainhub multisig --family evm --owner 0x.. --owner 0x.. --threshold 2
//	chainhub balance --config chainhub.yaml --chain ethereum --address 0x..
//	chainhub replay --chain ethereum --dir ./fixtures
//	chainhub record --config chainhub.yaml --chain ethereum --out ./fixtures --for 10m
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		EnableShellCompletion: true,
		Name:                  "chainhub",
		Usage:                 "multi-chain adapters and resilient event streams",
		Writer:                out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Sources: cli.EnvVars("CHAINHUB_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error); overrides the config file",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			addressCommand(),
			multisigCommand(),
			balanceCommand(),
			replayCommand(),
			recordCommand(),
		},
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
