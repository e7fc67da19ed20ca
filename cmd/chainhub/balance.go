package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/families"
	"github.com/marko911/chainhub/internal/config"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:        "balance",
		Usage:       "Query a native or token balance",
		Description: "Looks the chain up in the configuration and queries its rpc_url. Balances are printed in the chain's base unit.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "chain",
				Usage:    "configured chain name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "address",
				Usage:    "account address",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "token contract, coin type or CODE:ISSUER; empty queries the native balance",
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
			if ch.RPCURL == "" {
				return fmt.Errorf("chain %q has no rpc_url", ch.Name)
			}

			level := cfg.LogLevel
			if l := c.String("log-level"); l != "" {
				level = l
			}
			reg := adapter.NewRegistry()
			families.Register(reg, familyOptions(cfg, newLogger(os.Stderr, level)))
			a, err := reg.Get(ch.Identity(), ch.RPCURL)
			if err != nil {
				return err
			}

			addr := adapter.Address(c.String("address"))
			var balance string
			if token := c.String("token"); token != "" {
				balance, err = a.GetTokenBalance(ctx, addr, adapter.Address(token))
			} else {
				balance, err = a.GetBalance(ctx, addr)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.Root().Writer, balance)
			return err
		},
	}
}
