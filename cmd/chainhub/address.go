package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/families"
)

// familyFlags returns the flags selecting an offline adapter followed by
// extra.
func familyFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:     "family",
			Usage:    "chain family (evm, aptos, bitcoin, stellar, sui)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "network",
			Usage: "mainnet or testnet",
			Value: string(adapter.Mainnet),
		},
		&cli.StringFlag{
			Name:  "chain",
			Usage: "chain name; defaults to the family name (ethereum for evm)",
		},
	}, extra...)
}

// offlineAdapter builds an adapter without an endpoint, for operations that
// never touch the network.
func offlineAdapter(c *cli.Command) (adapter.ChainAdapter, error) {
	family, err := adapter.ParseFamily(c.String("family"))
	if err != nil {
		return nil, err
	}
	name := c.String("chain")
	if name == "" && family == adapter.FamilyEVM {
		name = "ethereum"
	}

	reg := adapter.NewRegistry()
	families.Register(reg, families.Options{})
	return reg.Get(adapter.ChainIdentity{
		Family:  family,
		Name:    name,
		Network: adapter.Network(c.String("network")),
	}.WithDefaults(), "")
}

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "Derive and validate addresses",
		Commands: []*cli.Command{
			{
				Name:        "derive",
				Usage:       "Derive the address of a public key",
				Description: "Prints the family's address for a hex encoded public key.",
				Flags: familyFlags(
					&cli.StringFlag{
						Name:     "public-key",
						Usage:    "hex encoded public key",
						Required: true,
					},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := offlineAdapter(c)
					if err != nil {
						return err
					}
					key, err := hex.DecodeString(strings.TrimPrefix(c.String("public-key"), "0x"))
					if err != nil {
						return fmt.Errorf("public key: %w", adapter.ErrInvalidKeyFormat)
					}
					addr, err := a.DeriveAddress(key)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.Root().Writer, addr)
					return err
				},
			},
			{
				Name:        "validate",
				Usage:       "Check an address for the family",
				Description: "Exits non-zero when the address is not valid for the family and network.",
				Flags: familyFlags(
					&cli.StringFlag{
						Name:     "address",
						Usage:    "address to check",
						Required: true,
					},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := offlineAdapter(c)
					if err != nil {
						return err
					}
					addr := c.String("address")
					if !a.IsValidAddress(addr) {
						return adapter.InvalidAddress(adapter.Address(addr))
					}
					_, err = fmt.Fprintln(c.Root().Writer, "valid")
					return err
				},
			},
		},
	}
}
