package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/marko911/chainhub/internal/adapter"
)

func multisigCommand() *cli.Command {
	return &cli.Command{
		Name:        "multisig",
		Usage:       "Compute a multisig wallet address",
		Description: "Prints the deterministic wallet address for the owners and threshold, and the key descriptor for families that need one to spend.",
		Flags: familyFlags(
			&cli.StringSliceFlag{
				Name:     "owner",
				Usage:    "owner address or public key, repeatable",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "threshold",
				Usage:    "signatures required to execute",
				Required: true,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := offlineAdapter(c)
			if err != nil {
				return err
			}

			spec := adapter.MultisigSpec{Threshold: int(c.Int("threshold"))}
			for _, o := range c.StringSlice("owner") {
				spec.Owners = append(spec.Owners, adapter.Address(o))
			}

			addr, err := a.CreateMultisigWallet(spec)
			if err != nil {
				return err
			}
			w := c.Root().Writer
			fmt.Fprintf(w, "address: %s\n", addr)

			if d, ok := a.(adapter.MultisigDescriber); ok {
				desc, err := d.MultisigDescriptor(spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "descriptor: %s\n", hex.EncodeToString(desc))
			}
			return nil
		},
	}
}
