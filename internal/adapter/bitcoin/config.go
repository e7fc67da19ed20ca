// Package bitcoin implements the chain adapter for Bitcoin native segwit
// wallets (P2WPKH and P2WSH multisig) backed by an Esplora REST endpoint.
package bitcoin

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/marko911/chainhub/internal/adapter"
)

const (
	// Standard dust limit for P2PKH-sized outputs, in satoshi.
	dustLimit = 546

	// Relay floor, sat/vB.
	minFeeRate = 1.0

	// Owner limit for P2WSH CHECKMULTISIG under standard policy.
	maxMultisigOwners = 15

	defaultFeeTargetBlocks = 6
)

type Config struct {
	Chain   string          `yaml:"chain"`
	Network adapter.Network `yaml:"network"`

	// Esplora base URL, e.g. https://blockstream.info/api
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`

	// FeeTargetBlocks picks the confirmation target from /fee-estimates.
	FeeTargetBlocks int `yaml:"fee_target_blocks"`
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "bitcoin"
	}
	if c.Network == "" {
		c.Network = adapter.Mainnet
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FeeTargetBlocks <= 0 {
		c.FeeTargetBlocks = defaultFeeTargetBlocks
	}
}

func networkParams(n adapter.Network) *chaincfg.Params {
	if n == adapter.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}
