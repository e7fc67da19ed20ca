// Package aptos implements the chain adapter for Aptos single-key and
// MultiEd25519 accounts over the node REST API.
package aptos

import (
	"time"

	"github.com/marko911/chainhub/internal/adapter"
)

const (
	aptosCoin = "0x1::aptos_coin::AptosCoin"

	maxMultisigOwners = 32

	defaultMaxGasAmount = 2000
	defaultExpiration   = 10 * time.Minute
)

type Config struct {
	Chain   string          `yaml:"chain"`
	Network adapter.Network `yaml:"network"`

	// ChainID overrides the network default (1 mainnet, 2 testnet).
	ChainID uint8 `yaml:"chain_id"`

	// Node REST base URL including /v1.
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`

	MaxGasAmount uint64        `yaml:"max_gas_amount"`
	Expiration   time.Duration `yaml:"expiration"`
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "aptos"
	}
	if c.Network == "" {
		c.Network = adapter.Mainnet
	}
	if c.ChainID == 0 {
		c.ChainID = 1
		if c.Network == adapter.Testnet {
			c.ChainID = 2
		}
	}
	if c.MaxGasAmount == 0 {
		c.MaxGasAmount = defaultMaxGasAmount
	}
	if c.Expiration <= 0 {
		c.Expiration = defaultExpiration
	}
}
