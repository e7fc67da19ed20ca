// Package evm implements the chain adapter and the real-time event source
// for Ethereum and EVM-compatible chains.
package evm

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the configuration for one EVM chain endpoint.
type Config struct {
	// Chain name (ethereum, polygon, arbitrum, etc.)
	Chain string `yaml:"chain"`

	// ChainID is the numeric chain ID. Zero means derive from Chain.
	ChainID uint64 `yaml:"chain_id"`

	RPC RPCConfig `yaml:"rpc"`

	Multisig MultisigConfig `yaml:"multisig"`

	// RelayerKey is a hex secp256k1 key used to submit multisig executions.
	// Empty disables multisig execution.
	RelayerKey string `yaml:"relayer_key"`
}

// RPCConfig holds RPC connection settings.
type RPCConfig struct {
	// HTTP or WebSocket endpoint for one-shot calls.
	URL string `yaml:"url"`

	// WebSocket endpoint for subscriptions.
	WSURL string `yaml:"ws_url"`

	// Per-call timeout.
	Timeout time.Duration `yaml:"timeout"`

	// Rate limit for outbound calls (0 = unlimited).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MultisigConfig describes the CREATE2 deployer used for counterfactual
// multisig wallet addresses.
type MultisigConfig struct {
	Factory string `yaml:"factory"`

	// InitCodeHash is keccak256 of the wallet proxy creation code.
	InitCodeHash string `yaml:"init_code_hash"`
}

// Safe v1.4.1 proxy factory.
const defaultMultisigFactory = "0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67"

// DefaultConfig returns defaults for the named chain.
func DefaultConfig(chain string) Config {
	return Config{
		Chain:   chain,
		ChainID: chainNameToID(chain),
		RPC: RPCConfig{
			Timeout: 30 * time.Second,
		},
		Multisig: MultisigConfig{
			Factory:      defaultMultisigFactory,
			InitCodeHash: common.Hash{}.Hex(),
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "ethereum"
	}
	if c.ChainID == 0 {
		c.ChainID = chainNameToID(c.Chain)
	}
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = 30 * time.Second
	}
	if c.Multisig.Factory == "" {
		c.Multisig.Factory = defaultMultisigFactory
	}
	if c.Multisig.InitCodeHash == "" {
		c.Multisig.InitCodeHash = common.Hash{}.Hex()
	}
}

func chainNameToID(chain string) uint64 {
	switch chain {
	case "ethereum":
		return 1
	case "sepolia":
		return 11155111
	case "polygon":
		return 137
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	case "base":
		return 8453
	case "avalanche":
		return 43114
	case "bsc":
		return 56
	default:
		return 0
	}
}
