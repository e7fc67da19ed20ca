// Package families wires the concrete chain adapters and event sources
// into the registries.
package families

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/aptos"
	"github.com/marko911/chainhub/internal/adapter/bitcoin"
	"github.com/marko911/chainhub/internal/adapter/evm"
	"github.com/marko911/chainhub/internal/adapter/replay"
	"github.com/marko911/chainhub/internal/adapter/stellar"
	"github.com/marko911/chainhub/internal/adapter/sui"
	"github.com/marko911/chainhub/internal/stream"
)

// Options are shared by every factory. The per-family configs are
// templates: Chain, Network and URL are overwritten from the identity and
// endpoint passed to the registry.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int

	EVM     evm.Config
	Bitcoin bitcoin.Config
	Aptos   aptos.Config
	Sui     sui.Config
	Stellar stellar.Config

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Register installs the default factory for every family.
func Register(reg *adapter.Registry, opts Options) {
	log := opts.logger()

	reg.Register(adapter.FamilyEVM, func(id adapter.ChainIdentity, endpoint string) (adapter.ChainAdapter, error) {
		cfg := opts.EVM
		cfg.Chain = id.Name
		if id.ChainID != 0 {
			cfg.ChainID = id.ChainID
		}
		cfg.RPC.URL = endpoint
		if cfg.RPC.Timeout <= 0 {
			cfg.RPC.Timeout = opts.Timeout
		}
		if cfg.RPC.RequestsPerSecond == 0 {
			cfg.RPC.RequestsPerSecond, cfg.RPC.Burst = opts.RequestsPerSecond, opts.Burst
		}
		return evm.New(cfg, log)
	})

	reg.Register(adapter.FamilyBitcoin, func(id adapter.ChainIdentity, endpoint string) (adapter.ChainAdapter, error) {
		cfg := opts.Bitcoin
		cfg.Chain, cfg.Network, cfg.URL = id.Name, id.Network, endpoint
		cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst = opts.limits(cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst)
		return bitcoin.New(cfg, log), nil
	})

	reg.Register(adapter.FamilyAptos, func(id adapter.ChainIdentity, endpoint string) (adapter.ChainAdapter, error) {
		cfg := opts.Aptos
		cfg.Chain, cfg.Network, cfg.URL = id.Name, id.Network, endpoint
		if id.ChainID != 0 {
			if id.ChainID > 255 {
				return nil, fmt.Errorf("aptos chain id %d out of range", id.ChainID)
			}
			cfg.ChainID = uint8(id.ChainID)
		}
		cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst = opts.limits(cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst)
		return aptos.New(cfg, log), nil
	})

	reg.Register(adapter.FamilySui, func(id adapter.ChainIdentity, endpoint string) (adapter.ChainAdapter, error) {
		cfg := opts.Sui
		cfg.Chain, cfg.Network, cfg.URL = id.Name, id.Network, endpoint
		cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst = opts.limits(cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst)
		return sui.New(cfg, log), nil
	})

	reg.Register(adapter.FamilyStellar, func(id adapter.ChainIdentity, endpoint string) (adapter.ChainAdapter, error) {
		cfg := opts.Stellar
		cfg.Chain, cfg.Network, cfg.URL = id.Name, id.Network, endpoint
		cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst = opts.limits(cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst)
		return stellar.New(cfg, log), nil
	})
}

// limits fills unset per-family transport settings from the shared ones.
func (o Options) limits(timeout time.Duration, rps float64, burst int) (time.Duration, float64, int) {
	if timeout <= 0 {
		timeout = o.Timeout
	}
	if rps == 0 {
		rps, burst = o.RequestsPerSecond, o.Burst
	}
	return timeout, rps, burst
}

// ReplayScheme selects the fixture replay source: file:///path/to/fixtures.
const ReplayScheme = "file://"

// SourceOptions configure SourceFactory.
type SourceOptions struct {
	// Chains maps chain names to families. Names missing from the map are
	// parsed as family names.
	Chains map[string]adapter.Family

	ReplayLoop  bool
	ReplaySpeed float64

	Logger *slog.Logger
}

// SourceFactory returns a stream.SourceFactory. Endpoints with the file://
// scheme replay fixtures for any family; otherwise only EVM chains have a
// live event source.
func SourceFactory(opts SourceOptions) stream.SourceFactory {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return func(chain, endpoint string) (stream.Source, error) {
		if dir, ok := strings.CutPrefix(endpoint, ReplayScheme); ok {
			return replay.NewFileSource(replay.FileSourceConfig{
				Chain:         chain,
				FixturesDir:   dir,
				Loop:          opts.ReplayLoop,
				PlaybackSpeed: opts.ReplaySpeed,
			}, log), nil
		}

		family, ok := opts.Chains[chain]
		if !ok {
			f, err := adapter.ParseFamily(chain)
			if err != nil {
				return nil, err
			}
			family = f
		}
		if family != adapter.FamilyEVM {
			return nil, fmt.Errorf("%s event stream: %w", family, adapter.ErrUnsupportedOperation)
		}
		return evm.NewSource(chain, endpoint, log), nil
	}
}
