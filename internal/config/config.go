// Package config loads the chainhub service configuration from a YAML file,
// applies CHAINHUB_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/aptos"
	"github.com/marko911/chainhub/internal/adapter/bitcoin"
	"github.com/marko911/chainhub/internal/adapter/evm"
	"github.com/marko911/chainhub/internal/adapter/stellar"
	"github.com/marko911/chainhub/internal/adapter/sui"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// EnvPrefix prefixes every environment override, e.g. CHAINHUB_LOG_LEVEL.
const EnvPrefix = "CHAINHUB"

type Config struct {
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`

	Stream   StreamConfig   `yaml:"stream"`
	Replay   ReplayConfig   `yaml:"replay"`
	Adapters AdaptersConfig `yaml:"adapters"`

	Chains []ChainConfig `yaml:"chains" ignored:"true" validate:"dive"`

	Gateway GatewayConfig `yaml:"gateway"`
	Sinks   SinksConfig   `yaml:"sinks"`
}

type StreamConfig struct {
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" split_words:"true" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" split_words:"true" validate:"gte=0"`
	ListenerBuffer       int           `yaml:"listener_buffer" split_words:"true" validate:"gte=0"`
	ArmTimeout           time.Duration `yaml:"arm_timeout" split_words:"true" validate:"gte=0"`
}

func (c StreamConfig) Options() stream.Options {
	return stream.Options{
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ListenerBuffer:       c.ListenerBuffer,
		ArmTimeout:           c.ArmTimeout,
	}
}

type ReplayConfig struct {
	Loop  bool    `yaml:"loop"`
	Speed float64 `yaml:"speed" validate:"gte=0"`
}

// AdaptersConfig holds limits shared by every adapter and per-family
// templates. Chain, network and URL in a template are replaced per chain.
type AdaptersConfig struct {
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" split_words:"true" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`

	EVM     evm.Config     `yaml:"evm"`
	Bitcoin bitcoin.Config `yaml:"bitcoin"`
	Aptos   aptos.Config   `yaml:"aptos"`
	Sui     sui.Config     `yaml:"sui"`
	Stellar stellar.Config `yaml:"stellar"`
}

// ChainConfig describes one chain the service talks to.
type ChainConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Family  string `yaml:"family" validate:"required,oneof=evm aptos bitcoin stellar sui"`
	Network string `yaml:"network" validate:"omitempty,oneof=mainnet testnet"`
	ChainID uint64 `yaml:"chain_id"`

	// RPCURL serves adapter queries and submissions.
	RPCURL string `yaml:"rpc_url" validate:"omitempty,url"`

	// StreamURL is the event stream endpoint: a websocket URL for live
	// chains or file://<dir> to replay recorded fixtures. Empty disables
	// the stream for this chain.
	StreamURL string `yaml:"stream_url" validate:"omitempty,url"`

	Watch   []string           `yaml:"watch"`
	Filters []stream.LogFilter `yaml:"filters"`
}

func (c ChainConfig) Identity() adapter.ChainIdentity {
	return adapter.ChainIdentity{
		Family:  adapter.Family(c.Family),
		Name:    c.Name,
		ChainID: c.ChainID,
		Network: adapter.Network(c.Network),
	}.WithDefaults()
}

type GatewayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr" validate:"required_if=Enabled true"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
	SendBuffer      int           `yaml:"send_buffer" split_words:"true" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" split_words:"true" validate:"gte=0"`

	// RedisAddr stores client subscriptions in Redis instead of memory.
	RedisAddr string `yaml:"redis_addr" split_words:"true"`
}

type SinksConfig struct {
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay" validate:"gte=0"`
	Kinds    []string      `yaml:"kinds" validate:"dive,oneof=block log transaction status error"`

	Redis    RedisSinkConfig    `yaml:"redis"`
	NATS     NATSSinkConfig     `yaml:"nats"`
	Kafka    KafkaSinkConfig    `yaml:"kafka"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
}

func (c SinksConfig) EventKinds() []protov1.EventKind {
	kinds := make([]protov1.EventKind, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		kinds = append(kinds, protov1.EventKind(k))
	}
	return kinds
}

type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type NATSSinkConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url" validate:"required_if=Enabled true"`
	EnsureStream bool   `yaml:"ensure_stream" split_words:"true"`
}

type KafkaSinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Brokers     string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic       string `yaml:"topic"`
	EnsureTopic bool   `yaml:"ensure_topic" split_words:"true"`
}

type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Migrate bool   `yaml:"migrate"`
}

// Default returns a configuration that runs without any chain or sink.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Stream: StreamConfig{
			ReconnectInterval:    stream.DefaultReconnectInterval,
			MaxReconnectAttempts: stream.DefaultMaxReconnectAttempts,
			ListenerBuffer:       256,
			ArmTimeout:           stream.DefaultArmTimeout,
		},
		Replay: ReplayConfig{Speed: 1},
		Adapters: AdaptersConfig{
			Timeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			CleanupInterval: time.Minute,
		},
		Sinks: SinksConfig{
			Timeout:  5 * time.Second,
			Attempts: 3,
			Delay:    200 * time.Millisecond,
			NATS:     NATSSinkConfig{EnsureStream: true},
			Kafka:    KafkaSinkConfig{EnsureTopic: true},
			Postgres: PostgresSinkConfig{Migrate: true},
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules. Failures are joined
// under ErrValidationFailed.
func (c *Config) Validate() error {
	if err := validate(c); err != nil {
		return err
	}

	var errs []error
	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		name := strings.ToLower(ch.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("chain %q is configured twice", ch.Name))
		}
		seen[name] = true

		if ch.RPCURL == "" && ch.StreamURL == "" {
			errs = append(errs, fmt.Errorf("chain %q needs rpc_url or stream_url", ch.Name))
		}
		if len(ch.Watch)+len(ch.Filters) > 0 && ch.StreamURL == "" {
			errs = append(errs, fmt.Errorf("chain %q has watch entries but no stream_url", ch.Name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrValidationFailed}, errs...)...)
	}
	return nil
}

// Chain returns the configuration of the named chain.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if strings.EqualFold(ch.Name, name) {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
