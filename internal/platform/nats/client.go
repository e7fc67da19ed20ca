// Package nats publishes stream events to a NATS JetStream stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var ErrNotConnected = errors.New("nats not connected")

type Config struct {
	URL  string
	Name string

	ReconnectWait  time.Duration
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "chainhub",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
}

// Client is a NATS connection with its JetStream context. The connection
// reconnects on its own; the client only reports and logs it.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream

	closeOnce sync.Once
	closeErr  error
}

func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-client", "url", cfg.URL)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "server", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Publisher returns an event publisher on this connection whose Ping
// reports the connection's health.
func (c *Client) Publisher() *EventPublisher {
	p := NewEventPublisher(c.js)
	p.ping = c.Ping
	return p
}

// Ping round-trips to the server.
func (c *Client) Ping(ctx context.Context) error {
	if !c.nc.IsConnected() {
		return ErrNotConnected
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains the connection so in-flight publishes complete.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			c.closeErr = fmt.Errorf("nats drain: %w", err)
		}
	})
	return c.closeErr
}
