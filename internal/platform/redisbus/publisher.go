// Package redisbus publishes stream events on Redis pub/sub channels, one
// channel per chain.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const DefaultPrefix = "chainhub:events"

type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix of the channel name; events go to <prefix>:<chain>.
	Prefix string
}

type Publisher struct {
	conn   *redis.Client
	prefix string
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewPublisher(conn, cfg.Prefix), nil
}

func NewPublisher(conn *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

func (p *Publisher) Name() string { return "redis" }

// Channel returns the pub/sub channel for a chain.
func (p *Publisher) Channel(chain string) string {
	return p.prefix + ":" + chain
}

func (p *Publisher) Publish(ctx context.Context, ev protov1.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(ctx, p.Channel(ev.Chain), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.conn.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
