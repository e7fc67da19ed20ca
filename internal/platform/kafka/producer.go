package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

type ProducerConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// syncProducer is the part of kgo.Client the producer uses.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// Producer writes events to one topic, keyed by chain so each chain's
// events stay ordered within a partition.
type Producer struct {
	client syncProducer
	topic  string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultEventsTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "chainhub"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

func (p *Producer) Name() string  { return "kafka" }
func (p *Producer) Topic() string { return p.topic }

func (p *Producer) Publish(ctx context.Context, ev protov1.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.Chain),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if key := ev.Key(); key != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "event-key", Value: []byte(key)})
	}

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Ping checks that a broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
