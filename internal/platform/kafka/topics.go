// Package kafka publishes stream events to Kafka/Redpanda and bootstraps
// the topics they go to.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const DefaultEventsTopic = "chainhub-events"

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopicConfig returns the events topic configuration. Events are
// keyed by chain, so partitions bound per-chain parallelism.
func DefaultTopicConfig(name string) TopicConfig {
	if name == "" {
		name = DefaultEventsTopic
	}
	return TopicConfig{
		Name:              name,
		Partitions:        12,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000, // 7 days
		CleanupPolicy:     "delete",
	}
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// topicAdmin is the part of kadm.Client the manager uses.
type topicAdmin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	admin  topicAdmin
	client *kgo.Client
}

func NewTopicManager(brokers []string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &TopicManager{admin: kadm.NewClient(client), client: client}, nil
}

// EnsureTopics creates topics that don't exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs ...TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   kadm.StringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": kadm.StringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// WaitForTopic polls until the topic is visible or the timeout elapses.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		topics, err := m.admin.ListTopics(ctx, topic)
		if d, ok := topics[topic]; err == nil && ok && d.Err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for topic %s", topic)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (m *TopicManager) Close() {
	if m.client != nil {
		m.client.Close()
	}
}
