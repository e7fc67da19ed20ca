package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const subjectRoot = "chainhub.events"

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string   // Stream name (e.g., "CHAINHUB_EVENTS")
	Subjects    []string // Subjects to capture (e.g., ["chainhub.events.>"])
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration // Maximum message age (0 = unlimited)
	MaxBytes    int64         // Maximum stream size in bytes (0 = unlimited)
	Replicas    int           // Number of replicas (1 for dev, 3 for prod)
	Duplicates  time.Duration // Window for Nats-Msg-Id deduplication
	Description string
}

// DefaultEventsStreamConfig returns the stream configuration for chain
// events.
func DefaultEventsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "CHAINHUB_EVENTS",
		Subjects:    []string{subjectRoot + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Normalized chain events",
	}
}

// EnsureStream creates or updates a JetStream stream. Safe to call
// repeatedly.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// SubjectForEvent returns the subject for an event.
// Format: chainhub.events.<chain>.<kind>
func SubjectForEvent(chain string, kind protov1.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, subjectToken(chain), kind)
}

// SubjectForChain returns the wildcard subject for all events on a chain.
// Format: chainhub.events.<chain>.>
func SubjectForChain(chain string) string {
	return fmt.Sprintf("%s.%s.>", subjectRoot, subjectToken(chain))
}

// subjectToken makes a chain name safe as a single subject token.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// jsPublisher is the part of jetstream.JetStream the publisher needs.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher writes events to JetStream. Events with a key carry it as
// the message id so the stream drops redeliveries inside its duplicate
// window.
type EventPublisher struct {
	js   jsPublisher
	ping func(context.Context) error
}

func NewEventPublisher(js jetstream.JetStream) *EventPublisher {
	return &EventPublisher{js: js}
}

func (p *EventPublisher) Name() string { return "nats" }

// Ping reports the health of the underlying connection. Publishers built
// directly on a JetStream context have nothing to check.
func (p *EventPublisher) Ping(ctx context.Context) error {
	if p.ping == nil {
		return nil
	}
	return p.ping(ctx)
}

func (p *EventPublisher) Publish(ctx context.Context, ev protov1.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if key := ev.Key(); key != "" {
		opts = append(opts, jetstream.WithMsgID(key))
	}
	if _, err := p.js.Publish(ctx, SubjectForEvent(ev.Chain, ev.Kind), data, opts...); err != nil {
		return fmt.Errorf("jetstream publish: %w", err)
	}
	return nil
}
