//go:build integration

package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

func TestNATSIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := Connect(Config{Name: "integration-test"}, nil)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer client.Close()

	cfg := DefaultEventsStreamConfig()
	cfg.Name = "CHAINHUB_EVENTS_TEST"
	cfg.Subjects = []string{"chainhub.events.itest.>"}
	stream, err := EnsureStream(ctx, client.JetStream(), cfg)
	require.NoError(t, err)
	defer func() { _ = client.JetStream().DeleteStream(context.Background(), cfg.Name) }()

	pub := client.Publisher()
	require.NoError(t, pub.Ping(ctx))
	ev := protov1.Event{
		Kind:  protov1.EventKindBlock,
		Chain: "itest",
		Block: &protov1.BlockEvent{Number: 7, Hash: "0xb7"},
	}
	require.NoError(t, pub.Publish(ctx, ev))
	require.NoError(t, pub.Publish(ctx, ev), "duplicate is acknowledged")

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.State.Msgs, "duplicate dropped by message id")

	msg, err := stream.GetLastMsgForSubject(ctx, SubjectForEvent("itest", protov1.EventKindBlock))
	require.NoError(t, err)
	var got protov1.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, uint64(7), got.Block.Number)
}
