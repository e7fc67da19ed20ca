package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

func txEvent(chain, from, to string) *protov1.Event {
	return &protov1.Event{
		Kind:  protov1.EventKindTransaction,
		Chain: chain,
		Transaction: &protov1.TransactionEvent{
			Hash: "0xt", Stage: protov1.TxStagePending, From: from, To: to,
		},
	}
}

func TestFilter_Matches(t *testing.T) {
	logEvent := &protov1.Event{
		Kind:  protov1.EventKindLog,
		Chain: "ethereum",
		Log:   &protov1.LogEvent{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
	}
	block := &protov1.Event{Kind: protov1.EventKindBlock, Chain: "polygon", Block: &protov1.BlockEvent{}}

	tests := []struct {
		name   string
		filter Filter
		event  *protov1.Event
		want   bool
	}{
		{"empty filter matches everything", Filter{}, block, true},
		{"chain matches", Filter{Chains: []string{"polygon"}}, block, true},
		{"chain is case-insensitive", Filter{Chains: []string{"Polygon"}}, block, true},
		{"chain mismatch", Filter{Chains: []string{"ethereum"}}, block, false},
		{"kind matches", Filter{Kinds: []protov1.EventKind{protov1.EventKindLog, protov1.EventKindBlock}}, block, true},
		{"kind mismatch", Filter{Kinds: []protov1.EventKind{protov1.EventKindLog}}, block, false},
		{"log address ignores case", Filter{Addresses: []string{"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"}}, logEvent, true},
		{"log address mismatch", Filter{Addresses: []string{"0xdead"}}, logEvent, false},
		{"address filter never matches blocks", Filter{Addresses: []string{"0xdead"}}, block, false},
		{"tx recipient", Filter{Addresses: []string{"0xbob"}}, txEvent("ethereum", "0xalice", "0xbob"), true},
		{
			"all fields must match",
			Filter{Chains: []string{"polygon"}, Addresses: []string{"0xbob"}},
			txEvent("ethereum", "0xalice", "0xbob"),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.event))
		})
	}
}

func TestSubscription_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Subscription{}).expired(now))
	assert.False(t, (&Subscription{ExpiresAt: now.Add(time.Minute)}).expired(now))
	assert.True(t, (&Subscription{ExpiresAt: now.Add(-time.Minute)}).expired(now))
}
