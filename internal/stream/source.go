// Package stream implements the per-chain event stream: a resilient
// upstream connection with bounded reconnects, a subscription set that is
// re-armed on every new connection, pending transaction dedup and a
// non-blocking listener fan-out.
package stream

import (
	"context"
	"strings"
	"time"
)

// Source dials upstream connections for one chain endpoint.
type Source interface {
	// Dial opens a connection. ctx bounds the dial only, not the lifetime
	// of the returned Conn.
	Dial(ctx context.Context) (Conn, error)

	// NormalizeAddress returns the canonical form used to compare
	// addresses on this chain.
	NormalizeAddress(addr string) string
}

// Conn is one live upstream connection.
//
// Notifications is closed when the connection ends, after which Err
// reports the cause (nil for a clean close). Close must not wait for the
// consumer of Notifications, and it must make arm calls in flight return.
// An arm error returned while Err is nil and ctx is live is taken as the
// node refusing that one subscription.
type Conn interface {
	SubscribeHeads(ctx context.Context) error
	ArmFilter(ctx context.Context, filter LogFilter) error
	ArmAddress(ctx context.Context, addr string) error

	Notifications() <-chan Notification
	Err() error

	FetchBlock(ctx context.Context, head Head) (*Block, error)
	Close() error
}

// Notification carries exactly one of Head, Log or Pending.
type Notification struct {
	Head    *Head
	Log     *Log
	Pending *Tx
}

type Head struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

type Block struct {
	Number       uint64    `json:"number"`
	Hash         string    `json:"hash"`
	ParentHash   string    `json:"parent_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Transactions []Tx      `json:"transactions"`
}

// Tx is a transaction as seen by the stream. Value is a base-10 string in
// the chain's base unit.
type Tx struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Value string `json:"value"`
}

type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        []byte   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint     `json:"tx_index"`
	LogIndex    uint     `json:"log_index"`
	Removed     bool     `json:"removed,omitempty"`
}

// LogFilter selects logs by emitting contract and topics. Topics are
// positional; each position lists alternatives and an empty position
// matches anything. An empty Address matches every contract.
type LogFilter struct {
	Address string     `json:"address,omitempty" yaml:"address"`
	Topics  [][]string `json:"topics,omitempty" yaml:"topics"`
}

// Key identifies the filter within a subscription set.
func (f LogFilter) Key() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(f.Address))
	for _, pos := range f.Topics {
		b.WriteByte('|')
		for i, t := range pos {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strings.ToLower(t))
		}
	}
	return b.String()
}

// Matches reports whether l satisfies the filter. Addresses are expected
// to be normalized by the caller.
func (f LogFilter) Matches(l *Log) bool {
	if f.Address != "" && !strings.EqualFold(f.Address, l.Address) {
		return false
	}
	for i, pos := range f.Topics {
		if len(pos) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range pos {
			if strings.EqualFold(t, l.Topics[i]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
