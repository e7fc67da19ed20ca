// Package protov1 defines the normalized event envelope emitted by chain
// event streams and shipped as JSON to sinks and gateway clients.
package protov1

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	EventKindBlock       EventKind = "block"
	EventKindLog         EventKind = "log"
	EventKindTransaction EventKind = "transaction"
	EventKindStatus      EventKind = "status"
	EventKindError       EventKind = "error"
)

// ConnectionState is the lifecycle state of one upstream stream connection.
type ConnectionState int32

const (
	ConnectionState_CONNECTING ConnectionState = iota
	ConnectionState_CONNECTED
	ConnectionState_DISCONNECTED
	ConnectionState_ERROR
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_CONNECTING:
		return "CONNECTING"
	case ConnectionState_CONNECTED:
		return "CONNECTED"
	case ConnectionState_DISCONNECTED:
		return "DISCONNECTED"
	case ConnectionState_ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "CONNECTING":
		*s = ConnectionState_CONNECTING
	case "CONNECTED":
		*s = ConnectionState_CONNECTED
	case "DISCONNECTED":
		*s = ConnectionState_DISCONNECTED
	case "ERROR":
		*s = ConnectionState_ERROR
	default:
		return fmt.Errorf("unknown connection state %q", name)
	}
	return nil
}

type TxStage string

const (
	TxStagePending   TxStage = "pending"
	TxStageConfirmed TxStage = "confirmed"
)

// Event is a tagged union: Kind selects which payload pointer is set.
// EmittedAt is the local observation time, not chain time.
type Event struct {
	Kind      EventKind `json:"kind"`
	Chain     string    `json:"chain"`
	EmittedAt time.Time `json:"emitted_at"`

	Block       *BlockEvent       `json:"block,omitempty"`
	Log         *LogEvent         `json:"log,omitempty"`
	Transaction *TransactionEvent `json:"transaction,omitempty"`
	Status      *StatusEvent      `json:"status,omitempty"`
	Error       *ErrorEvent       `json:"error,omitempty"`
}

type BlockEvent struct {
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`
	TxCount    int       `json:"tx_count"`
}

// LogEvent carries the raw, undecoded log payload. Data is 0x-prefixed hex.
type LogEvent struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint     `json:"tx_index"`
	LogIndex    uint     `json:"log_index"`
	Removed     bool     `json:"removed,omitempty"`
}

type TransactionEvent struct {
	Hash        string  `json:"hash"`
	Stage       TxStage `json:"stage"`
	From        string  `json:"from"`
	To          string  `json:"to,omitempty"`
	Value       string  `json:"value"`
	BlockNumber uint64  `json:"block_number,omitempty"`
	BlockHash   string  `json:"block_hash,omitempty"`
	// Watched lists the watched addresses this transaction touched.
	Watched []string `json:"watched"`
}

type StatusEvent struct {
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Attempt int             `json:"attempt,omitempty"`
}

type ErrorEvent struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// Addresses returns every address the event references, used by
// address-scoped delivery filters.
func (e *Event) Addresses() []string {
	switch e.Kind {
	case EventKindLog:
		if e.Log != nil {
			return []string{e.Log.Address}
		}
	case EventKindTransaction:
		if e.Transaction != nil {
			out := make([]string, 0, 2+len(e.Transaction.Watched))
			out = append(out, e.Transaction.From)
			if e.Transaction.To != "" {
				out = append(out, e.Transaction.To)
			}
			return append(out, e.Transaction.Watched...)
		}
	}
	return nil
}

// Key identifies the chain fact behind the event, so redelivery of the same
// block, log or transaction stage yields the same key. Status and error
// events have no key.
func (e *Event) Key() string {
	switch {
	case e.Kind == EventKindBlock && e.Block != nil:
		return e.Chain + ":block:" + e.Block.Hash
	case e.Kind == EventKindLog && e.Log != nil:
		k := fmt.Sprintf("%s:log:%s:%d", e.Chain, e.Log.BlockHash, e.Log.LogIndex)
		if e.Log.Removed {
			k += ":removed"
		}
		return k
	case e.Kind == EventKindTransaction && e.Transaction != nil:
		k := e.Chain + ":tx:" + string(e.Transaction.Stage) + ":" + e.Transaction.Hash
		if e.Transaction.BlockHash != "" {
			k += ":" + e.Transaction.BlockHash
		}
		return k
	}
	return ""
}
