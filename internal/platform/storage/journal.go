package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const insertEventSQL = `
	INSERT INTO chain_events (event_key, chain, kind, block_number, block_hash, tx_hash, payload, emitted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (event_key) DO NOTHING
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Journal appends stream events to the chain_events table. Events that
// carry a dedup key are written at most once.
type Journal struct {
	db   execer
	ping func(context.Context) error
}

func NewJournal(db *DB) *Journal {
	return &Journal{db: db.pool, ping: db.Ping}
}

func (j *Journal) Name() string { return "postgres" }

func (j *Journal) Ping(ctx context.Context) error {
	if j.ping == nil {
		return nil
	}
	return j.ping(ctx)
}

func (j *Journal) Publish(ctx context.Context, ev protov1.Event) error {
	r, err := newEventRow(ev)
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(ctx, insertEventSQL,
		r.key, r.chain, r.kind, r.blockNumber, r.blockHash, r.txHash, r.payload, r.emittedAt,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type eventRow struct {
	key         *string
	chain       string
	kind        string
	blockNumber *int64
	blockHash   *string
	txHash      *string
	payload     []byte
	emittedAt   time.Time
}

func newEventRow(ev protov1.Event) (eventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal event: %w", err)
	}

	r := eventRow{
		key:       optional(ev.Key()),
		chain:     ev.Chain,
		kind:      string(ev.Kind),
		payload:   payload,
		emittedAt: ev.EmittedAt,
	}
	if r.emittedAt.IsZero() {
		r.emittedAt = time.Now().UTC()
	}

	switch {
	case ev.Block != nil:
		n := int64(ev.Block.Number)
		r.blockNumber = &n
		r.blockHash = optional(ev.Block.Hash)
	case ev.Log != nil:
		n := int64(ev.Log.BlockNumber)
		r.blockNumber = &n
		r.blockHash = optional(ev.Log.BlockHash)
		r.txHash = optional(ev.Log.TxHash)
	case ev.Transaction != nil:
		if ev.Transaction.BlockNumber != 0 {
			n := int64(ev.Transaction.BlockNumber)
			r.blockNumber = &n
		}
		r.blockHash = optional(ev.Transaction.BlockHash)
		r.txHash = optional(ev.Transaction.Hash)
	}
	return r, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
