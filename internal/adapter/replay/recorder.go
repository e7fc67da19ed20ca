package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

var ErrRecorderClosed = errors.New("recorder closed")

// Recorder writes the events of a stream as fixtures a FileSource can play
// back. Files are numbered in emission order.
//
// A block fixture only carries the confirmed transactions the stream
// emitted for it, so replaying a recording reproduces the same watched
// transactions but not the full block body.
type Recorder struct {
	dir    string
	chain  string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     int
	written int
	block   *pendingBlock
	closed  bool
}

type pendingBlock struct {
	seq     int
	at      time.Time
	fixture BlockFixture
}

func NewRecorder(dir, chain string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fixtures directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:    dir,
		chain:  chain,
		logger: logger.With("component", "fixture-recorder", "dir", dir),
		now:    time.Now,
	}, nil
}

// Attach records every event s emits until cancel is called.
func (r *Recorder) Attach(s *stream.Stream) (cancel func()) {
	return s.OnEvent(func(ev protov1.Event) {
		if err := r.Record(ev); err != nil && !errors.Is(err, ErrRecorderClosed) {
			r.logger.Warn("failed to record event", "kind", ev.Kind, "error", err)
		}
	})
}

// Record writes ev. Status and error events are skipped.
func (r *Recorder) Record(ev protov1.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	if r.chain != "" && ev.Chain != "" && ev.Chain != r.chain {
		return nil
	}

	switch {
	case ev.Kind == protov1.EventKindBlock && ev.Block != nil:
		if err := r.flushBlockLocked(); err != nil {
			return err
		}
		r.seq++
		r.block = &pendingBlock{
			seq: r.seq,
			at:  r.now().UTC(),
			fixture: BlockFixture{
				Number:       ev.Block.Number,
				Hash:         ev.Block.Hash,
				ParentHash:   ev.Block.ParentHash,
				Timestamp:    uint64(ev.Block.Timestamp.Unix()),
				Transactions: []stream.Tx{},
			},
		}
		return nil

	case ev.Kind == protov1.EventKindLog && ev.Log != nil:
		l := ev.Log
		data := l.Data
		if data == "" {
			data = "0x"
		}
		return r.writeLocked(FixtureLogs, l.BlockNumber, l.BlockHash, []LogFixture{{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			TxIndex:     l.TxIndex,
			BlockHash:   l.BlockHash,
			LogIndex:    l.LogIndex,
			Removed:     l.Removed,
		}})

	case ev.Kind == protov1.EventKindTransaction && ev.Transaction != nil:
		tx := ev.Transaction
		rec := stream.Tx{Hash: tx.Hash, From: tx.From, To: tx.To, Value: tx.Value}
		if tx.Stage == protov1.TxStagePending {
			return r.writeLocked(FixturePending, 0, "", []stream.Tx{rec})
		}
		if r.block != nil && r.block.fixture.Hash == tx.BlockHash {
			r.block.fixture.Transactions = append(r.block.fixture.Transactions, rec)
			return nil
		}
		r.logger.Debug("confirmed transaction outside the current block", "tx", tx.Hash, "block", tx.BlockHash)
	}
	return nil
}

// Written reports how many fixture files have been written.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes the buffered block. Later Record calls fail with
// ErrRecorderClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.flushBlockLocked()
}

func (r *Recorder) flushBlockLocked() error {
	b := r.block
	if b == nil {
		return nil
	}
	r.block = nil
	return r.saveLocked(b.seq, b.at, FixtureBlock, b.fixture.Number, b.fixture.Hash, b.fixture)
}

func (r *Recorder) writeLocked(typ string, number uint64, hash string, payload any) error {
	r.seq++
	return r.saveLocked(r.seq, r.now().UTC(), typ, number, hash, payload)
}

func (r *Recorder) saveLocked(seq int, at time.Time, typ string, number uint64, hash string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s fixture: %w", typ, err)
	}
	raw, err := json.MarshalIndent(Fixture{
		Chain:       r.chain,
		Type:        typ,
		RecordedAt:  at,
		BlockNumber: number,
		BlockHash:   hash,
		Data:        data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}

	name := fmt.Sprintf("%06d_%s", seq, typ)
	if number > 0 {
		name += fmt.Sprintf("_%d", number)
	}
	path := filepath.Join(r.dir, name+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	r.written++
	r.logger.Debug("recorded fixture", "type", typ, "file", path)
	return nil
}
