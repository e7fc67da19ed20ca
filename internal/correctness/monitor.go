// Package correctness watches the block events of a stream for height gaps
// and chain reorganizations.
package correctness

import (
	"log/slog"
	"sync"

	"github.com/marko911/chainhub/internal/metrics"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// Gap reports block heights skipped between two consecutive block events,
// typically because a block fetch failed or the stream reconnected.
type Gap struct {
	Chain    string
	Expected uint64
	Received uint64
}

// Missing is the number of heights skipped.
func (g Gap) Missing() uint64 { return g.Received - g.Expected }

// Reorg reports that a block built on an ancestor of the current head.
type Reorg struct {
	Chain     string
	ForkPoint uint64

	// Orphaned lists the hashes that left the canonical chain, newest
	// first.
	Orphaned []string
	NewHead  string
}

func (r Reorg) Depth() int { return len(r.Orphaned) }

type Config struct {
	// MaxTrackedBlocks bounds the per-chain ancestry kept for fork lookup.
	MaxTrackedBlocks uint64

	OnGap   func(Gap)
	OnReorg func(Reorg)
}

const defaultMaxTrackedBlocks = 256

type blockInfo struct {
	number     uint64
	hash       string
	parentHash string
}

type chainState struct {
	head   *blockInfo
	byHash map[string]*blockInfo
}

// Monitor tracks the head of every chain it observes.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	chains map[string]*chainState
}

func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if cfg.MaxTrackedBlocks == 0 {
		cfg.MaxTrackedBlocks = defaultMaxTrackedBlocks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "block-monitor"),
		chains: make(map[string]*chainState),
	}
}

// Attach observes every block event s emits until cancel is called.
func (m *Monitor) Attach(s *stream.Stream) (cancel func()) {
	return s.OnEvent(func(ev protov1.Event) { m.Observe(ev) })
}

// Observe processes one event. Non-block events are ignored. At most one
// of the results is non-nil.
func (m *Monitor) Observe(ev protov1.Event) (*Gap, *Reorg) {
	if ev.Kind != protov1.EventKindBlock || ev.Block == nil {
		return nil, nil
	}
	b := &blockInfo{number: ev.Block.Number, hash: ev.Block.Hash, parentHash: ev.Block.ParentHash}

	m.mu.Lock()
	gap, reorg := m.observeLocked(ev.Chain, b)
	m.mu.Unlock()

	if gap != nil {
		metrics.StreamBlockGaps.WithLabelValues(gap.Chain).Inc()
		m.logger.Warn("block gap", "chain", gap.Chain, "expected", gap.Expected, "received", gap.Received)
		if m.cfg.OnGap != nil {
			m.cfg.OnGap(*gap)
		}
	}
	if reorg != nil {
		metrics.StreamReorgs.WithLabelValues(reorg.Chain).Inc()
		metrics.StreamReorgDepth.WithLabelValues(reorg.Chain).Observe(float64(reorg.Depth()))
		m.logger.Warn("reorg", "chain", reorg.Chain, "fork_point", reorg.ForkPoint, "depth", reorg.Depth(), "new_head", reorg.NewHead)
		if m.cfg.OnReorg != nil {
			m.cfg.OnReorg(*reorg)
		}
	}
	return gap, reorg
}

func (m *Monitor) observeLocked(chain string, b *blockInfo) (*Gap, *Reorg) {
	st := m.chains[chain]
	if st == nil {
		st = &chainState{byHash: make(map[string]*blockInfo)}
		m.chains[chain] = st
	}

	head := st.head
	switch {
	case head == nil:
		st.advance(b, m.cfg.MaxTrackedBlocks)
		return nil, nil

	case st.byHash[b.hash] != nil:
		return nil, nil

	case b.parentHash == head.hash:
		st.advance(b, m.cfg.MaxTrackedBlocks)
		return nil, nil
	}

	if parent := st.byHash[b.parentHash]; parent != nil {
		r := &Reorg{Chain: chain, ForkPoint: parent.number, NewHead: b.hash}
		for cur := head; cur != nil && cur.number > parent.number; cur = st.byHash[cur.parentHash] {
			r.Orphaned = append(r.Orphaned, cur.hash)
		}
		st.advance(b, m.cfg.MaxTrackedBlocks)
		return nil, r
	}

	if b.number <= head.number {
		// Side-chain block whose ancestry is unknown.
		st.byHash[b.hash] = b
		return nil, nil
	}

	var gap *Gap
	if b.number > head.number+1 {
		gap = &Gap{Chain: chain, Expected: head.number + 1, Received: b.number}
	}
	st.advance(b, m.cfg.MaxTrackedBlocks)
	return gap, nil
}

func (s *chainState) advance(b *blockInfo, keep uint64) {
	s.head = b
	s.byHash[b.hash] = b
	if b.number <= keep {
		return
	}
	cutoff := b.number - keep
	for h, info := range s.byHash {
		if info.number < cutoff {
			delete(s.byHash, h)
		}
	}
}

// Head returns the last canonical block seen for chain.
func (m *Monitor) Head(chain string) (number uint64, hash string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.chains[chain]
	if st == nil || st.head == nil {
		return 0, "", false
	}
	return st.head.number, st.head.hash, true
}
