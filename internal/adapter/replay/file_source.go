// Package replay provides a stream.Source that plays recorded chain
// fixtures, for running streams, sinks and the gateway without a node.
package replay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marko911/chainhub/internal/stream"
)

// Fixture is the envelope of one recorded file.
type Fixture struct {
	Chain       string          `json:"chain"`
	Type        string          `json:"type"`
	RecordedAt  time.Time       `json:"recorded_at"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	BlockHash   string          `json:"block_hash,omitempty"`
	Data        json.RawMessage `json:"data"`
}

const (
	FixtureBlock   = "block"
	FixtureLogs    = "logs"
	FixturePending = "pending"
)

// BlockFixture is a recorded block with its transactions.
type BlockFixture struct {
	Number       uint64      `json:"number"`
	Hash         string      `json:"hash"`
	ParentHash   string      `json:"parent_hash"`
	Timestamp    uint64      `json:"timestamp"`
	Transactions []stream.Tx `json:"transactions"`
}

// LogFixture is a recorded log. Data is 0x-prefixed hex.
type LogFixture struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint     `json:"tx_index"`
	BlockHash   string   `json:"block_hash"`
	LogIndex    uint     `json:"log_index"`
	Removed     bool     `json:"removed"`
}

type FileSourceConfig struct {
	// Chain restricts playback to fixtures recorded for this chain.
	// Empty plays everything.
	Chain string

	FixturesDir string

	// Loop replays the fixtures forever.
	Loop bool

	// PlaybackSpeed scales recorded time gaps (0 = instant, 1.0 = realtime).
	PlaybackSpeed float64
}

// FileSource implements stream.Source by replaying fixture files in
// filename order on every connection.
type FileSource struct {
	cfg    FileSourceConfig
	logger *slog.Logger

	completeOnce sync.Once
	completed    chan struct{}
}

var _ stream.Source = (*FileSource)(nil)

func NewFileSource(cfg FileSourceConfig, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		cfg:       cfg,
		logger:    logger.With("component", "replay-source", "chain", cfg.Chain),
		completed: make(chan struct{}),
	}
}

func (s *FileSource) Name() string { return "file" }

// Completed is closed after the first full pass over the fixtures.
func (s *FileSource) Completed() <-chan struct{} { return s.completed }

func (s *FileSource) NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Dial loads every fixture up front. Playback starts when heads are
// subscribed.
func (s *FileSource) Dial(ctx context.Context) (stream.Conn, error) {
	files, err := s.findFixtureFiles()
	if err != nil {
		return nil, fmt.Errorf("find fixture files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no fixture files in %s", s.cfg.FixturesDir)
	}

	var fixtures []Fixture
	for _, file := range files {
		f, err := loadFixture(file)
		if err != nil {
			s.logger.Warn("failed to load fixture", "file", file, "error", err)
			continue
		}
		if s.cfg.Chain != "" && f.Chain != s.cfg.Chain {
			continue
		}
		fixtures = append(fixtures, f)
	}
	s.logger.Info("loaded fixtures", "dir", s.cfg.FixturesDir, "count", len(fixtures))

	return &conn{
		source:   s,
		fixtures: fixtures,
		notes:    make(chan stream.Notification, 64),
		done:     make(chan struct{}),
		blocks:   make(map[string]*stream.Block),
	}, nil
}

func (s *FileSource) findFixtureFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(s.cfg.FixturesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func loadFixture(path string) (Fixture, error) {
	var f Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse fixture: %w", err)
	}
	return f, nil
}

type conn struct {
	source   *FileSource
	fixtures []Fixture

	notes     chan stream.Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	err     error
	blocks  map[string]*stream.Block
}

func (c *conn) Notifications() <-chan stream.Notification { return c.notes }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			c.wg.Wait()
			close(c.notes)
		}()
	})
	return nil
}

func (c *conn) SubscribeHeads(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("replay connection closed")
	default:
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.play()
	return nil
}

// Filtering happens in the stream; fixtures are replayed in full.
func (c *conn) ArmFilter(ctx context.Context, f stream.LogFilter) error { return nil }
func (c *conn) ArmAddress(ctx context.Context, addr string) error       { return nil }

func (c *conn) FetchBlock(ctx context.Context, head stream.Head) (*stream.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[head.Hash]
	if !ok {
		return nil, fmt.Errorf("block %s not in fixtures", head.Hash)
	}
	return b, nil
}

func (c *conn) play() {
	defer c.wg.Done()
	logger := c.source.logger

	for {
		var last int64
		for _, f := range c.fixtures {
			notes, ts, err := c.expand(f)
			if err != nil {
				logger.Warn("skipping fixture", "type", f.Type, "error", err)
				continue
			}
			if !c.pace(last, ts) {
				return
			}
			if ts > 0 {
				last = ts
			}
			for _, n := range notes {
				select {
				case c.notes <- n:
				case <-c.done:
					return
				}
			}
		}

		c.source.completeOnce.Do(func() { close(c.source.completed) })
		if !c.source.cfg.Loop {
			logger.Info("replay completed")
			return
		}
		logger.Info("looping fixtures")
	}
}

// pace sleeps for the scaled gap between two fixture timestamps. It
// reports false when the connection closed while waiting.
func (c *conn) pace(last, next int64) bool {
	speed := c.source.cfg.PlaybackSpeed
	if speed <= 0 || last == 0 || next <= last {
		return true
	}
	delay := time.Duration(float64(next-last)/speed) * time.Second
	if delay <= 0 || delay >= time.Minute {
		return true
	}
	select {
	case <-c.done:
		return false
	case <-time.After(delay):
		return true
	}
}

// expand turns a fixture into notifications. Block fixtures are kept so
// FetchBlock can serve the head they announce.
func (c *conn) expand(f Fixture) ([]stream.Notification, int64, error) {
	switch f.Type {
	case FixtureBlock:
		var b BlockFixture
		if err := json.Unmarshal(f.Data, &b); err != nil {
			return nil, 0, err
		}
		block := &stream.Block{
			Number:       b.Number,
			Hash:         b.Hash,
			ParentHash:   b.ParentHash,
			Timestamp:    time.Unix(int64(b.Timestamp), 0).UTC(),
			Transactions: b.Transactions,
		}
		c.mu.Lock()
		c.blocks[b.Hash] = block
		c.mu.Unlock()
		head := stream.Head{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}
		return []stream.Notification{{Head: &head}}, int64(b.Timestamp), nil

	case FixtureLogs:
		var logs []LogFixture
		if err := json.Unmarshal(f.Data, &logs); err != nil {
			return nil, 0, err
		}
		out := make([]stream.Notification, 0, len(logs))
		for _, l := range logs {
			data, err := hex.DecodeString(strings.TrimPrefix(l.Data, "0x"))
			if err != nil {
				return nil, 0, fmt.Errorf("log data: %w", err)
			}
			out = append(out, stream.Notification{Log: &stream.Log{
				Address:     l.Address,
				Topics:      l.Topics,
				Data:        data,
				BlockNumber: l.BlockNumber,
				BlockHash:   l.BlockHash,
				TxHash:      l.TxHash,
				TxIndex:     l.TxIndex,
				LogIndex:    l.LogIndex,
				Removed:     l.Removed,
			}})
		}
		return out, f.RecordedAt.Unix(), nil

	case FixturePending:
		var txs []stream.Tx
		if err := json.Unmarshal(f.Data, &txs); err != nil {
			return nil, 0, err
		}
		out := make([]stream.Notification, len(txs))
		for i := range txs {
			out[i] = stream.Notification{Pending: &txs[i]}
		}
		return out, f.RecordedAt.Unix(), nil

	default:
		return nil, 0, fmt.Errorf("unknown fixture type %q", f.Type)
	}
}
