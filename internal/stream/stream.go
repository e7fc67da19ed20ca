package stream

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/marko911/chainhub/internal/metrics"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultArmTimeout           = 10 * time.Second
)

// Options tunes a stream. MaxReconnectAttempts <= 0 disables reconnection.
// ArmTimeout bounds each subscribe call made on an upstream connection.
type Options struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	ListenerBuffer       int
	ArmTimeout           time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ListenerBuffer:       defaultListenerBuffer,
		ArmTimeout:           DefaultArmTimeout,
	}
}

var (
	errReconnectCancelled = errors.New("reconnect cancelled")
	errSuperseded         = errors.New("connection superseded")
)

type reconnectLoop struct {
	cancel context.CancelFunc
}

// Stream is a resilient event stream for one (chain, endpoint).
//
// A single mutex guards the connection state, the subscription set and the
// connection generation. It is never held across upstream I/O. Every
// connection gets a new generation; work from an older generation is
// discarded.
type Stream struct {
	chain     string
	endpoint  string
	source    Source
	opts      Options
	logger    *slog.Logger
	listeners *fanout

	mu         sync.Mutex
	state      protov1.ConnectionState
	conn       Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	gen        uint64
	attempt    int
	stopped    bool
	reconnect  *reconnectLoop
	subs       *subscriptionSet
	pending    *pendingCache
	logs       *logDedup
	onDispose  func()
}

// New creates a disconnected stream. No I/O happens until Connect.
func New(chain, endpoint string, source Source, opts Options, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.ArmTimeout <= 0 {
		opts.ArmTimeout = DefaultArmTimeout
	}
	s := &Stream{
		chain:     chain,
		endpoint:  endpoint,
		source:    source,
		opts:      opts,
		logger:    logger.With("component", "event-stream", "chain", chain),
		listeners: newFanout(chain, opts.ListenerBuffer),
		state:     protov1.ConnectionState_DISCONNECTED,
		subs:      newSubscriptionSet(),
		pending:   newPendingCache(),
		logs:      newLogDedup(),
	}
	metrics.StreamState.WithLabelValues(chain, endpoint).Set(float64(s.state))
	return s
}

func (s *Stream) Chain() string    { return s.chain }
func (s *Stream) Endpoint() string { return s.endpoint }

func (s *Stream) State() protov1.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnEvent registers a listener and returns a function that removes it.
//
// Each listener has a buffer of Options.ListenerBuffer events. While it is
// full, new events are dropped for that listener only and counted in
// chainhub_stream_listener_dropped_total. Dropped events are not sent
// again: a pending transaction is announced once per stream, so a
// listener that falls behind can miss it for good.
func (s *Stream) OnEvent(h Handler) (cancel func()) {
	return s.listeners.add(h)
}

// Connect dials the upstream unless the stream is already connected and
// arms every recorded subscription. A failed dial or heads subscription
// leaves the stream in ERROR with the reconnect loop running, and the
// error is returned. Connect restarts the reconnect budget.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.state == protov1.ConnectionState_CONNECTED {
		s.mu.Unlock()
		return nil
	}
	s.stopReconnectLocked()
	s.closeConnLocked()
	s.gen++
	gen := s.gen
	s.attempt = 0
	s.setStateLocked(protov1.ConnectionState_CONNECTING)
	s.mu.Unlock()

	conn, err := s.source.Dial(ctx)
	if err == nil {
		err = s.open(ctx, gen, conn)
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStreamClosed
	}
	if gen != s.gen || errors.Is(err, errSuperseded) {
		return nil
	}
	s.failLocked(CodeConnectFailed, err)
	s.startReconnectLocked()
	return fmt.Errorf("connect %s: %w", s.chain, err)
}

// Disconnect tears the stream down for good: the reconnect loop stops, the
// upstream connection closes, listeners are released and every recorded
// subscription is discarded.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	s.stopReconnectLocked()
	s.closeConnLocked()
	s.setStateLocked(protov1.ConnectionState_DISCONNECTED)
	s.subs.clear()
	s.pending.clear()
	s.logs.clear()
	onDispose := s.onDispose
	s.mu.Unlock()

	s.listeners.close()
	metrics.StreamState.DeleteLabelValues(s.chain, s.endpoint)
	metrics.StreamPendingCacheSize.DeleteLabelValues(s.chain, s.endpoint)
	s.logger.Info("stream disconnected")

	if onDispose != nil {
		onDispose()
	}
}

// AddLogFilter records filter and arms it right away when connected.
// Adding an equal filter again is a no-op. An arm failure is returned but
// the filter stays recorded and is armed on the next connection.
func (s *Stream) AddLogFilter(ctx context.Context, filter LogFilter) error {
	if filter.Address != "" {
		filter.Address = s.source.NormalizeAddress(filter.Address)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	e, _ := s.subs.addFilter(filter)
	task := armTask{kind: SubscriptionFilter, filter: e.filter, state: &e.armState}
	s.mu.Unlock()

	if err := s.armNow(ctx, task); err != nil {
		return fmt.Errorf("arm log filter: %w", err)
	}
	return nil
}

// WatchAddress records addr for pending and confirmed transaction events.
func (s *Stream) WatchAddress(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("watch address: empty address")
	}
	addr = s.source.NormalizeAddress(addr)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	e, _ := s.subs.addAddress(addr)
	task := armTask{kind: SubscriptionAddress, address: addr, state: &e.armState}
	s.mu.Unlock()

	if err := s.armNow(ctx, task); err != nil {
		return fmt.Errorf("arm address %s: %w", addr, err)
	}
	return nil
}

// Subscriptions returns a snapshot of the recorded subscriptions, heads
// first. A disconnected stream has none.
func (s *Stream) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	var gen uint64
	if s.connectedLocked() {
		gen = s.gen
	}
	return s.subs.snapshot(gen)
}

func (s *Stream) connectedLocked() bool {
	return s.state == protov1.ConnectionState_CONNECTED && s.conn != nil
}

// open adopts conn for generation gen and arms every recorded
// subscription on it: heads first, then filters and addresses in insertion
// order, including any recorded while arming. The stream turns CONNECTED
// and the read loop starts only after that.
//
// A failed heads subscription, a timeout or a dead connection fails the
// whole connection. Any other error on a filter or address is the node
// rejecting that entry: an error event is emitted, the entry stays
// unarmed until the next connection and the rest proceed.
//
// Closing the connection, which Connect, Disconnect and a cancelled
// reconnect loop all do, aborts an arm call in flight.
func (s *Stream) open(ctx context.Context, gen uint64, conn Conn) error {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return errSuperseded
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = cancel
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.stopped || gen != s.gen {
			s.mu.Unlock()
			return errSuperseded
		}
		tasks := s.subs.untried(gen)
		if len(tasks) == 0 {
			s.setStateLocked(protov1.ConnectionState_CONNECTED)
			s.logger.Info("stream connected", "generation", gen, "attempt", s.attempt)
			s.attempt = 0
			go s.readLoop(connCtx, gen, conn)
			s.mu.Unlock()
			return nil
		}
		for _, t := range tasks {
			t.state.triedGen = gen
		}
		s.mu.Unlock()

		for _, t := range tasks {
			armCtx, cancelArm := s.armContext(ctx, connCtx)
			err := t.arm(armCtx, conn)
			dead := err != nil && (armCtx.Err() != nil || ctx.Err() != nil || conn.Err() != nil)
			cancelArm()

			s.mu.Lock()
			if s.stopped || gen != s.gen {
				s.mu.Unlock()
				return errSuperseded
			}
			switch {
			case err == nil:
				t.state.armedGen = gen
			case dead || t.kind == SubscriptionHeads:
				s.closeConnLocked()
				s.mu.Unlock()
				return fmt.Errorf("arm %s: %w", t, err)
			default:
				s.rejectLocked(t, err)
			}
			s.mu.Unlock()
		}
	}
}

// armNow arms one recorded subscription on the live connection, if any.
// Subscriptions already tried on that connection are left alone; a later
// connection arms them during open.
func (s *Stream) armNow(ctx context.Context, t armTask) error {
	s.mu.Lock()
	if !s.connectedLocked() || t.state.triedGen == s.gen {
		s.mu.Unlock()
		return nil
	}
	gen, conn, connCtx := s.gen, s.conn, s.connCtx
	t.state.triedGen = gen
	s.mu.Unlock()

	armCtx, cancel := s.armContext(ctx, connCtx)
	err := t.arm(armCtx, conn)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	if err != nil {
		t.state.triedGen = 0
		return err
	}
	t.state.armedGen = gen
	return nil
}

// armContext bounds one arm call by ArmTimeout, the connection's lifetime
// and ctx.
func (s *Stream) armContext(ctx, connCtx context.Context) (context.Context, context.CancelFunc) {
	armCtx, cancel := context.WithTimeout(connCtx, s.opts.ArmTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return armCtx, func() {
		stop()
		cancel()
	}
}

func (s *Stream) rejectLocked(t armTask, err error) {
	s.logger.Warn("subscription rejected", "subscription", t.String(), "error", err)
	metrics.StreamSubscriptionsRejected.WithLabelValues(s.chain, string(t.kind)).Inc()
	s.emitLocked(protov1.Event{
		Kind:  protov1.EventKindError,
		Error: &protov1.ErrorEvent{Code: CodeSubscriptionRejected, Message: fmt.Sprintf("%s: %v", t, err)},
	})
}

func (s *Stream) closeConnLocked() {
	if s.conn == nil {
		return
	}
	s.connCancel()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("closing upstream connection", "error", err)
	}
	s.conn = nil
	s.connCtx = nil
	s.connCancel = nil
}

func (s *Stream) readLoop(ctx context.Context, gen uint64, conn Conn) {
	notes := conn.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				s.handleClose(gen, conn.Err())
				return
			}
			switch {
			case n.Head != nil:
				s.handleHead(ctx, gen, conn, *n.Head)
			case n.Log != nil:
				s.handleLog(gen, *n.Log)
			case n.Pending != nil:
				s.handlePending(gen, *n.Pending)
			}
		}
	}
}

func (s *Stream) handleClose(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen {
		return
	}
	s.closeConnLocked()
	if err == nil {
		s.logger.Info("upstream closed")
		s.setStateLocked(protov1.ConnectionState_DISCONNECTED)
	} else {
		s.failLocked(CodeUpstreamError, err)
	}
	s.startReconnectLocked()
}

func (s *Stream) handleHead(ctx context.Context, gen uint64, conn Conn, head Head) {
	block, err := conn.FetchBlock(ctx, head)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("dropping block event", "block", head.Number, "hash", head.Hash, "error", err)
			metrics.StreamBlocksDropped.WithLabelValues(s.chain).Inc()
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.logs.prune(block.Number)
	s.emitLocked(protov1.Event{
		Kind: protov1.EventKindBlock,
		Block: &protov1.BlockEvent{
			Number:     block.Number,
			Hash:       block.Hash,
			ParentHash: block.ParentHash,
			Timestamp:  block.Timestamp,
			TxCount:    len(block.Transactions),
		},
	})

	for i := range block.Transactions {
		tx := &block.Transactions[i]
		watched := s.touchedLocked(tx)
		if len(watched) == 0 {
			continue
		}
		s.emitLocked(protov1.Event{
			Kind: protov1.EventKindTransaction,
			Transaction: &protov1.TransactionEvent{
				Hash:        tx.Hash,
				Stage:       protov1.TxStageConfirmed,
				From:        tx.From,
				To:          tx.To,
				Value:       tx.Value,
				BlockNumber: block.Number,
				BlockHash:   block.Hash,
				Watched:     watched,
			},
		})
	}
}

func (s *Stream) handleLog(gen uint64, l Log) {
	l.Address = s.source.NormalizeAddress(l.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.subs.matchesAny(&l) || !s.logs.firstSighting(&l) {
		return
	}
	s.emitLocked(protov1.Event{
		Kind: protov1.EventKindLog,
		Log: &protov1.LogEvent{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        "0x" + hex.EncodeToString(l.Data),
			BlockNumber: l.BlockNumber,
			BlockHash:   l.BlockHash,
			TxHash:      l.TxHash,
			TxIndex:     l.TxIndex,
			LogIndex:    l.LogIndex,
			Removed:     l.Removed,
		},
	})
}

func (s *Stream) handlePending(gen uint64, tx Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	watched := s.touchedLocked(&tx)
	if len(watched) == 0 || !s.pending.firstSighting(tx.Hash) {
		return
	}
	metrics.StreamPendingCacheSize.WithLabelValues(s.chain, s.endpoint).Set(float64(s.pending.len()))
	s.emitLocked(protov1.Event{
		Kind: protov1.EventKindTransaction,
		Transaction: &protov1.TransactionEvent{
			Hash:    tx.Hash,
			Stage:   protov1.TxStagePending,
			From:    tx.From,
			To:      tx.To,
			Value:   tx.Value,
			Watched: watched,
		},
	})
}

// touchedLocked returns the watched addresses among tx's sender and
// recipient.
func (s *Stream) touchedLocked(tx *Tx) []string {
	var out []string
	from := s.source.NormalizeAddress(tx.From)
	if s.subs.isWatched(from) {
		out = append(out, from)
	}
	if tx.To != "" {
		to := s.source.NormalizeAddress(tx.To)
		if to != from && s.subs.isWatched(to) {
			out = append(out, to)
		}
	}
	return out
}

func (s *Stream) setStateLocked(to protov1.ConnectionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.StreamState.WithLabelValues(s.chain, s.endpoint).Set(float64(to))
	s.emitLocked(protov1.Event{
		Kind:   protov1.EventKindStatus,
		Status: &protov1.StatusEvent{From: from, To: to, Attempt: s.attempt},
	})
}

func (s *Stream) failLocked(code string, err error) {
	s.logger.Warn("upstream failure", "code", code, "attempt", s.attempt, "error", err)
	s.setStateLocked(protov1.ConnectionState_ERROR)
	s.emitLocked(protov1.Event{
		Kind:  protov1.EventKindError,
		Error: &protov1.ErrorEvent{Code: code, Message: err.Error()},
	})
}

func (s *Stream) emitLocked(ev protov1.Event) {
	ev.Chain = s.chain
	ev.EmittedAt = time.Now().UTC()
	metrics.StreamEventsEmitted.WithLabelValues(s.chain, string(ev.Kind)).Inc()
	s.listeners.publish(ev)
}

func (s *Stream) startReconnectLocked() {
	if s.stopped || s.reconnect != nil {
		return
	}
	if s.opts.MaxReconnectAttempts <= 0 {
		s.terminalLocked(nil)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &reconnectLoop{cancel: cancel}
	s.reconnect = loop
	go s.runReconnect(ctx, loop)
}

func (s *Stream) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.cancel()
		s.reconnect = nil
	}
}

// runReconnect dials immediately, then at a fixed interval, until a
// connection opens, the attempt budget is spent or the loop is cancelled.
func (s *Stream) runReconnect(ctx context.Context, loop *reconnectLoop) {
	defer loop.cancel()

	err := retry.Do(
		func() error { return s.reconnectAttempt(ctx, loop) },
		retry.Context(ctx),
		retry.Attempts(uint(s.opts.MaxReconnectAttempts)),
		retry.Delay(s.opts.ReconnectInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnect != loop {
		return
	}
	s.reconnect = nil
	if err != nil {
		s.terminalLocked(err)
	}
}

func (s *Stream) reconnectAttempt(ctx context.Context, loop *reconnectLoop) error {
	s.mu.Lock()
	if s.reconnect != loop {
		s.mu.Unlock()
		return retry.Unrecoverable(errReconnectCancelled)
	}
	s.attempt++
	s.gen++
	gen, attempt := s.gen, s.attempt
	s.setStateLocked(protov1.ConnectionState_CONNECTING)
	s.mu.Unlock()

	metrics.StreamReconnectAttempts.WithLabelValues(s.chain).Inc()
	s.logger.Info("reconnecting", "attempt", attempt, "max_attempts", s.opts.MaxReconnectAttempts)
	conn, err := s.source.Dial(ctx)
	if err == nil {
		err = s.open(ctx, gen, conn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if s.reconnect == loop {
			s.reconnect = nil
		}
		return nil
	}
	if s.reconnect != loop || gen != s.gen || errors.Is(err, errSuperseded) {
		return retry.Unrecoverable(errReconnectCancelled)
	}
	s.failLocked(CodeReconnectFailed, fmt.Errorf("attempt %d: %w", attempt, err))
	return err
}

func (s *Stream) terminalLocked(last error) {
	msg := ErrMaxReconnectAttemptsExceeded.Error()
	if last != nil {
		msg = fmt.Sprintf("%s: %v", msg, last)
	}
	s.logger.Error("giving up on upstream", "attempts", s.attempt, "error", last)
	s.emitLocked(protov1.Event{
		Kind: protov1.EventKindError,
		Error: &protov1.ErrorEvent{
			Code:     CodeMaxReconnectAttemptsExceeded,
			Message:  msg,
			Terminal: true,
		},
	})
}
