package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/chainhub/internal/metrics"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

type fakeSource struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	conns   []*fakeConn

	// Applied to every conn dialed afterwards.
	hangHeads bool
	headsErr  error
	filterErr error
}

func (f *fakeSource) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := newFakeConn()
	c.hangHeads = f.hangHeads
	c.headsErr = f.headsErr
	c.filterErr = f.filterErr
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeSource) NormalizeAddress(addr string) string { return strings.ToLower(addr) }

func (f *fakeSource) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *fakeSource) setHeadsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headsErr = err
}

func (f *fakeSource) setFilterErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterErr = err
}

func (f *fakeSource) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeSource) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

type fakeConn struct {
	notes     chan Notification
	closeOnce sync.Once

	mu        sync.Mutex
	calls     []string
	err       error
	closed    bool
	armErr    error
	hangHeads bool
	headsErr  error
	filterErr error
	blocks    map[string]*Block
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		notes:  make(chan Notification, 64),
		blocks: make(map[string]*Block),
	}
}

func (c *fakeConn) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armErr != nil && call != "heads" {
		return c.armErr
	}
	if c.headsErr != nil && call == "heads" {
		return c.headsErr
	}
	if c.filterErr != nil && strings.HasPrefix(call, "filter:") {
		return c.filterErr
	}
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeConn) SubscribeHeads(ctx context.Context) error {
	if c.hangHeads {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.record("heads")
}

func (c *fakeConn) ArmFilter(ctx context.Context, f LogFilter) error {
	return c.record("filter:" + f.Key())
}

func (c *fakeConn) ArmAddress(ctx context.Context, addr string) error {
	return c.record("address:" + addr)
}

func (c *fakeConn) Notifications() <-chan Notification { return c.notes }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) FetchBlock(ctx context.Context, head Head) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[head.Hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return b, nil
}

func (c *fakeConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *fakeConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = true
		c.mu.Unlock()
		close(c.notes)
	})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) setBlock(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[b.Hash] = b
}

func (c *fakeConn) setArmErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armErr = err
}

func (c *fakeConn) push(n Notification) { c.notes <- n }

type recorder struct {
	mu     sync.Mutex
	events []protov1.Event
}

func (r *recorder) handle(ev protov1.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofKind(kind protov1.EventKind) []protov1.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protov1.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses() []protov1.StatusEvent {
	var out []protov1.StatusEvent
	for _, ev := range r.ofKind(protov1.EventKindStatus) {
		out = append(out, *ev.Status)
	}
	return out
}

func (r *recorder) terminalErrors() []protov1.ErrorEvent {
	var out []protov1.ErrorEvent
	for _, ev := range r.ofKind(protov1.EventKindError) {
		if ev.Error.Terminal {
			out = append(out, *ev.Error)
		}
	}
	return out
}

const waitFor, tick = 2 * time.Second, 5 * time.Millisecond

func newTestStream(t *testing.T, opts Options) (*Stream, *fakeSource, *recorder) {
	t.Helper()
	src := &fakeSource{}
	s := New("ethereum", "ws://node.test", src, opts, nil)
	rec := &recorder{}
	s.OnEvent(rec.handle)
	t.Cleanup(s.Disconnect)
	return s, src, rec
}

func fastOptions(attempts int) Options {
	return Options{ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: attempts, ListenerBuffer: 64}
}

func TestStream_Connect(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, protov1.ConnectionState_CONNECTED, s.State())

	require.Eventually(t, func() bool { return len(rec.statuses()) == 2 }, waitFor, tick)
	st := rec.statuses()
	assert.Equal(t, protov1.ConnectionState_DISCONNECTED, st[0].From)
	assert.Equal(t, protov1.ConnectionState_CONNECTING, st[0].To)
	assert.Equal(t, protov1.ConnectionState_CONNECTED, st[1].To)

	// Connecting a connected stream is a no-op.
	require.NoError(t, s.Connect(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.statuses(), 2)
	assert.Equal(t, 1, src.dialCount())
	assert.Equal(t, []string{"heads"}, src.conn(0).callLog())
}

func TestStream_RearmAfterReconnect(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	ctx := context.Background()

	filter := LogFilter{Address: "0xABC", Topics: [][]string{{"0xT1"}}}
	require.NoError(t, s.AddLogFilter(ctx, filter))
	require.NoError(t, s.WatchAddress(ctx, "0xW1"))
	for _, sub := range s.Subscriptions() {
		assert.False(t, sub.Armed)
	}

	require.NoError(t, s.Connect(ctx))
	want := []string{"heads", "filter:0xabc|0xt1", "address:0xw1"}
	assert.Equal(t, want, src.conn(0).callLog())

	src.conn(0).fail(errors.New("socket reset"))
	require.Eventually(t, func() bool {
		return src.dialCount() == 2 && s.State() == protov1.ConnectionState_CONNECTED
	}, waitFor, tick)

	conn := src.conn(1)
	require.NotNil(t, conn)
	assert.Equal(t, want, conn.callLog())
	for _, sub := range s.Subscriptions() {
		assert.True(t, sub.Armed, sub.Kind)
	}

	conn.push(Notification{Log: &Log{Address: "0xAbC", Topics: []string{"0xt1"}, BlockHash: "0xb1", Data: []byte{0xca, 0xfe}}})
	require.Eventually(t, func() bool { return len(rec.ofKind(protov1.EventKindLog)) == 1 }, waitFor, tick)
	got := rec.ofKind(protov1.EventKindLog)[0]
	assert.Equal(t, "ethereum", got.Chain)
	assert.Equal(t, "0xabc", got.Log.Address)
	assert.Equal(t, "0xcafe", got.Log.Data)

	var sawError, sawReconnect bool
	for _, st := range rec.statuses() {
		if st.To == protov1.ConnectionState_ERROR {
			sawError = true
		}
		if st.To == protov1.ConnectionState_CONNECTING && st.Attempt == 1 {
			sawReconnect = true
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawReconnect)
	assert.NotEmpty(t, rec.ofKind(protov1.EventKindError))
	assert.Empty(t, rec.terminalErrors())
}

func TestStream_CleanCloseReconnects(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	require.NoError(t, s.Connect(context.Background()))

	src.conn(0).fail(nil)
	require.Eventually(t, func() bool {
		return src.dialCount() == 2 && s.State() == protov1.ConnectionState_CONNECTED
	}, waitFor, tick)

	var sawDisconnected bool
	for _, st := range rec.statuses() {
		if st.From == protov1.ConnectionState_CONNECTED && st.To == protov1.ConnectionState_DISCONNECTED {
			sawDisconnected = true
		}
	}
	assert.True(t, sawDisconnected)
	assert.Empty(t, rec.ofKind(protov1.EventKindError))
}

func TestStream_PendingDedupAndConfirmed(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	ctx := context.Background()
	require.NoError(t, s.WatchAddress(ctx, "0xW1"))
	require.NoError(t, s.Connect(ctx))

	conn := src.conn(0)
	tx := Tx{Hash: "0xh1", From: "0xW1", To: "0xother", Value: "5"}
	conn.setBlock(&Block{Number: 10, Hash: "0xb10", ParentHash: "0xb9", Timestamp: time.Unix(1700000000, 0).UTC(), Transactions: []Tx{tx, {Hash: "0xh3", From: "0xa", To: "0xb", Value: "1"}}})

	conn.push(Notification{Pending: &tx})
	conn.push(Notification{Pending: &tx})
	conn.push(Notification{Pending: &Tx{Hash: "0xh2", From: "0xa", To: "0xb", Value: "1"}})
	conn.push(Notification{Head: &Head{Number: 10, Hash: "0xb10", ParentHash: "0xb9"}})

	require.Eventually(t, func() bool { return len(rec.ofKind(protov1.EventKindBlock)) == 1 }, waitFor, tick)

	block := rec.ofKind(protov1.EventKindBlock)[0].Block
	assert.Equal(t, uint64(10), block.Number)
	assert.Equal(t, 2, block.TxCount)

	txs := rec.ofKind(protov1.EventKindTransaction)
	require.Len(t, txs, 2)
	assert.Equal(t, protov1.TxStagePending, txs[0].Transaction.Stage)
	assert.Equal(t, "0xh1", txs[0].Transaction.Hash)
	assert.Equal(t, []string{"0xw1"}, txs[0].Transaction.Watched)
	assert.Equal(t, protov1.TxStageConfirmed, txs[1].Transaction.Stage)
	assert.Equal(t, "0xh1", txs[1].Transaction.Hash)
	assert.Equal(t, "0xb10", txs[1].Transaction.BlockHash)
}

func TestStream_LogDedup(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	ctx := context.Background()
	require.NoError(t, s.AddLogFilter(ctx, LogFilter{Address: "0xabc"}))
	require.NoError(t, s.Connect(ctx))

	conn := src.conn(0)
	l := Log{Address: "0xabc", BlockNumber: 5, BlockHash: "0xb5", LogIndex: 2}
	removed := l
	removed.Removed = true

	conn.push(Notification{Log: &l})
	conn.push(Notification{Log: &l})
	conn.push(Notification{Log: &Log{Address: "0xdef", BlockHash: "0xb5", LogIndex: 3}})
	conn.push(Notification{Log: &removed})
	conn.setBlock(&Block{Number: 5, Hash: "0xb5"})
	conn.push(Notification{Head: &Head{Number: 5, Hash: "0xb5"}})

	require.Eventually(t, func() bool { return len(rec.ofKind(protov1.EventKindBlock)) == 1 }, waitFor, tick)
	logs := rec.ofKind(protov1.EventKindLog)
	require.Len(t, logs, 2)
	assert.False(t, logs[0].Log.Removed)
	assert.True(t, logs[1].Log.Removed)
}

func TestStream_BlockFetchFailureDropsEvent(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	require.NoError(t, s.Connect(context.Background()))

	conn := src.conn(0)
	conn.setBlock(&Block{Number: 2, Hash: "0xb2"})
	conn.push(Notification{Head: &Head{Number: 1, Hash: "0xb1"}})
	conn.push(Notification{Head: &Head{Number: 2, Hash: "0xb2"}})

	require.Eventually(t, func() bool { return len(rec.ofKind(protov1.EventKindBlock)) == 1 }, waitFor, tick)
	assert.Equal(t, "0xb2", rec.ofKind(protov1.EventKindBlock)[0].Block.Hash)
	assert.Equal(t, protov1.ConnectionState_CONNECTED, s.State())
	assert.Empty(t, rec.ofKind(protov1.EventKindError))
}

func TestStream_ReconnectBound(t *testing.T) {
	s, src, rec := newTestStream(t, Options{ReconnectInterval: 5 * time.Millisecond, MaxReconnectAttempts: 3})
	dialErr := errors.New("connection refused")
	src.setDialErr(dialErr)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, dialErr)

	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 1 }, waitFor, tick)
	assert.Equal(t, 4, src.dialCount(), "initial dial plus three reconnects")

	terminal := rec.terminalErrors()[0]
	assert.Equal(t, CodeMaxReconnectAttemptsExceeded, terminal.Code)
	assert.Contains(t, terminal.Message, ErrMaxReconnectAttemptsExceeded.Error())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, src.dialCount())
	assert.Len(t, rec.terminalErrors(), 1)
	assert.Equal(t, protov1.ConnectionState_ERROR, s.State())

	// A later Connect starts over with a fresh budget.
	seen := len(rec.statuses())
	require.Error(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 2 }, waitFor, tick)
	assert.Equal(t, 8, src.dialCount())

	var attempts []int
	for _, st := range rec.statuses()[seen:] {
		if st.To == protov1.ConnectionState_CONNECTING {
			attempts = append(attempts, st.Attempt)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)

	src.setDialErr(nil)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, protov1.ConnectionState_CONNECTED, s.State())
}

func TestStream_FailedReconnectsCountAttempts(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	require.NoError(t, s.Connect(context.Background()))

	src.setHeadsErr(errors.New("method not found"))
	src.conn(0).fail(errors.New("socket reset"))
	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 1 }, waitFor, tick)
	assert.Equal(t, 4, src.dialCount())

	var connected int
	var attempts []int
	for _, st := range rec.statuses() {
		switch st.To {
		case protov1.ConnectionState_CONNECTED:
			connected++
		case protov1.ConnectionState_CONNECTING:
			attempts = append(attempts, st.Attempt)
		}
	}
	assert.Equal(t, 1, connected, "a connection without heads never reports CONNECTED")
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)

	var messages []string
	for _, ev := range rec.ofKind(protov1.EventKindError) {
		if ev.Error.Code == CodeReconnectFailed {
			messages = append(messages, ev.Error.Message)
		}
	}
	require.Len(t, messages, 3)
	for i, msg := range messages {
		assert.Contains(t, msg, fmt.Sprintf("attempt %d:", i+1))
		assert.Contains(t, msg, "method not found")
	}
	for i := 1; i < 4; i++ {
		assert.True(t, src.conn(i).isClosed())
	}
	assert.Equal(t, protov1.ConnectionState_ERROR, s.State())
}

func TestStream_RejectedFilterKeepsConnection(t *testing.T) {
	s, src, rec := newTestStream(t, fastOptions(3))
	ctx := context.Background()
	require.NoError(t, s.AddLogFilter(ctx, LogFilter{Address: "0xBAD"}))
	require.NoError(t, s.WatchAddress(ctx, "0xW1"))

	src.setFilterErr(errors.New("invalid params"))
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, protov1.ConnectionState_CONNECTED, s.State())
	assert.Equal(t, []string{"heads", "address:0xw1"}, src.conn(0).callLog())

	subs := s.Subscriptions()
	require.Len(t, subs, 3)
	assert.True(t, subs[0].Armed)
	assert.False(t, subs[1].Armed)
	assert.True(t, subs[2].Armed)

	require.Eventually(t, func() bool { return len(rec.ofKind(protov1.EventKindError)) == 1 }, waitFor, tick)
	rejected := rec.ofKind(protov1.EventKindError)[0].Error
	assert.Equal(t, CodeSubscriptionRejected, rejected.Code)
	assert.False(t, rejected.Terminal)
	assert.Contains(t, rejected.Message, "0xbad")

	// The rejection is retried on the next connection and does not fail it.
	src.conn(0).fail(errors.New("socket reset"))
	require.Eventually(t, func() bool {
		return src.dialCount() == 2 && s.State() == protov1.ConnectionState_CONNECTED
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, src.dialCount())
	assert.Equal(t, []string{"heads", "address:0xw1"}, src.conn(1).callLog())
	assert.Empty(t, rec.terminalErrors())

	var codes []string
	for _, ev := range rec.ofKind(protov1.EventKindError) {
		codes = append(codes, ev.Error.Code)
	}
	assert.Equal(t, []string{CodeSubscriptionRejected, CodeUpstreamError, CodeSubscriptionRejected}, codes)

	// Once the node accepts it, a reconnect arms it.
	src.setFilterErr(nil)
	src.conn(1).fail(errors.New("socket reset"))
	require.Eventually(t, func() bool {
		return src.dialCount() == 3 && s.State() == protov1.ConnectionState_CONNECTED
	}, waitFor, tick)
	assert.Equal(t, []string{"heads", "filter:0xbad", "address:0xw1"}, src.conn(2).callLog())
}

func TestStream_DisconnectWhileArming(t *testing.T) {
	src := &fakeSource{hangHeads: true}
	s := New("ethereum", "ws://node.test", src, Options{ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: 3, ArmTimeout: time.Minute}, nil)
	t.Cleanup(s.Disconnect)

	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return src.conn(0) != nil }, waitFor, tick)

	// The stream stays usable while heads are being subscribed.
	assert.Equal(t, protov1.ConnectionState_CONNECTING, s.State())
	require.NoError(t, s.AddLogFilter(context.Background(), LogFilter{Address: "0xabc"}))

	disconnected := make(chan struct{})
	go func() {
		s.Disconnect()
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("Disconnect waited on a hung subscribe call")
	}

	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.True(t, src.conn(0).isClosed())
	assert.Equal(t, protov1.ConnectionState_DISCONNECTED, s.State())
	assert.Equal(t, 1, src.dialCount())
}

func TestStream_ArmTimeoutFailsConnection(t *testing.T) {
	src := &fakeSource{hangHeads: true}
	s := New("ethereum", "ws://node.test", src, Options{ReconnectInterval: 5 * time.Millisecond, MaxReconnectAttempts: 1, ArmTimeout: 20 * time.Millisecond}, nil)
	rec := &recorder{}
	s.OnEvent(rec.handle)
	t.Cleanup(s.Disconnect)

	start := time.Now()
	err := s.Connect(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), waitFor)

	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 1 }, waitFor, tick)
	assert.Equal(t, 2, src.dialCount())
	assert.True(t, src.conn(0).isClosed())
	assert.True(t, src.conn(1).isClosed())
}

func TestStream_ZeroAttemptsIsTerminalImmediately(t *testing.T) {
	s, src, rec := newTestStream(t, Options{ReconnectInterval: 5 * time.Millisecond, MaxReconnectAttempts: 0})
	src.setDialErr(errors.New("connection refused"))

	require.Error(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(rec.terminalErrors()) == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, src.dialCount())
}

func TestStream_DisconnectCancelsReconnect(t *testing.T) {
	s, src, rec := newTestStream(t, Options{ReconnectInterval: 20 * time.Millisecond, MaxReconnectAttempts: 50})
	src.setDialErr(errors.New("connection refused"))

	require.Error(t, s.Connect(context.Background()))
	s.Disconnect()
	// An attempt already past its check may still complete one dial.
	time.Sleep(10 * time.Millisecond)
	dials := src.dialCount()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, src.dialCount())
	assert.Empty(t, rec.terminalErrors())
	assert.Equal(t, protov1.ConnectionState_DISCONNECTED, s.State())

	require.Eventually(t, func() bool {
		st := rec.statuses()
		return len(st) > 0 && st[len(st)-1].To == protov1.ConnectionState_DISCONNECTED
	}, waitFor, tick)

	assert.ErrorIs(t, s.Connect(context.Background()), ErrStreamClosed)
	assert.ErrorIs(t, s.AddLogFilter(context.Background(), LogFilter{}), ErrStreamClosed)
	assert.ErrorIs(t, s.WatchAddress(context.Background(), "0x1"), ErrStreamClosed)
}

func TestStream_DisconnectClosesUpstream(t *testing.T) {
	s, src, _ := newTestStream(t, fastOptions(3))
	ctx := context.Background()
	require.NoError(t, s.WatchAddress(ctx, "0xw1"))
	require.NoError(t, s.Connect(ctx))

	s.Disconnect()
	assert.True(t, src.conn(0).isClosed())
	assert.Empty(t, s.Subscriptions())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, src.dialCount())
}

func TestStream_SlowListenerDoesNotBlockOthers(t *testing.T) {
	src := &fakeSource{}
	s := New("ethereum", "ws://node.test", src, Options{ReconnectInterval: time.Second, MaxReconnectAttempts: 1, ListenerBuffer: 1}, nil)
	t.Cleanup(s.Disconnect)

	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	s.OnEvent(func(protov1.Event) { <-unblock })

	var (
		mu  sync.Mutex
		got int
	)
	s.OnEvent(func(ev protov1.Event) {
		if ev.Kind == protov1.EventKindTransaction {
			mu.Lock()
			got++
			mu.Unlock()
		}
	})

	ctx := context.Background()
	require.NoError(t, s.WatchAddress(ctx, "0xw1"))
	require.NoError(t, s.Connect(ctx))

	// Let the fast listener drain the connect status events.
	time.Sleep(20 * time.Millisecond)

	conn := src.conn(0)
	for i := 0; i < 20; i++ {
		conn.push(Notification{Pending: &Tx{Hash: "0x" + strings.Repeat("a", i+1), From: "0xw1"}})
		// Give the fast listener a chance to drain its single-slot buffer.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return got == i+1
		}, waitFor, time.Millisecond)
	}
}

func TestStream_FullListenerMissesEvents(t *testing.T) {
	src := &fakeSource{}
	s := New("overflow", "ws://node.test", src, Options{ReconnectInterval: time.Second, MaxReconnectAttempts: 1, ListenerBuffer: 1}, nil)
	t.Cleanup(s.Disconnect)

	ctx := context.Background()
	require.NoError(t, s.WatchAddress(ctx, "0xw1"))
	require.NoError(t, s.Connect(ctx))

	var entered atomic.Int32
	unblock := make(chan struct{})
	slow := &recorder{}
	s.OnEvent(func(ev protov1.Event) {
		entered.Add(1)
		<-unblock
		slow.handle(ev)
	})
	fast := &recorder{}
	s.OnEvent(fast.handle)

	conn := src.conn(0)
	send := func(hash string, want int) {
		t.Helper()
		conn.push(Notification{Pending: &Tx{Hash: hash, From: "0xw1"}})
		require.Eventually(t, func() bool { return len(fast.ofKind(protov1.EventKindTransaction)) == want }, waitFor, tick)
	}

	send("0xa", 1)
	require.Eventually(t, func() bool { return entered.Load() == 1 }, waitFor, tick)
	send("0xb", 2) // buffered for the slow listener
	dropped := testutil.ToFloat64(metrics.StreamListenerDropped.WithLabelValues("overflow"))
	send("0xc", 3) // buffer full
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.StreamListenerDropped.WithLabelValues("overflow")))

	close(unblock)
	require.Eventually(t, func() bool { return len(slow.ofKind(protov1.EventKindTransaction)) == 2 }, waitFor, tick)

	// A pending transaction is announced once, so the missed one never
	// reaches the slow listener.
	conn.push(Notification{Pending: &Tx{Hash: "0xc", From: "0xw1"}})
	time.Sleep(30 * time.Millisecond)
	var hashes []string
	for _, ev := range slow.ofKind(protov1.EventKindTransaction) {
		hashes = append(hashes, ev.Transaction.Hash)
	}
	assert.Equal(t, []string{"0xa", "0xb"}, hashes)
	assert.Len(t, fast.ofKind(protov1.EventKindTransaction), 3)
}

func TestStream_AddWhileConnected(t *testing.T) {
	s, src, _ := newTestStream(t, fastOptions(3))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	conn := src.conn(0)

	f := LogFilter{Address: "0xabc"}
	require.NoError(t, s.AddLogFilter(ctx, f))
	require.NoError(t, s.AddLogFilter(ctx, f))
	require.NoError(t, s.WatchAddress(ctx, "0xW1"))
	require.NoError(t, s.WatchAddress(ctx, "0xw1"))
	assert.Equal(t, []string{"heads", "filter:0xabc", "address:0xw1"}, conn.callLog())

	armErr := errors.New("subscription limit")
	conn.setArmErr(armErr)
	err := s.AddLogFilter(ctx, LogFilter{Address: "0xdef"})
	require.ErrorIs(t, err, armErr)

	subs := s.Subscriptions()
	require.Len(t, subs, 4)
	assert.Equal(t, "0xdef", subs[2].Filter.Address)
	assert.False(t, subs[2].Armed)
	assert.True(t, subs[1].Armed)
}

func TestStream_OnEventCancel(t *testing.T) {
	s, src, _ := newTestStream(t, fastOptions(3))
	ctx := context.Background()

	rec := &recorder{}
	cancel := s.OnEvent(rec.handle)
	cancel()
	cancel()

	require.NoError(t, s.WatchAddress(ctx, "0xw1"))
	require.NoError(t, s.Connect(ctx))
	src.conn(0).push(Notification{Pending: &Tx{Hash: "0x1", From: "0xw1"}})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ofKind(protov1.EventKindTransaction))
}

func TestLogFilter_Matches(t *testing.T) {
	l := &Log{Address: "0xabc", Topics: []string{"0xt0", "0xt1"}}

	tests := []struct {
		name   string
		filter LogFilter
		want   bool
	}{
		{"empty matches all", LogFilter{}, true},
		{"address", LogFilter{Address: "0xABC"}, true},
		{"other address", LogFilter{Address: "0xdef"}, false},
		{"first topic", LogFilter{Topics: [][]string{{"0xt0"}}}, true},
		{"wildcard then topic", LogFilter{Topics: [][]string{{}, {"0xt1"}}}, true},
		{"alternatives", LogFilter{Topics: [][]string{{"0xzz", "0xt0"}}}, true},
		{"wrong topic", LogFilter{Topics: [][]string{{"0xt1"}}}, false},
		{"too many topics", LogFilter{Topics: [][]string{{}, {}, {"0xt2"}}}, false},
		{"trailing wildcard", LogFilter{Topics: [][]string{{"0xt0"}, {}, {}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(l))
		})
	}
}

func TestLogDedup_Prune(t *testing.T) {
	d := newLogDedup()
	old := &Log{BlockNumber: 10, BlockHash: "0xa", LogIndex: 1}
	recent := &Log{BlockNumber: 150, BlockHash: "0xb", LogIndex: 1}

	assert.True(t, d.firstSighting(old))
	assert.True(t, d.firstSighting(recent))
	assert.False(t, d.firstSighting(old))

	d.prune(200)
	assert.True(t, d.firstSighting(old), "pruned key is forgotten")
	assert.False(t, d.firstSighting(recent))
}
