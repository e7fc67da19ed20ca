package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/stream"
)

const (
	fetchTimeout      = 10 * time.Second
	subscriptionQueue = 256
)

// Source opens websocket subscriptions to an EVM node.
type Source struct {
	chain  string
	url    string
	logger *slog.Logger
}

var _ stream.Source = (*Source)(nil)

func NewSource(chain, url string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		chain:  chain,
		url:    url,
		logger: logger.With("component", "evm-source", "chain", chain),
	}
}

func (s *Source) NormalizeAddress(addr string) string { return normalizeAddress(addr) }

func (s *Source) Dial(ctx context.Context) (stream.Conn, error) {
	if !strings.HasPrefix(s.url, "ws://") && !strings.HasPrefix(s.url, "wss://") {
		return nil, fmt.Errorf("evm subscriptions need a websocket endpoint, got %q", s.url)
	}

	rpcClient, err := rpc.DialContext(ctx, s.url)
	if err != nil {
		return nil, adapter.NetworkError("dial websocket", err)
	}
	ec := ethclient.NewClient(rpcClient)

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, adapter.WrapRPC("eth_chainId", err)
	}

	s.logger.Info("websocket connected", "chain_id", chainID)
	return &conn{
		logger:  s.logger,
		rpc:     rpcClient,
		ec:      ec,
		signer:  types.LatestSignerForChainID(chainID),
		notes:   make(chan stream.Notification, subscriptionQueue),
		done:    make(chan struct{}),
		watched: mapset.NewSet[string](),
	}, nil
}

// conn multiplexes every node subscription of one websocket into a single
// notification channel.
type conn struct {
	logger *slog.Logger
	rpc    *rpc.Client
	ec     *ethclient.Client
	signer types.Signer

	notes chan stream.Notification
	done  chan struct{}
	wg    sync.WaitGroup

	watched mapset.Set[string]

	mu           sync.Mutex
	closed       bool
	err          error
	subs         []ethereum.Subscription
	pendingArmed bool
	headsArmed   bool
}

func (c *conn) Notifications() <-chan stream.Notification { return c.notes }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown stops every subscription and closes the notification channel
// once all forwarders have exited.
func (c *conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	close(c.done)
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.ec.Close()

	go func() {
		c.wg.Wait()
		close(c.notes)
	}()
}

// track registers a subscription and its forwarder. It fails once the
// connection is shut down.
func (c *conn) track(sub ethereum.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.Unsubscribe()
		return fmt.Errorf("connection closed")
	}
	c.subs = append(c.subs, sub)
	c.wg.Add(1)
	return nil
}

func forward[T any](c *conn, sub ethereum.Subscription, ch <-chan T, convert func(T) (stream.Notification, bool)) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case err := <-sub.Err():
			if err != nil {
				c.logger.Warn("subscription error", "error", err)
				go c.shutdown(adapter.NetworkError("subscription", err))
			}
			return
		case v := <-ch:
			n, ok := convert(v)
			if !ok {
				continue
			}
			select {
			case c.notes <- n:
			case <-c.done:
				return
			}
		}
	}
}

func (c *conn) SubscribeHeads(ctx context.Context) error {
	c.mu.Lock()
	armed := c.headsArmed
	c.mu.Unlock()
	if armed {
		return nil
	}

	ch := make(chan *types.Header, subscriptionQueue)
	sub, err := c.ec.SubscribeNewHead(ctx, ch)
	if err != nil {
		return adapter.WrapRPC("subscribe new heads", err)
	}
	if err := c.track(sub); err != nil {
		return err
	}
	c.mu.Lock()
	c.headsArmed = true
	c.mu.Unlock()

	go forward(c, sub, ch, func(h *types.Header) (stream.Notification, bool) {
		head := headFromHeader(h)
		return stream.Notification{Head: &head}, true
	})
	return nil
}

func (c *conn) ArmFilter(ctx context.Context, f stream.LogFilter) error {
	addrs, topics := filterQuery(f)
	ch := make(chan types.Log, subscriptionQueue)
	sub, err := c.ec.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: addrs, Topics: topics}, ch)
	if err != nil {
		return adapter.WrapRPC("subscribe logs", err)
	}
	if err := c.track(sub); err != nil {
		return err
	}
	go forward(c, sub, ch, func(l types.Log) (stream.Notification, bool) {
		out := logFromTypes(&l)
		return stream.Notification{Log: &out}, true
	})
	return nil
}

// ArmAddress adds addr to the watch set. The first call opens the pending
// transaction subscription shared by every watched address.
func (c *conn) ArmAddress(ctx context.Context, addr string) error {
	c.watched.Add(normalizeAddress(addr))

	c.mu.Lock()
	armed := c.pendingArmed
	c.mu.Unlock()
	if armed {
		return nil
	}
	if err := c.subscribePending(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingArmed = true
	c.mu.Unlock()
	return nil
}

// subscribePending asks for full pending transactions and falls back to
// hash notifications on nodes that only support those.
func (c *conn) subscribePending(ctx context.Context) error {
	full := make(chan *types.Transaction, subscriptionQueue)
	sub, err := c.rpc.EthSubscribe(ctx, full, "newPendingTransactions", true)
	if err == nil {
		if err := c.track(sub); err != nil {
			return err
		}
		go forward(c, sub, full, func(tx *types.Transaction) (stream.Notification, bool) {
			return c.pendingNotification(tx)
		})
		return nil
	}
	c.logger.Debug("full pending transactions unsupported, using hashes", "error", err)

	hashes := make(chan common.Hash, subscriptionQueue)
	sub, err = c.rpc.EthSubscribe(ctx, hashes, "newPendingTransactions")
	if err != nil {
		return adapter.WrapRPC("subscribe pending transactions", err)
	}
	if err := c.track(sub); err != nil {
		return err
	}
	go forward(c, sub, hashes, func(h common.Hash) (stream.Notification, bool) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		tx, _, err := c.ec.TransactionByHash(fetchCtx, h)
		if err != nil {
			return stream.Notification{}, false
		}
		return c.pendingNotification(tx)
	})
	return nil
}

func (c *conn) pendingNotification(tx *types.Transaction) (stream.Notification, bool) {
	out := txFromTypes(c.signer, tx)
	if !c.watched.Contains(out.From) && (out.To == "" || !c.watched.Contains(out.To)) {
		return stream.Notification{}, false
	}
	return stream.Notification{Pending: &out}, true
}

func (c *conn) FetchBlock(ctx context.Context, head stream.Head) (*stream.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		b   *types.Block
		err error
	)
	if head.Hash != "" {
		b, err = c.ec.BlockByHash(ctx, common.HexToHash(head.Hash))
	} else {
		b, err = c.ec.BlockByNumber(ctx, new(big.Int).SetUint64(head.Number))
	}
	if err != nil {
		return nil, adapter.WrapRPC("fetch block", err)
	}
	return blockFromTypes(c.signer, b), nil
}
