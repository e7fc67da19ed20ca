package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/metrics"
)

// Client is a lazily dialed, rate-limited ethclient.
type Client struct {
	cfg     RPCConfig
	chain   string
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
}

func NewClient(cfg RPCConfig, chain string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		chain:  chain,
		logger: logger.With("component", "evm-client", "chain", chain),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) connect(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("rpc url not configured")
	}

	c.logger.Info("connecting to RPC", "url", c.cfg.URL)
	rpcClient, err := rpc.DialContext(ctx, c.cfg.URL)
	if err != nil {
		return nil, adapter.NetworkError("dial rpc", err)
	}
	c.rpcClient = rpcClient
	c.client = ethclient.NewClient(rpcClient)
	return c.client, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.rpcClient = nil
	}
	return nil
}

// do runs one RPC call with rate limiting, a timeout and metrics.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	ec, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err = fn(ctx, ec)
	metrics.RPCCallLatency.WithLabelValues(c.chain, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(c.chain, op, "error").Inc()
		return wrapErr(op, err)
	}
	metrics.RPCCallsTotal.WithLabelValues(c.chain, op, "ok").Inc()
	return nil
}

// wrapErr treats JSON-RPC error objects and 4xx responses as node
// rejections; everything else is a transport failure.
func wrapErr(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return adapter.WrapRPC(op, err)
}

func (c *Client) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.do(ctx, "eth_chainId", func(ctx context.Context, ec *ethclient.Client) error {
		id, err = ec.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (bal *big.Int, err error) {
	err = c.do(ctx, "eth_getBalance", func(ctx context.Context, ec *ethclient.Client) error {
		bal, err = ec.BalanceAt(ctx, account, nil)
		return err
	})
	return bal, err
}

func (c *Client) CodeAt(ctx context.Context, account common.Address) (code []byte, err error) {
	err = c.do(ctx, "eth_getCode", func(ctx context.Context, ec *ethclient.Client) error {
		code, err = ec.CodeAt(ctx, account, nil)
		return err
	})
	return code, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) (out []byte, err error) {
	err = c.do(ctx, "eth_call", func(ctx context.Context, ec *ethclient.Client) error {
		out, err = ec.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = c.do(ctx, "eth_getTransactionCount", func(ctx context.Context, ec *ethclient.Client) error {
		nonce, err = ec.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context, ec *ethclient.Client) error {
		h, err = ec.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	err = c.do(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context, ec *ethclient.Client) error {
		tip, err = ec.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = c.do(ctx, "eth_gasPrice", func(ctx context.Context, ec *ethclient.Client) error {
		price, err = ec.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = c.do(ctx, "eth_estimateGas", func(ctx context.Context, ec *ethclient.Client) error {
		gas, err = ec.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func(ctx context.Context, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}
