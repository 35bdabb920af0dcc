// Package rpc is the retrying wrapper over a single chain endpoint,
// backed by go-ethereum's ethclient for transport and
// github.com/cenkalti/backoff/v4 for the retry loop.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/metrics"
)

// HealthProbeTimeout bounds the TCP connect health check.
const HealthProbeTimeout = 2 * time.Second

// NextBlockPollInterval is the cadence WaitForNextBlock polls at.
const NextBlockPollInterval = time.Second

// Options configure one call through the retrying wrapper.
type Options struct {
	CntAttempts          int
	ReturnOnFail         bool
	ThrowIfServerOffline bool
}

// DefaultOptions returns the standard call options (cntAttempts is caller
// supplied and must be >= 1; ThrowIfServerOffline defaults true).
func DefaultOptions(cntAttempts int) Options {
	return Options{CntAttempts: cntAttempts, ThrowIfServerOffline: true}
}

// Client wraps one chain endpoint's ethclient connection with the uniform
// retrying contract.
type Client struct {
	name      string
	url       string
	eth       *ethclient.Client
	logger    *zap.Logger
	dialer    net.Dialer
	probeHost string
}

// Dial connects to a chain endpoint's RPC URL.
func Dial(name, rpcURL string, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", name, err)
	}
	host, err := hostFromURL(rpcURL)
	if err != nil {
		logger.Warn("could not derive health-probe host from rpc url", zap.String("url", rpcURL), zap.Error(err))
	}
	return &Client{
		name:      name,
		url:       rpcURL,
		eth:       eth,
		logger:    logger.With(zap.String("endpoint", name)),
		dialer:    net.Dialer{Timeout: HealthProbeTimeout},
		probeHost: host,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

// isOffline performs the TCP-connect health probe.
func (c *Client) isOffline(ctx context.Context) bool {
	if c.probeHost == "" {
		return false
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.probeHost)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// HealthCheck reports the endpoint's liveness via the same TCP probe the
// retry loop uses, for the process health surface.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.isOffline(ctx) {
		return fmt.Errorf("%w: %s", errs.ErrEndpointOffline, c.url)
	}
	return nil
}

// call funnels every operation through the retry-with-backoff contract:
// try once, on failure probe the endpoint, fail fast with
// ErrEndpointOffline if offline and throwIfServerOffline, else retry up to
// cntAttempts, finally failing with ErrRPCExhausted.
func (c *Client) call(ctx context.Context, op string, opts Options, fn func() error) error {
	err := retryOp(ctx, op, c.name, opts, func() bool { return c.isOffline(ctx) }, func(attempt int, err error) {
		c.logger.Warn("rpc attempt failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}, func() error {
		metrics.ObserveRPCAttempt(c.name, op)
		return fn()
	})
	if errors.Is(err, errs.ErrRPCExhausted) {
		metrics.ObserveRPCExhausted(c.name, op)
	}
	return err
}

// retryOp implements the retry-with-backoff contract in
// isolation from the eth client, so it is unit-testable against a fake
// probe and a fake operation.
func retryOp(
	ctx context.Context,
	op, endpointName string,
	opts Options,
	isOffline func() bool,
	onAttemptFailed func(attempt int, err error),
	fn func() error,
) error {
	if opts.CntAttempts < 1 {
		opts.CntAttempts = 1
	}
	var lastErr error
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(opts.CntAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if onAttemptFailed != nil {
			onAttemptFailed(attempt, err)
		}

		if isOffline != nil && isOffline() {
			if opts.ThrowIfServerOffline {
				return backoff.Permanent(fmt.Errorf("%w: %s endpoint %s: %v", errs.ErrEndpointOffline, op, endpointName, err))
			}
		}
		return fmt.Errorf("%w: %v", errs.ErrRPCAttempt, err)
	}

	if err := backoff.Retry(operation, b); err != nil {
		// backoff unwraps Permanent errors before returning them, so the
		// offline fast-fail comes back as the ErrEndpointOffline chain itself.
		if errors.Is(err, errs.ErrEndpointOffline) {
			return err
		}
		if opts.ReturnOnFail {
			return lastErr
		}
		return fmt.Errorf("%w: op=%s endpoint=%s after %d attempts: %v",
			errs.ErrRPCExhausted, op, endpointName, attempt, lastErr)
	}
	return nil
}

// GetBlockNumber returns the latest block number.
func (c *Client) GetBlockNumber(ctx context.Context, opts Options) (uint64, error) {
	var out uint64
	err := c.call(ctx, "getBlockNumber", opts, func() error {
		n, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// GetBlock fetches a block by number.
func (c *Client) GetBlock(ctx context.Context, number uint64, opts Options) (*types.Block, error) {
	var out *types.Block
	err := c.call(ctx, "getBlock", opts, func() error {
		b, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// GetTransactionCount returns addr's pending nonce.
func (c *Client) GetTransactionCount(ctx context.Context, addr common.Address, opts Options) (uint64, error) {
	var out uint64
	err := c.call(ctx, "getTransactionCount", opts, func() error {
		n, err := c.eth.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// GetTransactionReceipt fetches a transaction receipt, keyed exclusively
// on its own accumulated return value.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash, opts Options) (*types.Receipt, error) {
	var out *types.Receipt
	err := c.call(ctx, "getTransactionReceipt", opts, func() error {
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// GetBalance returns addr's balance.
func (c *Client) GetBalance(ctx context.Context, addr common.Address, opts Options) (*big.Int, error) {
	var out *big.Int
	err := c.call(ctx, "getBalance", opts, func() error {
		b, err := c.eth.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// Call performs a static (eth_call) contract call.
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg, opts Options) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "call", opts, func() error {
		res, err := c.eth.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetLogs queries logs matching filter.
func (c *Client) GetLogs(ctx context.Context, filter ethereum.FilterQuery, opts Options) ([]types.Log, error) {
	var out []types.Log
	err := c.call(ctx, "getLogs", opts, func() error {
		logs, err := c.eth.FilterLogs(ctx, filter)
		if err != nil {
			return err
		}
		out = logs
		return nil
	})
	return out, err
}

// SendRawTransaction broadcasts a signed transaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction, opts Options) error {
	return c.call(ctx, "sendRawTransaction", opts, func() error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

// GetGasPrice returns the node's suggested gas price.
func (c *Client) GetGasPrice(ctx context.Context, opts Options) (*big.Int, error) {
	var out *big.Int
	err := c.call(ctx, "getGasPrice", opts, func() error {
		p, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// EstimateGas estimates gas for a pending call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts Options) (uint64, error) {
	var out uint64
	err := c.call(ctx, "estimateGas", opts, func() error {
		g, err := c.eth.EstimateGas(ctx, msg)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// WaitForNextBlock polls getBlockNumber at ~1s cadence until strictly
// greater than snapshot.
func (c *Client) WaitForNextBlock(ctx context.Context, snapshot uint64) (uint64, error) {
	ticker := time.NewTicker(NextBlockPollInterval)
	defer ticker.Stop()
	for {
		n, err := c.GetBlockNumber(ctx, DefaultOptions(1))
		if err == nil && n > snapshot {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func hostFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
