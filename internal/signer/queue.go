package signer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
)

// Queue statuses a QueueManager transaction passes through.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusDropped = "DROPPED"
)

// DefaultMaxWait bounds how long QueueManager.Sign polls before giving up.
const DefaultMaxWait = 10 * time.Hour

// DefaultPollInterval is the cadence of status polling.
const DefaultPollInterval = 5 * time.Second

// QueueManager enqueues a signing/submission request into an external
// transaction-manager queue (a Redis sorted set) and polls for a terminal
// status, returning the confirmed receipt once one is reached. This is
// the only backend that is "auto-send".
type QueueManager struct {
	rdb      *redis.Client
	address  common.Address
	priority int
	maxWait  time.Duration
	poll     time.Duration
	logger   *zap.Logger

	keyPrefix string
}

// NewQueueManager connects to the queue's Redis endpoint. address is the
// account the queue signs transactions as (resolved out-of-band by the
// queue operator; the core only needs it to compute gas/dry-run against).
func NewQueueManager(redisURL string, address common.Address, priority int, logger *zap.Logger) (*QueueManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid queue url: %v", errs.ErrInvalidSignerCfg, err)
	}
	return &QueueManager{
		rdb:       redis.NewClient(opts),
		address:   address,
		priority:  priority,
		maxWait:   DefaultMaxWait,
		poll:      DefaultPollInterval,
		logger:    logger,
		keyPrefix: "ima:tx",
	}, nil
}

func (q *QueueManager) Address() common.Address { return q.address }

func (q *QueueManager) IsAutoSend() bool { return true }

// score computes priority*10^len(ts)+ts, so higher-priority
// items always sort ahead of older lower-priority ones regardless of
// timestamp magnitude.
func score(priority int, ts int64) float64 {
	digits := len(strconv.FormatInt(ts, 10))
	return float64(priority)*math.Pow(10, float64(digits)) + float64(ts)
}

// Sign enqueues tx and blocks until the queue reports a terminal status,
// returning the resulting receipt on SUCCESS.
func (q *QueueManager) Sign(ctx context.Context, tx *types.Transaction) (Result, error) {
	raw, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding tx for queue: %v", errs.ErrSignerBackend, err)
	}
	id := tx.Hash().Hex()
	now := time.Now().Unix()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.statusKey(id), map[string]any{"status": StatusPending, "tx": raw})
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: score(q.priority, now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: enqueueing tx: %v", errs.ErrSignerBackend, err)
	}

	deadline := time.Now().Add(q.maxWait)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		status, err := q.rdb.HGet(ctx, q.statusKey(id), "status").Result()
		if err != nil && err != redis.Nil {
			return Result{}, fmt.Errorf("%w: polling queue status: %v", errs.ErrSignerBackend, err)
		}
		switch status {
		case StatusSuccess:
			return q.fetchReceipt(ctx, id)
		case StatusFailed, StatusDropped:
			return Result{}, fmt.Errorf("%w: queue reported terminal status %s for tx %s", errs.ErrSignerBackend, status, id)
		}

		if time.Now().After(deadline) {
			return Result{}, fmt.Errorf("%w: queue tx %s did not reach a terminal status within %s", errs.ErrSignerTimeout, id, q.maxWait)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *QueueManager) fetchReceipt(ctx context.Context, id string) (Result, error) {
	txHash, err := q.rdb.HGet(ctx, q.statusKey(id), "txHash").Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: queue tx %s marked SUCCESS but has no txHash: %v", errs.ErrSignerBackend, id, err)
	}
	raw, err := q.rdb.HGet(ctx, q.statusKey(id), "receipt").Result()
	if err != nil || raw == "" {
		return Result{}, fmt.Errorf("%w: queue tx %s marked SUCCESS but has no stored receipt", errs.ErrSignerBackend, id)
	}
	var receipt types.Receipt
	if err := receipt.UnmarshalBinary([]byte(raw)); err != nil {
		return Result{}, fmt.Errorf("%w: decoding queue receipt for tx %s (hash %s): %v", errs.ErrSignerBackend, id, txHash, err)
	}
	return Result{Receipt: &receipt}, nil
}

func (q *QueueManager) statusKey(id string) string { return q.keyPrefix + ":status:" + id }
func (q *QueueManager) queueKey() string           { return q.keyPrefix + ":queue" }
