// Package scanner finds message-proxy logs three ways: iterative
// windowed getLogs, progressive widening look-back, and walk-back-by-
// reference-log, composed behind a single facade that picks a strategy
// based on (fromBlock, toBlock) and runtime flags.
package scanner

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/metrics"
	"github.com/streaming-dev/ima-agent/internal/rpc"
)

// Windowing defaults, overridable per direction via process configuration.
const (
	DefaultWindowSize uint64 = 1000
	DefaultMaxWindows uint64 = 5000
	blocksPerMinute   uint64 = 6
)

// progressiveWindows are the widening look-backs of the progressive
// strategy, expressed in blocks at ~6 blocks/minute.
var progressiveWindows = []uint64{
	1 * 24 * 60 * blocksPerMinute,       // 1 day
	7 * 24 * 60 * blocksPerMinute,       // 1 week
	30 * 24 * 60 * blocksPerMinute,      // 1 month
	365 * 24 * 60 * blocksPerMinute,     // 1 year
	3 * 365 * 24 * 60 * blocksPerMinute, // 3 years
}

// LogSource is the subset of *rpc.Client the scanner needs. Declared as an
// interface so tests can supply a fake without dialing a real chain.
type LogSource interface {
	GetLogs(ctx context.Context, filter ethereum.FilterQuery, opts rpc.Options) ([]gethtypes.Log, error)
	GetBlockNumber(ctx context.Context, opts rpc.Options) (uint64, error)
}

// Query describes one OutgoingMessage search: a contract address and the
// indexed topics to filter by.
type Query struct {
	Contract     common.Address
	DstChainHash common.Hash
	// MsgCounterTopic, if non-nil, additionally filters to one exact
	// counter. Left nil to fetch all counters in range (used by the
	// reference walk-back's own internal queries).
	MsgCounterTopic *common.Hash
	EventTopic      common.Hash
}

func (q Query) toFilterQuery(from, to *big.Int) ethereum.FilterQuery {
	topics := [][]common.Hash{{q.EventTopic}, {q.DstChainHash}}
	if q.MsgCounterTopic != nil {
		topics = append(topics, []common.Hash{*q.MsgCounterTopic})
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{q.Contract},
		Topics:    topics,
		FromBlock: from,
		ToBlock:   to,
	}
}

// Options configure a facade scan.
type Options struct {
	WindowSize            uint64
	MaxWindows            uint64
	ProgressiveEventsScan bool
}

func DefaultOptions() Options {
	return Options{
		WindowSize:            DefaultWindowSize,
		MaxWindows:            DefaultMaxWindows,
		ProgressiveEventsScan: true,
	}
}

// Scanner is the strategy facade, selecting Iterative, Progressive, or
// walk-back-by-reference based on (from, to) and runtime flags.
type Scanner struct {
	src    LogSource
	logger *zap.Logger
}

func New(src LogSource, logger *zap.Logger) *Scanner {
	return &Scanner{src: src, logger: logger}
}

// Result is what every strategy returns: the matching logs and the last
// block actually observed by the scan.
type Result struct {
	Logs              []gethtypes.Log
	LastBlockObserved uint64
}

// ScanRange scans an explicit [from, to] range using the Iterative
// strategy.
func (s *Scanner) ScanRange(ctx context.Context, q Query, from, to uint64, opts Options) (Result, error) {
	return s.iterative(ctx, q, from, to, opts)
}

// ScanFullRange scans [0, latest]. If opts.ProgressiveEventsScan is set it
// tries the Progressive strategy first; on a total miss (or
// when progressive scan is disabled) it falls back to Iterative over the
// full range.
func (s *Scanner) ScanFullRange(ctx context.Context, q Query, opts Options) (Result, error) {
	latest, err := s.src.GetBlockNumber(ctx, rpc.DefaultOptions(3))
	if err != nil {
		return Result{}, err
	}

	if opts.ProgressiveEventsScan {
		res, found, err := s.progressive(ctx, q, latest, opts)
		if err != nil {
			return Result{}, err
		}
		if found {
			return res, nil
		}
		s.logger.Debug("progressive scan found nothing, falling back to iterative full range",
			zap.Uint64("latest", latest))
	}

	return s.iterative(ctx, q, 0, latest, opts)
}

// iterative splits the range into fixed-size windows and queries each.
func (s *Scanner) iterative(ctx context.Context, q Query, from, to uint64, opts Options) (Result, error) {
	windowSize := opts.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	maxWindows := opts.MaxWindows
	if maxWindows == 0 {
		maxWindows = DefaultMaxWindows
	}

	if to < from {
		return Result{}, nil
	}
	span := to - from + 1
	numWindows := (span + windowSize - 1) / windowSize

	// An unset window size, or a range wide enough to exceed the window
	// cap, falls through to a single-window query.
	if opts.WindowSize == 0 || numWindows > maxWindows {
		logs, err := s.src.GetLogs(ctx, q.toFilterQuery(big.NewInt(int64(from)), big.NewInt(int64(to))), rpc.DefaultOptions(3))
		if err != nil {
			s.logger.Warn("single-window query failed", zap.Error(err))
			return Result{LastBlockObserved: to}, nil
		}
		metrics.ObserveScannerWindowHits(len(logs))
		return Result{Logs: logs, LastBlockObserved: to}, nil
	}

	var all []gethtypes.Log
	for start := from; start <= to; start += windowSize {
		end := start + windowSize - 1
		if end > to {
			end = to
		}
		logs, err := s.src.GetLogs(ctx, q.toFilterQuery(big.NewInt(int64(start)), big.NewInt(int64(end))), rpc.DefaultOptions(3))
		if err != nil {
			// A failed window contributes nothing; scanning continues
			// with the next one.
			s.logger.Warn("window query failed, skipping window",
				zap.Uint64("from", start), zap.Uint64("to", end), zap.Error(err))
			continue
		}
		metrics.ObserveScannerWindowHits(len(logs))
		all = append(all, logs...)
	}
	return Result{Logs: all, LastBlockObserved: to}, nil
}

// progressive tries widening look-back windows ending at latest.
// Returns found=false if every window,
// including the final full range, comes back empty.
func (s *Scanner) progressive(ctx context.Context, q Query, latest uint64, opts Options) (Result, bool, error) {
	for _, lookback := range progressiveWindows {
		from := uint64(0)
		if latest > lookback {
			from = latest - lookback
		}
		logs, err := s.src.GetLogs(ctx, q.toFilterQuery(big.NewInt(int64(from)), big.NewInt(int64(latest))), rpc.DefaultOptions(3))
		if err != nil {
			s.logger.Warn("progressive window query failed", zap.Uint64("from", from), zap.Error(err))
			continue
		}
		if len(logs) > 0 {
			return Result{Logs: logs, LastBlockObserved: latest}, true, nil
		}
	}

	// Full range, still under the progressive umbrella: the final widening
	// step after every bounded look-back missed.
	res, err := s.iterative(ctx, q, 0, latest, opts)
	if err != nil {
		return Result{}, false, err
	}
	return res, len(res.Logs) > 0, nil
}
