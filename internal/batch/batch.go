// Package batch assembles outgoing-message batches: it reads the
// source/destination counters, scans for each missing message, enforces
// the block-depth and block-age security checks, and assembles a bounded
// batch.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/scanner"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// DefaultBlockSize is the default messages-per-batch bound.
const DefaultBlockSize = 5

// RPC is the subset of *rpc.Client the Former needs from one endpoint:
// static calls for the counters, and block lookups for the age check.
type RPC interface {
	Call(ctx context.Context, msg ethereum.CallMsg, opts rpc.Options) ([]byte, error)
	GetBlockNumber(ctx context.Context, opts rpc.Options) (uint64, error)
	GetBlock(ctx context.Context, number uint64, opts rpc.Options) (*gethtypes.Block, error)
}

// Endpoint bundles the RPC handle and proxy contract address of one side
// of a transfer.
type Endpoint struct {
	RPC          RPC
	ProxyAddress common.Address
	ChainName    string
}

// Options configure the security checks and batch bounds.
type Options struct {
	BlockSize int // "B", default 5.

	BlockAwaitDepth uint64        // 0 disables the block-depth check.
	BlockAge        time.Duration // 0 disables the block-age check.

	// SleepBeforeFetch delays the outgoing-message scan once per pass,
	// giving a lagging source node time to index the latest logs.
	SleepBeforeFetch time.Duration

	UseReferenceWalkBack bool
	ScannerOptions       scanner.Options
}

// DefaultOptions returns the standard bounds with both security checks
// disabled.
func DefaultOptions() Options {
	return Options{BlockSize: DefaultBlockSize, ScannerOptions: scanner.DefaultOptions()}
}

// Former assembles one direction's next batch.
type Former struct {
	source  Endpoint
	dest    Endpoint
	scanner *scanner.Scanner
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs a Former for one (source, destination) pair. scn must
// wrap source.RPC (the scanner only ever queries the source chain's logs).
func New(source, dest Endpoint, scn *scanner.Scanner, logger *zap.Logger) *Former {
	return &Former{source: source, dest: dest, scanner: scn, logger: logger, now: time.Now}
}

// Result is the outcome of one Batch Former pass. SecurityStop carries
// the ErrBlockDepth/ErrBlockAge reason when a security check cut the
// batch short; messages formed before the failing check are still
// submittable.
type Result struct {
	Messages     []types.Message
	StartCounter uint64
	OutCounter   uint64
	InCounter    uint64
	SecurityStop error
}

// Form reads both counters and assembles the next contiguous batch,
// stopping early at the first missing message or failed security check.
func (f *Former) Form(ctx context.Context, opts Options) (Result, error) {
	outCnt, err := f.readCounter(ctx, f.source.RPC, f.source.ProxyAddress, contracts.PackGetOutgoingMessagesCounter, "getOutgoingMessagesCounter", f.dest.ChainName)
	if err != nil {
		return Result{}, err
	}
	inCnt, err := f.readCounter(ctx, f.dest.RPC, f.dest.ProxyAddress, contracts.PackGetIncomingMessagesCounter, "getIncomingMessagesCounter", f.source.ChainName)
	if err != nil {
		return Result{}, err
	}

	if inCnt >= outCnt {
		return Result{StartCounter: inCnt, OutCounter: outCnt, InCounter: inCnt}, nil
	}

	if opts.SleepBeforeFetch > 0 {
		t := time.NewTimer(opts.SleepBeforeFetch)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	ceil := inCnt + uint64(blockSize)
	if ceil > outCnt {
		ceil = outCnt
	}

	var refRecords map[uint64]types.ReferenceLogRecord
	if opts.UseReferenceWalkBack {
		anchor := f.lastOutgoingMessageBlock(ctx)
		records, err := f.scanner.WalkBackByReference(ctx, f.source.ProxyAddress, contracts.DstChainHash(f.dest.ChainName), inCnt, outCnt, anchor)
		if err == nil {
			refRecords = make(map[uint64]types.ReferenceLogRecord, len(records))
			for _, r := range records {
				refRecords[r.CurrentMessage] = r
			}
		} else {
			f.logger.Debug("reference walk-back unavailable, falling back to progressive/iterative scan", zap.Error(err))
		}
	}

	latest, err := f.source.RPC.GetBlockNumber(ctx, rpc.DefaultOptions(3))
	if err != nil {
		return Result{}, err
	}

	messages := make([]types.Message, 0, ceil-inCnt)
	var securityStop error
	for i := inCnt; i < ceil; i++ {
		msg, ok, err := f.findMessage(ctx, i, refRecords, opts)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}

		if opts.BlockAwaitDepth > 0 && latest-msg.SavedBlockNumber < opts.BlockAwaitDepth {
			securityStop = fmt.Errorf("%w: message %d at block %d is only %d blocks deep, need %d",
				errs.ErrBlockDepth, i, msg.SavedBlockNumber, latest-msg.SavedBlockNumber, opts.BlockAwaitDepth)
			f.logger.Warn("stopping batch formation", zap.Error(securityStop))
			break
		}

		if opts.BlockAge > 0 {
			ts, err := f.blockTimestamp(ctx, msg.SavedBlockNumber)
			if err != nil {
				return Result{}, err
			}
			if age := f.now().Sub(ts); age < opts.BlockAge {
				securityStop = fmt.Errorf("%w: message %d's block is %s old, need %s",
					errs.ErrBlockAge, i, age, opts.BlockAge)
				f.logger.Warn("stopping batch formation", zap.Error(securityStop))
				break
			}
		}

		messages = append(messages, msg)
	}

	return Result{Messages: messages, StartCounter: inCnt, OutCounter: outCnt, InCounter: inCnt, SecurityStop: securityStop}, nil
}

// findMessage locates the OutgoingMessage for counter i, preferring the
// reference-log's exact block when available. Within a
// window, the newest matching event wins, so a superseded log cannot be
// replayed after an unlikely reorg.
func (f *Former) findMessage(ctx context.Context, i uint64, refRecords map[uint64]types.ReferenceLogRecord, opts Options) (types.Message, bool, error) {
	topic := contracts.MsgCounterTopic(i)
	q := scanner.Query{
		Contract:        f.source.ProxyAddress,
		DstChainHash:    contracts.DstChainHash(f.dest.ChainName),
		MsgCounterTopic: &topic,
		EventTopic:      contracts.OutgoingMessageTopic,
	}

	var res scanner.Result
	var err error
	if rec, ok := refRecords[i]; ok {
		res, err = f.scanner.ScanRange(ctx, q, rec.CurrentBlockID, rec.CurrentBlockID, opts.ScannerOptions)
	} else {
		res, err = f.scanner.ScanFullRange(ctx, q, opts.ScannerOptions)
	}
	if err != nil {
		return types.Message{}, false, err
	}
	if len(res.Logs) == 0 {
		return types.Message{}, false, nil
	}

	newest := res.Logs[len(res.Logs)-1]
	msg, err := contracts.DecodeOutgoingMessageLog(newest)
	if err != nil {
		return types.Message{}, false, err
	}
	return msg, true, nil
}

// lastOutgoingMessageBlock reads the source proxy's
// getLastOutgoingMessageBlockId view to seed the reference walk-back.
// Returns 0 when the view is unavailable, letting the scanner discover the
// anchor itself.
func (f *Former) lastOutgoingMessageBlock(ctx context.Context) uint64 {
	blockID, err := f.readCounter(ctx, f.source.RPC, f.source.ProxyAddress, contracts.PackGetLastOutgoingMessageBlockId, "getLastOutgoingMessageBlockId", f.dest.ChainName)
	if err != nil {
		f.logger.Debug("getLastOutgoingMessageBlockId unavailable, scanner will discover the walk-back anchor", zap.Error(err))
		return 0
	}
	return blockID
}

func (f *Former) blockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	b, err := f.source.RPC.GetBlock(ctx, number, rpc.DefaultOptions(3))
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(b.Time()), 0), nil
}

func (f *Former) readCounter(
	ctx context.Context,
	r RPC,
	proxy common.Address,
	pack func(string) ([]byte, error),
	method string,
	chainNameArg string,
) (uint64, error) {
	data, err := pack(chainNameArg)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding %s: %v", errs.ErrInvalidLog, method, err)
	}
	out, err := r.Call(ctx, ethereum.CallMsg{To: &proxy, Data: data}, rpc.DefaultOptions(3))
	if err != nil {
		return 0, err
	}
	return contracts.UnpackUint256Result(method, out)
}
