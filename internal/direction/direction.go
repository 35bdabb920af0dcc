// Package direction implements the per-direction transfer loop: one pass
// of cancellation probe, batching, S→S verification, signature collection,
// submission, and the post-submit mainnet invariant check, under a
// per-direction serial number and single-in-flight guarantee.
package direction

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/batch"
	"github.com/streaming-dev/ima-agent/internal/callpipeline"
	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coordinator"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/coreutil/events"
	"github.com/streaming-dev/ima-agent/internal/coreutil/registry"
	"github.com/streaming-dev/ima-agent/internal/gaspolicy"
	"github.com/streaming-dev/ima-agent/internal/metrics"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/sigcollector"
	"github.com/streaming-dev/ima-agent/internal/types"
	"github.com/streaming-dev/ima-agent/internal/verifier"
)

// RPC is the subset of the destination endpoint's client the loop needs
// beyond what the Call Pipeline already wraps: the post-submit
// PostMessageError check and the optional
// wait-for-next-block knob.
type RPC interface {
	GetLogs(ctx context.Context, filter ethereum.FilterQuery, opts rpc.Options) ([]gethtypes.Log, error)
	WaitForNextBlock(ctx context.Context, snapshot uint64) (uint64, error)
}

// Config carries one direction loop's runtime knobs.
type Config struct {
	TransferSteps            int // 0 = unbounded
	MaxTransactionsCount     int // 0 = unbounded
	TimeBudget               time.Duration
	SleepBetweenTxOnSChain   time.Duration
	WaitForNextBlockOnSChain bool
	BatchOptions             batch.Options
	GasPolicy                gaspolicy.Policy
	DestinationIsMainnet     bool
	SourceChainName          string
	DestChainName            string
	ExtraOpts                sigcollector.ExtraOpts
}

// Deps bundles one loop's collaborators.
type Deps struct {
	Coordinator   coordinator.Coordinator
	Former        *batch.Former
	Verifier      *verifier.Verifier // nil unless this is an S→S loop
	VerifierNodes []verifier.Node
	SourceProxy   common.Address
	DestChainHash common.Hash
	Collector     sigcollector.Collector
	Pipeline      *callpipeline.Pipeline
	DestRPC       RPC
	DestProxy     common.Address
	Registry      *registry.Registry
	Bus           *events.Bus
	Logger        *zap.Logger
}

// Loop runs repeated transfer passes for one direction (or one S→S
// sibling index).
type Loop struct {
	direction types.Direction
	index     int
	category  string
	cfg       Config
	deps      Deps

	isInProgress  atomic.Bool
	wasInProgress atomic.Bool
	stepsDone     atomic.Int32
	serial        atomic.Uint64
}

func New(direction types.Direction, index int, category string, cfg Config, deps Deps) *Loop {
	return &Loop{direction: direction, index: index, category: category, cfg: cfg, deps: deps}
}

// Snapshot reads the loop's published state.
func (l *Loop) Snapshot() types.TransferLoopState {
	return types.TransferLoopState{
		IsInProgress:          l.isInProgress.Load(),
		WasInProgress:         l.wasInProgress.Load(),
		StepsDone:             int(l.stepsDone.Load()),
		CurrentTransferSerial: l.serial.Load(),
	}
}

// RunPass performs one full transfer pass: cancellation probe, batch
// formation, S→S verification, signature collection, submission, and the
// post-submit mainnet check, until a budget is exhausted or the source
// counter is drained.
func (l *Loop) RunPass(ctx context.Context) error {
	if !l.deps.Coordinator.CheckStart(l.direction, l.index) {
		return nil
	}

	l.serial.Add(1)
	l.deps.Coordinator.NotifyStart(l.direction, l.index)
	l.isInProgress.Store(true)
	l.wasInProgress.Store(true)
	l.stepsDone.Store(0)
	metrics.ObserveDirectionState(string(l.direction), true, l.serial.Load(), 0)
	defer func() {
		l.isInProgress.Store(false)
		l.deps.Coordinator.NotifyEnd(l.direction, l.index)
	}()

	var deadline time.Time
	if l.cfg.TimeBudget > 0 {
		deadline = time.Now().Add(l.cfg.TimeBudget)
	}

	steps := 0
	txCount := 0
	var firstErr error

	for {
		if l.cfg.TransferSteps > 0 && steps >= l.cfg.TransferSteps {
			break
		}
		if l.cfg.MaxTransactionsCount > 0 && txCount >= l.cfg.MaxTransactionsCount {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		res, err := l.deps.Former.Form(ctx, l.cfg.BatchOptions)
		if err != nil {
			firstErr = err
			break
		}
		if len(res.Messages) == 0 {
			// A security check that cut the batch to nothing is recorded
			// and retried next pass; a drained counter is a clean stop.
			if res.SecurityStop != nil {
				firstErr = res.SecurityStop
			}
			break
		}
		if l.cfg.MaxTransactionsCount > 0 {
			if allowed := l.cfg.MaxTransactionsCount - txCount; allowed < len(res.Messages) {
				res.Messages = res.Messages[:allowed]
			}
		}

		metrics.ObserveBatchSize(string(l.direction), len(res.Messages))

		if l.deps.Verifier != nil {
			if err := l.deps.Verifier.VerifyBatch(ctx, l.deps.VerifierNodes, l.deps.SourceProxy, l.deps.DestChainHash, res.Messages); err != nil {
				firstErr = err
				break
			}
		}

		sig, err := l.deps.Collector.Sign(ctx, res.Messages, res.StartCounter, l.cfg.SourceChainName, l.cfg.ExtraOpts)
		if err != nil {
			firstErr = err
			break
		}

		// The time budget is consulted after signing as well as at the
		// iteration boundary; an exceeded budget exits cleanly and the next
		// pass re-forms from the unchanged incoming counter.
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		outBatch := types.OutgoingBatch{
			SourceChain:  l.cfg.SourceChainName,
			DestChain:    l.cfg.DestChainName,
			StartCounter: res.StartCounter,
			Messages:     res.Messages,
			Signature:    sig,
		}
		data, err := contracts.PackPostIncomingMessages(outBatch)
		if err != nil {
			firstErr = err
			break
		}

		policy := l.cfg.GasPolicy
		if l.cfg.DestinationIsMainnet {
			policy.RecommendedFloor = policy.ExpectedFloor(len(res.Messages))
		}

		callResult, err := l.deps.Pipeline.Execute(ctx, callpipeline.Options{
			To:                  l.deps.DestProxy,
			Data:                data,
			Policy:              policy,
			IsDestinationSChain: !l.cfg.DestinationIsMainnet,
		})
		if err != nil {
			firstErr = err
			break
		}

		if l.cfg.DestinationIsMainnet {
			if err := l.checkPostMessageError(ctx, callResult.Receipt); err != nil {
				firstErr = err
				break
			}
		}

		txCount += len(res.Messages)
		steps++
		l.stepsDone.Add(1)

		// Messages formed ahead of a failed security check were still
		// submitted; the stop itself ends the pass with its reason
		// recorded so the remainder is retried once the check can hold.
		if res.SecurityStop != nil {
			firstErr = res.SecurityStop
			break
		}

		if !l.cfg.DestinationIsMainnet && l.cfg.SleepBetweenTxOnSChain > 0 {
			if err := sleepCtx(ctx, l.cfg.SleepBetweenTxOnSChain); err != nil {
				firstErr = err
				break
			}
		}
		if !l.cfg.DestinationIsMainnet && l.cfg.WaitForNextBlockOnSChain && callResult.Receipt != nil && callResult.Receipt.BlockNumber != nil {
			if _, err := l.deps.DestRPC.WaitForNextBlock(ctx, callResult.Receipt.BlockNumber.Uint64()); err != nil {
				firstErr = err
				break
			}
		}
	}

	metrics.ObserveDirectionState(string(l.direction), false, l.serial.Load(), int(l.stepsDone.Load()))

	if firstErr != nil {
		l.deps.Registry.RecordFailure(l.category, firstErr.Error())
		l.deps.Bus.PublishError(l.category, firstErr.Error())
		metrics.ObserveError(l.category)
		return firstErr
	}
	l.deps.Registry.ClearSuccess(l.category)
	l.deps.Bus.PublishSuccess(l.category)
	return nil
}

// checkPostMessageError enforces the post-submit invariant: a mainnet destination
// must have emitted no PostMessageError at the submission's receipt block.
func (l *Loop) checkPostMessageError(ctx context.Context, receipt *gethtypes.Receipt) error {
	if receipt == nil || receipt.BlockNumber == nil {
		return nil
	}
	filter := ethereum.FilterQuery{
		Addresses: []common.Address{l.deps.DestProxy},
		Topics:    [][]common.Hash{{contracts.PostMessageErrorTopic}},
		FromBlock: new(big.Int).Set(receipt.BlockNumber),
		ToBlock:   new(big.Int).Set(receipt.BlockNumber),
	}
	logs, err := l.deps.DestRPC.GetLogs(ctx, filter, rpc.DefaultOptions(3))
	if err != nil {
		return err
	}
	for _, log := range logs {
		if log.TxHash != receipt.TxHash {
			continue
		}
		counter, reason, decErr := contracts.DecodePostMessageErrorLog(log)
		if decErr != nil {
			return decErr
		}
		return fmt.Errorf("%w: msgCounter %d: %s", errs.ErrPostMessage, counter, string(reason))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
