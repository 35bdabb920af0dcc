// Package fanout schedules the direction loops: a single transfer per
// pass for M→S and S→M, and a per-sibling fan-out for S→S that runs one
// fresh transfer pass per cached sibling chain concurrently,
// each against a pseudo-randomly-picked node of that sibling's roster.
package fanout

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/direction"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// Sibling is one cached S-chain that can source an S→S transfer.
type Sibling struct {
	Name        string
	SourceProxy common.Address
	DestProxy   common.Address
	Nodes       []types.NodeEndpoint
}

// LoopBuilder constructs a fresh Loop for one sibling's pass, bound to the
// pseudo-randomly-picked node's RPC endpoint.
type LoopBuilder func(ctx context.Context, sibling Sibling, node types.NodeEndpoint) (*direction.Loop, error)

// MaxConcurrentSiblings bounds how many S→S sibling passes run at once.
const MaxConcurrentSiblings = 8

// FanOut schedules the direction loops.
type FanOut struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *FanOut {
	return &FanOut{logger: logger}
}

// RunSingle runs one M→S or S→M pass; those directions have a single
// transfer per pass.
func (f *FanOut) RunSingle(ctx context.Context, loop *direction.Loop) error {
	return loop.RunPass(ctx)
}

// Result is the aggregate outcome of one S→S fan-out round.
type Result struct {
	FailedSiblings int
	Errors         map[string]error
}

// RunSiblings runs one S→S pass per sibling chain concurrently. A
// sibling's own failure (building its loop, or the pass itself) does not
// stop the others; it is recorded in the returned Result.
func (f *FanOut) RunSiblings(ctx context.Context, siblings []Sibling, build LoopBuilder) Result {
	sem := semaphore.NewWeighted(MaxConcurrentSiblings)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	result := Result{Errors: make(map[string]error)}
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.FailedSiblings++
		result.Errors[name] = err
	}

	for _, sibling := range siblings {
		sibling := sibling
		if len(sibling.Nodes) == 0 {
			f.logger.Warn("s2s fan-out: sibling has an empty node roster, skipping", zap.String("sibling", sibling.Name))
			record(sibling.Name, fmt.Errorf("%w: sibling %s has an empty node roster", errs.ErrMissingEndpoint, sibling.Name))
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			record(sibling.Name, err)
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			node := pickNode(sibling.Nodes)
			loop, err := build(gctx, sibling, node)
			if err != nil {
				f.logger.Warn("s2s fan-out: building loop failed", zap.String("sibling", sibling.Name), zap.Error(err))
				record(sibling.Name, err)
				return nil
			}
			if err := loop.RunPass(gctx); err != nil {
				record(sibling.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// pickNode picks a pseudo-random roster node, re-picked every pass so a
// down node is naturally avoided on the next pass. Callers guard against
// an empty roster.
func pickNode(nodes []types.NodeEndpoint) types.NodeEndpoint {
	return nodes[rand.Intn(len(nodes))]
}
