// Package verifier cross-checks S→S batches: for an
// S-chain source, it queries the same OutgoingMessage on every node of the
// source S-chain's roster and requires a quorum of confirmations before a
// batch is accepted.
package verifier

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/types"
)

// Quorum returns the minimum number of node confirmations required for a
// roster of size n.
func Quorum(n int) int {
	switch n {
	case 1:
		return 1
	case 2:
		return 2
	case 4:
		return 3
	case 16:
		return 11
	default:
		return int((2*n + 2) / 3) // ceil(2n/3) via integer arithmetic
	}
}

// NodeLogSource is the subset of *rpc.Client needed to query one node's own
// view of the source S-chain.
type NodeLogSource interface {
	GetLogs(ctx context.Context, filter ethereum.FilterQuery, opts rpc.Options) ([]gethtypes.Log, error)
}

// Node is one roster member to be polled.
type Node struct {
	Name string
	RPC  NodeLogSource
}

// Verifier polls a batch's source messages across a node roster.
type Verifier struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// VerifyBatch requires every message in the batch to independently reach
// quorum confirmation across nodes. Rejection of any single
// message aborts the whole batch.
func (v *Verifier) VerifyBatch(ctx context.Context, nodes []Node, srcProxy common.Address, dstChainHash common.Hash, messages []types.Message) error {
	quorum := Quorum(len(nodes))
	for _, msg := range messages {
		ok, err := v.verifyMessage(ctx, nodes, srcProxy, dstChainHash, msg, quorum)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message counter %d did not reach quorum %d/%d", errs.ErrS2SQuorum, msg.MsgCounter, quorum, len(nodes))
		}
	}
	return nil
}

func (v *Verifier) verifyMessage(ctx context.Context, nodes []Node, srcProxy common.Address, dstChainHash common.Hash, msg types.Message, quorum int) (bool, error) {
	n := len(nodes)
	pass, fail := 0, 0
	topic := contracts.MsgCounterTopic(msg.MsgCounter)
	filter := ethereum.FilterQuery{
		Addresses: []common.Address{srcProxy},
		Topics:    [][]common.Hash{{contracts.OutgoingMessageTopic}, {dstChainHash}, {topic}},
		FromBlock: new(big.Int).SetUint64(msg.SavedBlockNumber),
		ToBlock:   new(big.Int).SetUint64(msg.SavedBlockNumber),
	}

	for _, node := range nodes {
		confirmed := v.confirmsMessage(ctx, node, filter, msg)
		if confirmed {
			pass++
		} else {
			fail++
		}
		if pass >= quorum {
			return true, nil
		}
		if fail > n-quorum {
			return false, nil
		}
	}
	return pass >= quorum, nil
}

func (v *Verifier) confirmsMessage(ctx context.Context, node Node, filter ethereum.FilterQuery, want types.Message) bool {
	logs, err := node.RPC.GetLogs(ctx, filter, rpc.DefaultOptions(3))
	if err != nil {
		v.logger.Warn("s2s verifier: node query failed, counting as dissent",
			zap.String("node", node.Name), zap.Uint64("msgCounter", want.MsgCounter), zap.Error(err))
		return false
	}
	for _, l := range logs {
		got, err := contracts.DecodeOutgoingMessageLog(l)
		if err != nil {
			continue
		}
		if got.Sender == want.Sender && got.DestinationContract == want.DestinationContract {
			return true
		}
	}
	return false
}
