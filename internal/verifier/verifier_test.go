package verifier

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/types"
)

func TestQuorumTable(t *testing.T) {
	require.Equal(t, 1, Quorum(1))
	require.Equal(t, 2, Quorum(2))
	require.Equal(t, 3, Quorum(4))
	require.Equal(t, 11, Quorum(16))
	require.Equal(t, 4, Quorum(5)) // ceil(10/3) = 4
}

type fakeNode struct {
	log gethtypes.Log
	err error
}

func (f fakeNode) GetLogs(_ context.Context, _ ethereum.FilterQuery, _ rpc.Options) ([]gethtypes.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []gethtypes.Log{f.log}, nil
}

func agreeingLog(srcContract, dstContract common.Address, counter uint64) gethtypes.Log {
	data, err := contracts.EncodeOutgoingMessageData(dstContract, []byte("payload"))
	if err != nil {
		panic(err)
	}
	return gethtypes.Log{
		Topics: []common.Hash{
			contracts.OutgoingMessageTopic,
			contracts.DstChainHash("Mainnet"),
			contracts.MsgCounterTopic(counter),
			common.BytesToHash(srcContract.Bytes()),
		},
		Data:        data,
		BlockNumber: 42,
	}
}

func TestVerifyBatchAcceptsWithOneDissenterOfFour(t *testing.T) {
	srcContract := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dstContract := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	msg := types.Message{Sender: srcContract, DestinationContract: dstContract, MsgCounter: 7, SavedBlockNumber: 42}

	good := agreeingLog(srcContract, dstContract, 7)
	bad := agreeingLog(common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"), dstContract, 7)

	nodes := []Node{
		{Name: "n1", RPC: fakeNode{log: good}},
		{Name: "n2", RPC: fakeNode{log: good}},
		{Name: "n3", RPC: fakeNode{log: good}},
		{Name: "n4", RPC: fakeNode{log: bad}},
	}

	v := New(zap.NewNop())
	err := v.VerifyBatch(context.Background(), nodes, common.Address{}, contracts.DstChainHash("Mainnet"), []types.Message{msg})
	require.NoError(t, err)
}

func TestVerifyBatchRejectsWithTwoDissentersOfFour(t *testing.T) {
	srcContract := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dstContract := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	msg := types.Message{Sender: srcContract, DestinationContract: dstContract, MsgCounter: 7, SavedBlockNumber: 42}

	good := agreeingLog(srcContract, dstContract, 7)
	bad := agreeingLog(common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"), dstContract, 7)

	nodes := []Node{
		{Name: "n1", RPC: fakeNode{log: good}},
		{Name: "n2", RPC: fakeNode{log: good}},
		{Name: "n3", RPC: fakeNode{log: bad}},
		{Name: "n4", RPC: fakeNode{log: bad}},
	}

	v := New(zap.NewNop())
	err := v.VerifyBatch(context.Background(), nodes, common.Address{}, contracts.DstChainHash("Mainnet"), []types.Message{msg})
	require.ErrorIs(t, err, errs.ErrS2SQuorum)
}
