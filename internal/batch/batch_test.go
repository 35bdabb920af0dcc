package batch

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/scanner"
)

var (
	srcProxy = common.HexToAddress("0x1111111111111111111111111111111111111111")
	dstProxy = common.HexToAddress("0x2222222222222222222222222222222222222222")
	dstChain = "Mainnet"
	srcChain = "schain1"
)

// fakeRPC is a single-endpoint fake satisfying both scanner.LogSource and
// batch.RPC, so one fake plays the role of both the source and
// destination chain's RPC handle in these tests.
type fakeRPC struct {
	outCounter uint64
	inCounter  uint64
	latest     uint64
	logs       []gethtypes.Log
	blockTimes map[uint64]uint64
}

func (f *fakeRPC) GetLogs(_ context.Context, filter ethereum.FilterQuery, _ rpc.Options) ([]gethtypes.Log, error) {
	var out []gethtypes.Log
	for _, l := range f.logs {
		if filter.FromBlock != nil && l.BlockNumber < filter.FromBlock.Uint64() {
			continue
		}
		if filter.ToBlock != nil && l.BlockNumber > filter.ToBlock.Uint64() {
			continue
		}
		if !matchesTopics(l, filter.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func matchesTopics(l gethtypes.Log, want [][]common.Hash) bool {
	for i, options := range want {
		if len(options) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, opt := range options {
			if l.Topics[i] == opt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeRPC) GetBlockNumber(_ context.Context, _ rpc.Options) (uint64, error) {
	return f.latest, nil
}

func (f *fakeRPC) GetBlock(_ context.Context, number uint64, _ rpc.Options) (*gethtypes.Block, error) {
	header := &gethtypes.Header{Number: new(big.Int).SetUint64(number), Time: f.blockTimes[number]}
	return gethtypes.NewBlockWithHeader(header), nil
}

func (f *fakeRPC) Call(_ context.Context, msg ethereum.CallMsg, _ rpc.Options) ([]byte, error) {
	if *msg.To == srcProxy {
		return encodeUint256(f.outCounter), nil
	}
	return encodeUint256(f.inCounter), nil
}

func encodeUint256(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func makeLog(counter uint64, block uint64, srcContract, dstContract common.Address, data []byte) gethtypes.Log {
	encoded, err := contracts.EncodeOutgoingMessageData(dstContract, data)
	if err != nil {
		panic(err)
	}
	return gethtypes.Log{
		Address: srcProxy,
		Topics: []common.Hash{
			contracts.OutgoingMessageTopic,
			contracts.DstChainHash(dstChain),
			contracts.MsgCounterTopic(counter),
			common.BytesToHash(srcContract.Bytes()),
		},
		Data:        encoded,
		BlockNumber: block,
	}
}

func TestFormNoOpWhenInCounterCaughtUp(t *testing.T) {
	f := &fakeRPC{outCounter: 3, inCounter: 3, latest: 100}
	scn := scanner.New(f, zap.NewNop())
	former := New(
		Endpoint{RPC: f, ProxyAddress: srcProxy, ChainName: srcChain},
		Endpoint{RPC: f, ProxyAddress: dstProxy, ChainName: dstChain},
		scn, zap.NewNop(),
	)

	res, err := former.Form(context.Background(), DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, res.Messages)
	require.Equal(t, uint64(3), res.StartCounter)
}

func TestFormAssemblesContiguousBatch(t *testing.T) {
	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dest := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	f := &fakeRPC{
		outCounter: 5,
		inCounter:  3,
		latest:     100,
		logs: []gethtypes.Log{
			makeLog(3, 10, sender, dest, []byte("m3")),
			makeLog(4, 11, sender, dest, []byte("m4")),
		},
	}
	scn := scanner.New(f, zap.NewNop())
	former := New(
		Endpoint{RPC: f, ProxyAddress: srcProxy, ChainName: srcChain},
		Endpoint{RPC: f, ProxyAddress: dstProxy, ChainName: dstChain},
		scn, zap.NewNop(),
	)

	res, err := former.Form(context.Background(), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(3), res.StartCounter)
	require.Len(t, res.Messages, 2)
	require.Equal(t, uint64(3), res.Messages[0].MsgCounter)
	require.Equal(t, uint64(4), res.Messages[1].MsgCounter)
	require.Equal(t, []byte("m3"), res.Messages[0].Data)
}

func TestFormStopsAtBlockDepthCheck(t *testing.T) {
	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dest := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	f := &fakeRPC{
		outCounter: 5,
		inCounter:  3,
		latest:     100,
		logs: []gethtypes.Log{
			makeLog(3, 99, sender, dest, []byte("m3")), // too recent: depth check fails
			makeLog(4, 11, sender, dest, []byte("m4")),
		},
	}
	scn := scanner.New(f, zap.NewNop())
	former := New(
		Endpoint{RPC: f, ProxyAddress: srcProxy, ChainName: srcChain},
		Endpoint{RPC: f, ProxyAddress: dstProxy, ChainName: dstChain},
		scn, zap.NewNop(),
	)

	opts := DefaultOptions()
	opts.BlockAwaitDepth = 10
	res, err := former.Form(context.Background(), opts)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
	require.ErrorIs(t, res.SecurityStop, errs.ErrBlockDepth)
}

func TestFormStopsAtBlockAgeCheck(t *testing.T) {
	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	dest := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	now := time.Unix(1_700_000_000, 0)
	f := &fakeRPC{
		outCounter: 5,
		inCounter:  3,
		latest:     100,
		logs: []gethtypes.Log{
			makeLog(3, 10, sender, dest, []byte("m3")),
			makeLog(4, 11, sender, dest, []byte("m4")),
		},
		blockTimes: map[uint64]uint64{
			10: uint64(now.Unix()) - 120, // old enough
			11: uint64(now.Unix()) - 5,   // too fresh
		},
	}
	scn := scanner.New(f, zap.NewNop())
	former := New(
		Endpoint{RPC: f, ProxyAddress: srcProxy, ChainName: srcChain},
		Endpoint{RPC: f, ProxyAddress: dstProxy, ChainName: dstChain},
		scn, zap.NewNop(),
	)
	former.now = func() time.Time { return now }

	opts := DefaultOptions()
	opts.BlockAge = time.Minute
	res, err := former.Form(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, uint64(3), res.Messages[0].MsgCounter)
	require.ErrorIs(t, res.SecurityStop, errs.ErrBlockAge)
}
