package e2e

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/streaming-dev/ima-agent/internal/contracts"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/signer"
)

// fakeChain is a single-endpoint, in-memory stand-in for a chain's RPC
// surface, satisfying every subset interface the batch/scanner/
// callpipeline/direction/verifier packages declare against *rpc.Client.
type fakeChain struct {
	outCounter uint64
	inCounter  uint64
	latest     uint64
	logs       []gethtypes.Log

	nonce    uint64
	gasPrice *big.Int
	estimate uint64
	balance  *big.Int
	receipt  *gethtypes.Receipt
	sentTx   *gethtypes.Transaction

	srcProxy common.Address
	dstProxy common.Address
}

func (f *fakeChain) GetLogs(_ context.Context, filter ethereum.FilterQuery, _ rpc.Options) ([]gethtypes.Log, error) {
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

func (f *fakeChain) GetBlockNumber(context.Context, rpc.Options) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) GetBlock(_ context.Context, number uint64, _ rpc.Options) (*gethtypes.Block, error) {
	header := &gethtypes.Header{Number: new(big.Int).SetUint64(number)}
	return gethtypes.NewBlockWithHeader(header), nil
}

func (f *fakeChain) Call(_ context.Context, msg ethereum.CallMsg, _ rpc.Options) ([]byte, error) {
	if *msg.To == f.srcProxy {
		return encodeUint256(f.outCounter), nil
	}
	return encodeUint256(f.inCounter), nil
}

func (f *fakeChain) GetTransactionCount(context.Context, common.Address, rpc.Options) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeChain) GetGasPrice(context.Context, rpc.Options) (*big.Int, error) {
	return f.gasPrice, nil
}
func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg, rpc.Options) (uint64, error) {
	return f.estimate, nil
}
func (f *fakeChain) SendRawTransaction(_ context.Context, tx *gethtypes.Transaction, _ rpc.Options) error {
	f.sentTx = tx
	return nil
}
func (f *fakeChain) GetTransactionReceipt(context.Context, common.Hash, rpc.Options) (*gethtypes.Receipt, error) {
	return f.receipt, nil
}
func (f *fakeChain) GetBalance(context.Context, common.Address, rpc.Options) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeChain) WaitForNextBlock(context.Context, uint64) (uint64, error) {
	return f.latest + 1, nil
}

func encodeUint256(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func outgoingMessageLog(proxy common.Address, dstChainName string, counter, block uint64, sender, dest common.Address) gethtypes.Log {
	data, err := contracts.EncodeOutgoingMessageData(dest, []byte("payload"))
	if err != nil {
		panic(err)
	}
	return gethtypes.Log{
		Address: proxy,
		Topics: []common.Hash{
			contracts.OutgoingMessageTopic,
			contracts.DstChainHash(dstChainName),
			contracts.MsgCounterTopic(counter),
			common.BytesToHash(sender.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
	}
}

type fakeSigner struct{ addr common.Address }

func (s fakeSigner) Address() common.Address { return s.addr }
func (s fakeSigner) IsAutoSend() bool        { return false }
func (s fakeSigner) Sign(_ context.Context, tx *gethtypes.Transaction) (signer.Result, error) {
	return signer.Result{SignedTx: tx}, nil
}
