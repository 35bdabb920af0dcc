// Package callpipeline executes one contract call end to end: compute
// gas policy, dry-run the call, sign, submit, and await a receipt,
// classifying the outcome into the error-kind tiers.
package callpipeline

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/streaming-dev/ima-agent/internal/coreutil/errs"
	"github.com/streaming-dev/ima-agent/internal/gaspolicy"
	"github.com/streaming-dev/ima-agent/internal/rpc"
	"github.com/streaming-dev/ima-agent/internal/signer"
)

// RPC is the subset of *rpc.Client the pipeline needs.
type RPC interface {
	GetTransactionCount(ctx context.Context, addr common.Address, opts rpc.Options) (uint64, error)
	GetGasPrice(ctx context.Context, opts rpc.Options) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts rpc.Options) (uint64, error)
	Call(ctx context.Context, msg ethereum.CallMsg, opts rpc.Options) ([]byte, error)
	SendRawTransaction(ctx context.Context, tx *gethtypes.Transaction, opts rpc.Options) error
	GetTransactionReceipt(ctx context.Context, hash common.Hash, opts rpc.Options) (*gethtypes.Receipt, error)
	GetBalance(ctx context.Context, addr common.Address, opts rpc.Options) (*big.Int, error)
}

// PowHelper is the external proof-of-work sidecar consulted when an
// S-chain destination account's balance cannot cover gasPrice*gasLimit.
// An external program; only its contract is consumed here.
type PowHelper interface {
	ComputeGasPrice(ctx context.Context, addr common.Address, nonce, gasLimit uint64) (*big.Int, error)
}

// defaultGasLimit bounds the transaction when estimation failed and the
// policy carries no recommended floor.
const defaultGasLimit uint64 = 10_000_000

// Options describe one call to submit through the pipeline.
type Options struct {
	To                  common.Address
	Data                []byte
	Value               *big.Int
	IgnoreDryRun        bool
	IsDestinationSChain bool
	Policy              gaspolicy.Policy
	ReceiptAttempts     int
}

// Result is the outcome of a successfully confirmed call.
type Result struct {
	Receipt  *gethtypes.Receipt
	GasSpent uint64
	EthSpent *big.Int
}

// Pipeline executes calls against one destination chain endpoint on
// behalf of one Signer.
type Pipeline struct {
	rpc    RPC
	signer signer.Signer
	pow    PowHelper
	logger *zap.Logger
}

func New(rpcClient RPC, sgnr signer.Signer, pow PowHelper, logger *zap.Logger) *Pipeline {
	return &Pipeline{rpc: rpcClient, signer: sgnr, pow: pow, logger: logger}
}

// Execute runs the full call sequence: gas policy, dry-run, sign,
// submit, await receipt, classify.
func (p *Pipeline) Execute(ctx context.Context, opts Options) (Result, error) {
	from := p.signer.Address()
	value := opts.Value
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := p.rpc.GetTransactionCount(ctx, from, rpc.DefaultOptions(3))
	if err != nil {
		return Result{}, err
	}
	rawPrice, err := p.rpc.GetGasPrice(ctx, rpc.DefaultOptions(3))
	if err != nil {
		return Result{}, err
	}
	gasPrice := opts.Policy.GasPrice(rawPrice)

	callMsg := ethereum.CallMsg{From: from, To: &opts.To, Data: opts.Data, Value: value, GasPrice: gasPrice}
	estimate, err := p.rpc.EstimateGas(ctx, callMsg, rpc.DefaultOptions(3))
	if err != nil {
		// A reverting call fails eth_estimateGas too; classification
		// belongs to the dry run below, so fall back to the policy floor
		// and let the static call decide.
		p.logger.Warn("call pipeline: gas estimation failed, falling back to policy floor", zap.Error(err))
		estimate = 0
	}
	gasLimit := opts.Policy.GasLimit(estimate)
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	if opts.IsDestinationSChain && p.pow != nil {
		gasPrice = p.applyPowIfUnderfunded(ctx, from, nonce, gasLimit, gasPrice)
	}

	dryRunMsg := callMsg
	dryRunMsg.Gas = gasLimit
	dryRunMsg.GasPrice = gasPrice
	if _, err := p.rpc.Call(ctx, dryRunMsg, rpc.DefaultOptions(3)); err != nil && !opts.IgnoreDryRun {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrDryRun, err)
	}

	tx := gethtypes.NewTransaction(nonce, opts.To, value, gasLimit, gasPrice, opts.Data)
	signResult, err := p.signer.Sign(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrSignerBackend, err)
	}

	receipt := signResult.Receipt
	if !p.signer.IsAutoSend() {
		if signResult.SignedTx == nil {
			return Result{}, fmt.Errorf("%w: signer returned no signed transaction", errs.ErrSignerBackend)
		}
		if err := p.rpc.SendRawTransaction(ctx, signResult.SignedTx, rpc.DefaultOptions(3)); err != nil {
			return Result{}, fmt.Errorf("%w: submitting transaction: %v", errs.ErrContractCall, err)
		}
		attempts := opts.ReceiptAttempts
		if attempts <= 0 {
			attempts = 30
		}
		receipt, err = p.rpc.GetTransactionReceipt(ctx, signResult.SignedTx.Hash(), rpc.DefaultOptions(attempts))
		if err != nil {
			return Result{}, err
		}
	} else if receipt == nil {
		return Result{}, fmt.Errorf("%w: auto-send signer returned no receipt", errs.ErrSignerBackend)
	}

	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return Result{}, fmt.Errorf("%w: tx %s reverted", errs.ErrContractCall, receipt.TxHash)
	}

	ethSpent := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	return Result{Receipt: receipt, GasSpent: receipt.GasUsed, EthSpent: ethSpent}, nil
}

// applyPowIfUnderfunded handles the underfunded S-chain case: on an S-chain
// destination, if the sending account's balance cannot cover
// gasPrice*gasLimit, ask the PoW sidecar for a satisfying gas price
// instead. Balance lookup failures are non-fatal here; the pipeline falls
// back to the policy-computed price and lets the later submit/dry-run
// steps surface the real problem.
func (p *Pipeline) applyPowIfUnderfunded(ctx context.Context, from common.Address, nonce, gasLimit uint64, gasPrice *big.Int) *big.Int {
	balance, err := p.rpc.GetBalance(ctx, from, rpc.DefaultOptions(3))
	if err != nil {
		p.logger.Warn("call pipeline: balance check failed, skipping PoW fallback", zap.Error(err))
		return gasPrice
	}
	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if balance.Cmp(required) >= 0 {
		return gasPrice
	}
	powPrice, err := p.pow.ComputeGasPrice(ctx, from, nonce, gasLimit)
	if err != nil {
		p.logger.Warn("call pipeline: PoW gas price computation failed, keeping policy price", zap.Error(err))
		return gasPrice
	}
	p.logger.Info("call pipeline: underfunded account, using PoW-derived gas price", zap.String("from", from.Hex()))
	return powPrice
}
