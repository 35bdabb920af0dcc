package direction

import (
	"time"

	"github.com/streaming-dev/ima-agent/internal/batch"
	"github.com/streaming-dev/ima-agent/internal/config"
	"github.com/streaming-dev/ima-agent/internal/gaspolicy"
	"github.com/streaming-dev/ima-agent/internal/scanner"
)

// ConfigFromOptions maps the process-level direction options onto
// one direction loop's Config. The gas policy starts from the destination
// chain's defaults and is overridden only by knobs the operator actually
// set, so an untouched config file yields default behavior.
func ConfigFromOptions(opts config.DirectionOptions, destIsMainnet bool, srcName, dstName string) Config {
	policy := gaspolicy.DefaultPolicy(destIsMainnet)
	if opts.PriceMultiplier > 0 {
		policy.PriceMultiplier = opts.PriceMultiplier
	}
	if opts.GasMultiplier > 0 {
		policy.LimitMultiplier = opts.GasMultiplier
	}
	policy.MaxGasPrice = opts.MaxGasPriceWei()

	scnOpts := scanner.DefaultOptions()
	if opts.CountOfBlocksInIterativeStep > 0 {
		scnOpts.WindowSize = opts.CountOfBlocksInIterativeStep
	}
	if opts.MaxIterationsInAllRange > 0 {
		scnOpts.MaxWindows = opts.MaxIterationsInAllRange
	}
	scnOpts.ProgressiveEventsScan = opts.ProgressiveEventsScan

	batchOpts := batch.DefaultOptions()
	if opts.TransactionsPerBlock > 0 {
		batchOpts.BlockSize = opts.TransactionsPerBlock
	}
	batchOpts.BlockAwaitDepth = opts.BlockAwaitDepth
	batchOpts.BlockAge = time.Duration(opts.BlockAge) * time.Second
	batchOpts.SleepBeforeFetch = time.Duration(opts.SleepBeforeFetchOutgoingMessageEventMs) * time.Millisecond
	batchOpts.ScannerOptions = scnOpts

	return Config{
		TransferSteps:            opts.TransferSteps,
		MaxTransactionsCount:     opts.MaxTransactionsCount,
		SleepBetweenTxOnSChain:   time.Duration(opts.SleepBetweenTxOnSChainMs) * time.Millisecond,
		WaitForNextBlockOnSChain: opts.WaitForNextBlockOnSChain,
		BatchOptions:             batchOpts,
		GasPolicy:                policy,
		DestinationIsMainnet:     destIsMainnet,
		SourceChainName:          srcName,
		DestChainName:            dstName,
	}
}
