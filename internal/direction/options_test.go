package direction

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streaming-dev/ima-agent/internal/config"
)

func TestConfigFromOptionsMapsEveryKnob(t *testing.T) {
	opts := config.DirectionOptions{
		TransactionsPerBlock:                   3,
		TransferSteps:                          7,
		MaxTransactionsCount:                   21,
		BlockAwaitDepth:                        6,
		BlockAge:                               30,
		SleepBetweenTxOnSChainMs:               250,
		WaitForNextBlockOnSChain:               true,
		ProgressiveEventsScan:                  true,
		CountOfBlocksInIterativeStep:           500,
		MaxIterationsInAllRange:                100,
		SleepBeforeFetchOutgoingMessageEventMs: 5000,
		PriceMultiplier:                        1.5,
		GasMultiplier:                          1.2,
		MaxGasPrice:                            "90000000000",
	}

	cfg := ConfigFromOptions(opts, true, "schain1", "Mainnet")

	require.Equal(t, 7, cfg.TransferSteps)
	require.Equal(t, 21, cfg.MaxTransactionsCount)
	require.Equal(t, 250*time.Millisecond, cfg.SleepBetweenTxOnSChain)
	require.True(t, cfg.WaitForNextBlockOnSChain)
	require.True(t, cfg.DestinationIsMainnet)
	require.Equal(t, "schain1", cfg.SourceChainName)
	require.Equal(t, "Mainnet", cfg.DestChainName)

	require.Equal(t, 3, cfg.BatchOptions.BlockSize)
	require.Equal(t, uint64(6), cfg.BatchOptions.BlockAwaitDepth)
	require.Equal(t, 30*time.Second, cfg.BatchOptions.BlockAge)
	require.Equal(t, 5*time.Second, cfg.BatchOptions.SleepBeforeFetch)
	require.Equal(t, uint64(500), cfg.BatchOptions.ScannerOptions.WindowSize)
	require.Equal(t, uint64(100), cfg.BatchOptions.ScannerOptions.MaxWindows)
	require.True(t, cfg.BatchOptions.ScannerOptions.ProgressiveEventsScan)

	require.Equal(t, 1.5, cfg.GasPolicy.PriceMultiplier)
	require.Equal(t, 1.2, cfg.GasPolicy.LimitMultiplier)
	require.Equal(t, big.NewInt(90_000_000_000), cfg.GasPolicy.MaxGasPrice)
}

func TestConfigFromOptionsKeepsChainDefaultsWhenUnset(t *testing.T) {
	cfg := ConfigFromOptions(config.DirectionOptions{}, true, "schain1", "Mainnet")
	require.Equal(t, 1.25, cfg.GasPolicy.PriceMultiplier)
	require.Equal(t, 5, cfg.BatchOptions.BlockSize)
	require.Equal(t, uint64(1000), cfg.BatchOptions.ScannerOptions.WindowSize)

	cfg = ConfigFromOptions(config.DirectionOptions{}, false, "Mainnet", "schain1")
	require.Equal(t, 1.0, cfg.GasPolicy.PriceMultiplier)
}
