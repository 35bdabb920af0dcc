// Package gaspolicy computes gas price clamping/multiplying
// and gas limit flooring for a pending call.
package gaspolicy

import "math/big"

const (
	// MinGasPriceFloor is the minimum gas price floor used when the node
	// reports 0.
	MinGasPriceFloor = 1_000_000_000 // 1 gwei

	// DefaultMaxGasPrice is the ceiling default.
	DefaultMaxGasPrice = 200_000_000_000

	// DefaultPriceMultiplierMainnet is applied on mainnet.
	DefaultPriceMultiplierMainnet = 1.25
	// DefaultPriceMultiplierSChain is applied on S-chains.
	DefaultPriceMultiplierSChain = 1.0

	// DefaultPerMessageGas and DefaultOverhead ground the S→M
	// postIncomingMessages expected-floor calculation.
	DefaultPerMessageGas = 1_000_000
	DefaultOverhead      = 200_000
)

// Policy carries the per-direction gas knobs.
type Policy struct {
	PriceMultiplier  float64
	MaxGasPrice      *big.Int
	LimitMultiplier  float64
	RecommendedFloor uint64

	// PerMessageGas/Overhead are only consulted by ExpectedFloor, used for
	// S→M's postIncomingMessages gas-limit floor.
	PerMessageGas uint64
	Overhead      uint64
}

// DefaultPolicy returns a Policy with standard values for the chain the
// call will be submitted to.
func DefaultPolicy(isMainnet bool) Policy {
	mult := DefaultPriceMultiplierSChain
	if isMainnet {
		mult = DefaultPriceMultiplierMainnet
	}
	return Policy{
		PriceMultiplier:  mult,
		MaxGasPrice:      big.NewInt(DefaultMaxGasPrice),
		LimitMultiplier:  1.0,
		RecommendedFloor: 0,
		PerMessageGas:    DefaultPerMessageGas,
		Overhead:         DefaultOverhead,
	}
}

// GasPrice computes gasPrice = clamp(rawGasPrice * priceMultiplier, 1e9,
// maxGasPrice). A node reporting 0 gets the 1 gwei floor before the
// multiplier is applied.
func (p Policy) GasPrice(rawGasPrice *big.Int) *big.Int {
	raw := new(big.Int).Set(rawGasPrice)
	if raw.Sign() == 0 {
		raw = big.NewInt(MinGasPriceFloor)
	}

	scaled := mulFloat(raw, p.PriceMultiplier)

	floor := big.NewInt(MinGasPriceFloor)
	if scaled.Cmp(floor) < 0 {
		scaled = floor
	}

	ceiling := p.MaxGasPrice
	if ceiling == nil {
		ceiling = big.NewInt(DefaultMaxGasPrice)
	}
	if scaled.Cmp(ceiling) > 0 {
		scaled = ceiling
	}
	return scaled
}

// GasLimit computes gasLimit = max(estimate * limitMultiplier,
// recommendedFloor).
func (p Policy) GasLimit(estimate uint64) uint64 {
	mult := p.LimitMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	scaled := uint64(float64(estimate) * mult)
	if scaled < p.RecommendedFloor {
		return p.RecommendedFloor
	}
	return scaled
}

// ExpectedFloor is the S→M postIncomingMessages expected gas-limit floor:
// perMessageGas*N + overhead.
func (p Policy) ExpectedFloor(numMessages int) uint64 {
	perMessageGas := p.PerMessageGas
	if perMessageGas == 0 {
		perMessageGas = DefaultPerMessageGas
	}
	overhead := p.Overhead
	if overhead == 0 {
		overhead = DefaultOverhead
	}
	return perMessageGas*uint64(numMessages) + overhead
}

func mulFloat(v *big.Int, mult float64) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(mult))
	out, _ := f.Int(nil)
	return out
}
