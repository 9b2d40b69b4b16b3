package pipeline

import "math/big"

// GateConfig carries the profit-gate thresholds. All amounts are wei.
type GateConfig struct {
	MinProfitWei      *big.Int
	MinROIBps         int64
	MaxFeePerGas      *big.Int
	MaxPriorityFeeGas *big.Int
	FlashLoanUsed     bool
	FlashPremiumBps   int64
	TipWei            *big.Int
}

// GateResult is one profit evaluation.
type GateResult struct {
	Profit *big.Int
	ROIBps *big.Int
	Pass   bool
}

// ProfitGate decides whether a candidate clears the configured floor.
// Arithmetic is arbitrary precision throughout; the only division is the
// integer ROI derivation.
type ProfitGate struct {
	cfg GateConfig
}

// NewProfitGate builds a gate, treating nil amounts as zero.
func NewProfitGate(cfg GateConfig) *ProfitGate {
	if cfg.MinProfitWei == nil {
		cfg.MinProfitWei = new(big.Int)
	}
	if cfg.MaxFeePerGas == nil {
		cfg.MaxFeePerGas = new(big.Int)
	}
	if cfg.MaxPriorityFeeGas == nil {
		cfg.MaxPriorityFeeGas = new(big.Int)
	}
	if cfg.TipWei == nil {
		cfg.TipWei = new(big.Int)
	}
	return &ProfitGate{cfg: cfg}
}

// Evaluate computes
//
//	profit  = expectedOut - amountIn - gasCost - flashPremium - tip
//	gasCost = gasEstimate * (maxFeePerGas + maxPriorityFeePerGas)
//	roiBps  = profit * 10000 / amountIn    (0 when amountIn is 0)
//
// and fails the gate when profit <= minProfitWei or roiBps < minRoiBps.
// The profit floor is non-strict: profit exactly equal to the minimum
// fails.
func (g *ProfitGate) Evaluate(amountIn, expectedOut, gasEstimate *big.Int) GateResult {
	gasPrice := new(big.Int).Add(g.cfg.MaxFeePerGas, g.cfg.MaxPriorityFeeGas)
	gasCost := new(big.Int).Mul(gasEstimate, gasPrice)

	flashPremium := new(big.Int)
	if g.cfg.FlashLoanUsed {
		flashPremium.Mul(amountIn, big.NewInt(g.cfg.FlashPremiumBps))
		flashPremium.Quo(flashPremium, big.NewInt(10000))
	}

	profit := new(big.Int).Sub(expectedOut, amountIn)
	profit.Sub(profit, gasCost)
	profit.Sub(profit, flashPremium)
	profit.Sub(profit, g.cfg.TipWei)

	roi := new(big.Int)
	if amountIn.Sign() > 0 {
		roi.Mul(profit, big.NewInt(10000))
		roi.Quo(roi, amountIn)
	}

	pass := profit.Cmp(g.cfg.MinProfitWei) > 0 && roi.Cmp(big.NewInt(g.cfg.MinROIBps)) >= 0
	return GateResult{Profit: profit, ROIBps: roi, Pass: pass}
}

// MinProfit exposes the configured floor for audit lines.
func (g *ProfitGate) MinProfit() *big.Int { return g.cfg.MinProfitWei }

// MinROI exposes the configured ROI floor for audit lines.
func (g *ProfitGate) MinROI() int64 { return g.cfg.MinROIBps }
