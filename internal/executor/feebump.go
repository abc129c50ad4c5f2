package executor

import (
	"math/big"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// FeeBumpPolicy picks the fee fields for a submission attempt. prev is nil on
// the first attempt; suggested is the oracle's current suggestion.
type FeeBumpPolicy interface {
	Next(prev *domain.Fees, suggested domain.Fees, attempt int) domain.Fees
}

// DefaultBumpFactor is the per-attempt multiplier of MultiplicativeBump.
const DefaultBumpFactor = 1.25

// MultiplicativeBump raises both fee fields by Factor over the previous
// attempt, compounding, and never goes below the oracle suggestion.
type MultiplicativeBump struct {
	Factor float64
}

// Next implements FeeBumpPolicy.
func (b MultiplicativeBump) Next(prev *domain.Fees, suggested domain.Fees, _ int) domain.Fees {
	if prev == nil {
		return copyFees(suggested)
	}
	factor := b.Factor
	if factor <= 1 {
		factor = DefaultBumpFactor
	}
	return domain.Fees{
		MaxFeePerGas:         maxInt(scale(prev.MaxFeePerGas, factor), suggested.MaxFeePerGas),
		MaxPriorityFeePerGas: maxInt(scale(prev.MaxPriorityFeePerGas, factor), suggested.MaxPriorityFeePerGas),
	}
}

// clampFees caps the fee cap at ceiling and keeps the tip at or below the
// fee cap. A nil ceiling leaves fees unchanged.
func clampFees(f domain.Fees, ceiling *big.Int) domain.Fees {
	out := copyFees(f)
	if ceiling != nil && out.MaxFeePerGas.Cmp(ceiling) > 0 {
		out.MaxFeePerGas = new(big.Int).Set(ceiling)
	}
	if out.MaxPriorityFeePerGas.Cmp(out.MaxFeePerGas) > 0 {
		out.MaxPriorityFeePerGas = new(big.Int).Set(out.MaxFeePerGas)
	}
	return out
}

func scale(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	f := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

func maxInt(a, b *big.Int) *big.Int {
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return new(big.Int).Set(b)
}

func copyFees(f domain.Fees) domain.Fees {
	out := domain.Fees{MaxFeePerGas: new(big.Int), MaxPriorityFeePerGas: new(big.Int)}
	if f.MaxFeePerGas != nil {
		out.MaxFeePerGas.Set(f.MaxFeePerGas)
	}
	if f.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas.Set(f.MaxPriorityFeePerGas)
	}
	return out
}
