// Package arbitrage provides the detection strategies (cross-venue,
// triangular, liquidation) and the scanner that composes them over a market
// snapshot.
package arbitrage

import (
	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Strategy evaluates candidate paths over a market snapshot. Implementations
// are pure: they read the snapshot and return unranked candidates with legs,
// gross profit, notional and gas units filled in. The scanner assigns IDs and
// cost estimates.
type Strategy interface {
	Kind() domain.StrategyKind
	EvaluatePaths(snap *domain.MarketSnapshot) []domain.Opportunity
}

// CostModel fills gas, slippage and fee estimates on a candidate.
type CostModel interface {
	Estimate(opp domain.Opportunity) domain.Opportunity
}

// GasConfig holds per-operation gas estimates used before simulation.
type GasConfig struct {
	SwapGas        uint64
	LiquidationGas uint64
}

// DefaultGasConfig returns conservative mainnet estimates.
func DefaultGasConfig() GasConfig {
	return GasConfig{SwapGas: 150_000, LiquidationGas: 450_000}
}
