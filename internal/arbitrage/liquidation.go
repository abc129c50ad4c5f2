package arbitrage

import (
	"math"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// LiquidationConfig configures the liquidation strategy.
type LiquidationConfig struct {
	MaxRepay      float64 // cap on debt repaid per opportunity, in debt units; 0 means no cap
	DepthFraction float64
	Gas           GasConfig
}

// Liquidation repays part of an unhealthy position's debt, seizes collateral
// at the protocol bonus and sells it on the venue with the best bid.
// Positions already targeted by a pending transaction are skipped.
type Liquidation struct {
	cfg LiquidationConfig
}

// NewLiquidation creates a liquidation strategy.
func NewLiquidation(cfg LiquidationConfig) *Liquidation {
	return &Liquidation{cfg: cfg}
}

// Kind returns the strategy identifier.
func (l *Liquidation) Kind() domain.StrategyKind { return domain.StrategyLiquidation }

// EvaluatePaths returns one candidate per liquidatable position.
func (l *Liquidation) EvaluatePaths(snap *domain.MarketSnapshot) []domain.Opportunity {
	var out []domain.Opportunity
	for _, p := range snap.Positions {
		if p.HealthFactor >= 1 || p.DebtAmount <= 0 || p.CollateralAmount <= 0 {
			continue
		}
		if snap.PendingTarget(p.Borrower) {
			continue
		}
		pair := domain.Pair{Base: p.CollateralAsset, Quote: p.DebtAsset}
		exit, ok := snap.BestBid(pair)
		if !ok {
			continue
		}

		closeFactor := p.CloseFactor
		if closeFactor <= 0 || closeFactor > 1 {
			closeFactor = 1
		}
		repay := p.DebtAmount * closeFactor
		if l.cfg.MaxRepay > 0 {
			repay = math.Min(repay, l.cfg.MaxRepay)
		}
		seized := math.Min(repay/exit.Bid*(1+p.LiquidationBonus), p.CollateralAmount)
		if l.cfg.DepthFraction > 0 && seized > l.cfg.DepthFraction*exit.Liquidity {
			seized = l.cfg.DepthFraction * exit.Liquidity
			repay = seized * exit.Bid / (1 + p.LiquidationBonus)
		}
		gross := seized*exit.Bid - repay
		if seized <= 0 || gross <= 0 {
			continue
		}

		out = append(out, domain.Opportunity{
			Strategy:    domain.StrategyLiquidation,
			ProfitAsset: p.DebtAsset,
			Legs: []domain.Leg{
				{Venue: p.Protocol, Pair: pair, Direction: domain.DirectionLiquidate, Amount: seized, Price: repay / seized, Liquidity: p.CollateralAmount, Borrower: p.Borrower},
				{Venue: exit.Venue, Pair: pair, Direction: domain.DirectionSell, Amount: seized, Price: exit.Bid, Liquidity: exit.Liquidity},
			},
			GrossProfit: gross,
			Notional:    repay,
			GasUnits:    l.cfg.Gas.LiquidationGas + l.cfg.Gas.SwapGas,
		})
	}
	return out
}
