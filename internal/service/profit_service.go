package service

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// EvaluatorConfig holds the tunable parameters of the profitability model.
type EvaluatorConfig struct {
	MinMargin        float64            // minimum net profit, in the risk asset
	MaxDepthFraction float64            // a leg may use at most this fraction of venue depth
	SlippageCoeff    float64            // slippage = notional × coeff × amount / liquidity
	VenueFeeBps      map[string]float64 // per-venue fee on leg notional
	DefaultFeeBps    float64
}

// Evaluator scores opportunities against gas, slippage and fees. It performs
// no I/O.
type Evaluator struct {
	cfg    EvaluatorConfig
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg EvaluatorConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evaluator")),
	}
}

var weiPerEther = new(big.Float).SetFloat64(1e18)

// Estimate fills the cost fields and net profit. The net is computed as:
//
//	net = gross - gas - slippage - fees
func (e *Evaluator) Estimate(opp domain.Opportunity) domain.Opportunity {
	opp.GasCost = e.gasCost(opp)
	opp.Slippage = 0
	opp.Fees = 0
	for _, leg := range opp.Legs {
		opp.Fees += leg.Notional() * e.feeBps(leg.Venue) / 10_000
		if leg.Direction == domain.DirectionLiquidate || leg.Liquidity <= 0 {
			continue
		}
		opp.Slippage += leg.Notional() * e.cfg.SlippageCoeff * leg.Amount / leg.Liquidity
	}
	opp.NetProfit = opp.GrossProfit - opp.GasCost - opp.Slippage - opp.Fees
	return opp
}

// Evaluate applies the model and returns the scored opportunity with ok set
// when every gate passes. A rejection is not an error.
//
// Gates (all must pass):
//  1. every venue leg stays within MaxDepthFraction of observed depth
//  2. net profit, priced in the risk asset, >= MinMargin
func (e *Evaluator) Evaluate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, bool) {
	opp = e.Estimate(opp)

	for i, leg := range opp.Legs {
		if leg.Direction == domain.DirectionLiquidate {
			continue
		}
		if leg.Liquidity <= 0 || leg.Amount > e.cfg.MaxDepthFraction*leg.Liquidity {
			e.logger.DebugContext(ctx, "leg exceeds depth fraction",
				slog.String("opp_id", opp.ID),
				slog.Int("leg", i),
				slog.String("venue", leg.Venue),
				slog.Float64("amount", leg.Amount),
				slog.Float64("liquidity", leg.Liquidity),
				slog.Float64("max_fraction", e.cfg.MaxDepthFraction),
			)
			return opp, false
		}
	}

	if net := opp.InRiskAsset(opp.NetProfit); net < e.cfg.MinMargin {
		e.logger.DebugContext(ctx, "net profit below minimum margin",
			slog.String("opp_id", opp.ID),
			slog.Float64("net_profit", opp.NetProfit),
			slog.Float64("net_risk", net),
			slog.Float64("min_margin", e.cfg.MinMargin),
		)
		return opp, false
	}

	e.logger.DebugContext(ctx, "opportunity passed evaluation",
		slog.String("opp_id", opp.ID),
		slog.String("strategy", string(opp.Strategy)),
		slog.Float64("gross", opp.GrossProfit),
		slog.Float64("gas", opp.GasCost),
		slog.Float64("slippage", opp.Slippage),
		slog.Float64("fees", opp.Fees),
		slog.Float64("net", opp.NetProfit),
	)
	return opp, true
}

// gasCost converts gas units at the discovery gas price into the profit
// asset via the native price.
func (e *Evaluator) gasCost(opp domain.Opportunity) float64 {
	if opp.GasPriceWei == nil || opp.GasUnits == 0 || opp.NativePrice == 0 {
		return 0
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(opp.GasUnits), opp.GasPriceWei)
	native, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return native * opp.NativePrice
}

func (e *Evaluator) feeBps(venue string) float64 {
	if bps, ok := e.cfg.VenueFeeBps[venue]; ok {
		return bps
	}
	return e.cfg.DefaultFeeBps
}
