package arbitrage

import (
	"math"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// CrossVenueConfig configures the cross-venue strategy.
type CrossVenueConfig struct {
	MaxTradeSize  float64 // base units per opportunity
	DepthFraction float64 // size never exceeds this fraction of either venue's depth
	MinSpreadBps  float64
	Gas           GasConfig
}

// CrossVenue buys a pair on the venue with the lowest ask and sells it on a
// venue with a higher bid. Every profitable venue combination is emitted; the
// scanner keeps the best one per pair.
type CrossVenue struct {
	cfg CrossVenueConfig
}

// NewCrossVenue creates a cross-venue strategy.
func NewCrossVenue(cfg CrossVenueConfig) *CrossVenue {
	return &CrossVenue{cfg: cfg}
}

// Kind returns the strategy identifier.
func (c *CrossVenue) Kind() domain.StrategyKind { return domain.StrategyCrossVenue }

// EvaluatePaths returns one candidate per (buy venue, sell venue) combination
// whose bid exceeds the ask by at least MinSpreadBps.
func (c *CrossVenue) EvaluatePaths(snap *domain.MarketSnapshot) []domain.Opportunity {
	var out []domain.Opportunity
	for pair, quotes := range snap.QuotesByPair() {
		if len(quotes) < 2 {
			continue
		}
		for _, buy := range quotes {
			for _, sell := range quotes {
				if buy.Venue == sell.Venue || sell.Bid <= buy.Ask {
					continue
				}
				spreadBps := (sell.Bid - buy.Ask) / buy.Ask * 10000
				if spreadBps < c.cfg.MinSpreadBps {
					continue
				}
				amount := c.size(buy, sell)
				if amount <= 0 {
					continue
				}
				out = append(out, domain.Opportunity{
					Strategy:    domain.StrategyCrossVenue,
					ProfitAsset: pair.Quote,
					Legs: []domain.Leg{
						{Venue: buy.Venue, Pair: pair, Direction: domain.DirectionBuy, Amount: amount, Price: buy.Ask, Liquidity: buy.Liquidity},
						{Venue: sell.Venue, Pair: pair, Direction: domain.DirectionSell, Amount: amount, Price: sell.Bid, Liquidity: sell.Liquidity},
					},
					GrossProfit: amount * (sell.Bid - buy.Ask),
					Notional:    amount * buy.Ask,
					GasUnits:    2 * c.cfg.Gas.SwapGas,
				})
			}
		}
	}
	return out
}

func (c *CrossVenue) size(buy, sell domain.Quote) float64 {
	amount := c.cfg.MaxTradeSize
	if c.cfg.DepthFraction > 0 {
		amount = math.Min(amount, c.cfg.DepthFraction*buy.Liquidity)
		amount = math.Min(amount, c.cfg.DepthFraction*sell.Liquidity)
	}
	return amount
}
