package arbitrage

import (
	"sort"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// TriangularConfig configures the triangular strategy.
type TriangularConfig struct {
	StartAssets   []string // cycles begin and end in one of these assets
	StartAmount   float64  // amount of the start asset put through each cycle
	DepthFraction float64
	Gas           GasConfig
}

// Triangular looks for three-hop cycles on a single venue that return more of
// the start asset than they consume.
type Triangular struct {
	cfg TriangularConfig
}

// NewTriangular creates a triangular strategy.
func NewTriangular(cfg TriangularConfig) *Triangular {
	return &Triangular{cfg: cfg}
}

// Kind returns the strategy identifier.
func (t *Triangular) Kind() domain.StrategyKind { return domain.StrategyTriangular }

// hop is a directed conversion edge built from one quote.
type hop struct {
	from, to string
	quote    domain.Quote
	dir      domain.Direction
}

// convert returns the output of the hop and the leg that realizes it.
func (h hop) convert(in float64) (float64, domain.Leg) {
	leg := domain.Leg{Venue: h.quote.Venue, Pair: h.quote.Pair, Direction: h.dir, Liquidity: h.quote.Liquidity}
	if h.dir == domain.DirectionBuy {
		// spend quote asset, receive base
		leg.Price = h.quote.Ask
		leg.Amount = in / h.quote.Ask
		return leg.Amount, leg
	}
	leg.Price = h.quote.Bid
	leg.Amount = in
	return in * h.quote.Bid, leg
}

// EvaluatePaths enumerates start→a→b→start cycles per venue.
func (t *Triangular) EvaluatePaths(snap *domain.MarketSnapshot) []domain.Opportunity {
	if t.cfg.StartAmount <= 0 {
		return nil
	}
	var out []domain.Opportunity
	for _, graph := range t.graphs(snap) {
		for _, start := range t.cfg.StartAssets {
			for _, h1 := range graph[start] {
				for _, h2 := range graph[h1.to] {
					if h2.to == start {
						continue
					}
					for _, h3 := range graph[h2.to] {
						if h3.to != start {
							continue
						}
						if opp, ok := t.cycle(start, []hop{h1, h2, h3}); ok {
							out = append(out, opp)
						}
					}
				}
			}
		}
	}
	return out
}

func (t *Triangular) cycle(start string, hops []hop) (domain.Opportunity, bool) {
	amount := t.cfg.StartAmount
	legs := make([]domain.Leg, 0, len(hops))
	for _, h := range hops {
		var leg domain.Leg
		amount, leg = h.convert(amount)
		if t.cfg.DepthFraction > 0 && leg.Amount > t.cfg.DepthFraction*leg.Liquidity {
			return domain.Opportunity{}, false
		}
		legs = append(legs, leg)
	}
	gross := amount - t.cfg.StartAmount
	if gross <= 0 {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		Strategy:    domain.StrategyTriangular,
		ProfitAsset: start,
		Legs:        legs,
		GrossProfit: gross,
		Notional:    t.cfg.StartAmount,
		GasUnits:    uint64(len(hops)) * t.cfg.Gas.SwapGas,
	}, true
}

// graphs builds one adjacency list per venue from its two-sided quotes.
func (t *Triangular) graphs(snap *domain.MarketSnapshot) map[string]map[string][]hop {
	out := make(map[string]map[string][]hop)
	for _, quotes := range snap.QuotesByPair() {
		for _, q := range quotes {
			g, ok := out[q.Venue]
			if !ok {
				g = make(map[string][]hop)
				out[q.Venue] = g
			}
			g[q.Pair.Quote] = append(g[q.Pair.Quote], hop{from: q.Pair.Quote, to: q.Pair.Base, quote: q, dir: domain.DirectionBuy})
			g[q.Pair.Base] = append(g[q.Pair.Base], hop{from: q.Pair.Base, to: q.Pair.Quote, quote: q, dir: domain.DirectionSell})
		}
	}
	for _, g := range out {
		for asset := range g {
			hs := g[asset]
			sort.Slice(hs, func(i, j int) bool { return hs[i].to < hs[j].to })
		}
	}
	return out
}
