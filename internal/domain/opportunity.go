package domain

import (
	"math/big"
	"strings"
	"time"
)

// StrategyKind tags which detection strategy produced an opportunity.
type StrategyKind string

const (
	StrategyCrossVenue  StrategyKind = "cross_venue"
	StrategyTriangular  StrategyKind = "triangular"
	StrategyLiquidation StrategyKind = "liquidation"
)

// Opportunity is a candidate trade path. It is created by the scanner,
// passed by value through one pipeline run and then discarded.
//
// All profit fields are denominated in ProfitAsset. Notional is denominated
// in the configured risk asset so caps compare across strategies.
type Opportunity struct {
	ID          string
	Strategy    StrategyKind
	Legs        []Leg
	ProfitAsset string

	GrossProfit float64
	GasCost     float64
	Slippage    float64
	Fees        float64
	NetProfit   float64

	Notional     float64  // capital committed in the risk asset, counted against caps
	RiskPrice    float64  // ProfitAsset price in the risk asset at discovery
	GasUnits     uint64   // scanner estimate, refined by simulation
	GasPriceWei  *big.Int // network gas price at discovery
	NativePrice  float64  // native asset price in ProfitAsset at discovery
	TargetBlock  uint64
	DiscoveredAt time.Time
}

// EstimatedNet is the scanner's ranking key before evaluation fills in
// slippage and fees.
func (o Opportunity) EstimatedNet() float64 {
	return o.GrossProfit - o.GasCost - o.Slippage - o.Fees
}

// InRiskAsset converts an amount of ProfitAsset into the risk asset. An
// opportunity without a conversion price is worth nothing.
func (o Opportunity) InRiskAsset(amount float64) float64 {
	return amount * o.RiskPrice
}

// PathKey identifies the underlying asset path irrespective of venue, so
// variants of the same path found on different venues collapse together.
func (o Opportunity) PathKey() string {
	parts := make([]string, 0, len(o.Legs)+1)
	parts = append(parts, string(o.Strategy))
	for _, l := range o.Legs {
		tok := l.pathToken()
		if l.Borrower != "" {
			tok += "@" + l.Borrower
		}
		parts = append(parts, tok)
	}
	return strings.Join(parts, ">")
}
