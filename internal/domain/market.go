package domain

import (
	"math/big"
	"sort"
	"time"
)

// Pair is an asset pair; prices are quoted in Quote per unit of Base.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// MaxQuoteSkew bounds how far a quote timestamp may run ahead of the local
// clock. A quote dated further in the future is invalid.
const MaxQuoteSkew = 2 * time.Second

// Quote is an immutable venue observation. A newer quote for the same
// venue+pair key supersedes it.
type Quote struct {
	Venue      string
	Pair       Pair
	Bid        float64 // 0 when the bid side is missing
	Ask        float64 // 0 when the ask side is missing
	Liquidity  float64 // available depth in base units
	ObservedAt time.Time
}

// Key identifies the venue+pair slot this quote occupies in the cache.
func (q Quote) Key() string { return q.Venue + "|" + q.Pair.String() }

// HasBothSides reports whether the quote is usable for two-sided pricing.
func (q Quote) HasBothSides() bool { return q.Bid > 0 && q.Ask > 0 && q.Liquidity > 0 }

// Mid returns the mid price, or 0 when a side is missing.
func (q Quote) Mid() float64 {
	if !q.HasBothSides() {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// LiquidatablePosition is an under-collateralized lending position observed
// on a protocol.
type LiquidatablePosition struct {
	Protocol         string
	Borrower         string
	CollateralAsset  string
	DebtAsset        string
	CollateralAmount float64
	DebtAmount       float64
	HealthFactor     float64
	LiquidationBonus float64 // e.g. 0.05 for a 5% bonus on seized collateral
	CloseFactor      float64 // fraction of debt repayable in one call
	ObservedAt       time.Time
}

// PendingTx is a mempool observation.
type PendingTx struct {
	Hash       string
	From       string
	To         string
	Target     string // borrower targeted by a pending liquidation, if decoded
	GasTipWei  *big.Int
	ObservedAt time.Time
}

// MarketSnapshot is a read-only view of the market state cache. Snapshots
// are never mutated after publication; the cache swaps in a new one on every
// update.
type MarketSnapshot struct {
	Version     uint64
	Quotes      map[string]Quote
	Positions   []LiquidatablePosition
	Pending     []PendingTx
	GasPriceWei *big.Int
	BlockNumber uint64
	UpdatedAt   time.Time
}

// NewestQuoteAt returns the observation time of the freshest quote.
func (s *MarketSnapshot) NewestQuoteAt() time.Time {
	var newest time.Time
	if s == nil {
		return newest
	}
	for _, q := range s.Quotes {
		if q.ObservedAt.After(newest) {
			newest = q.ObservedAt
		}
	}
	return newest
}

// Quote looks up a single venue+pair quote.
func (s *MarketSnapshot) Quote(venue string, pair Pair) (Quote, bool) {
	if s == nil {
		return Quote{}, false
	}
	q, ok := s.Quotes[Quote{Venue: venue, Pair: pair}.Key()]
	return q, ok
}

// QuotesByPair groups two-sided quotes by pair. Quotes within a pair are
// sorted by venue so scans are deterministic.
func (s *MarketSnapshot) QuotesByPair() map[Pair][]Quote {
	out := make(map[Pair][]Quote)
	if s == nil {
		return out
	}
	for _, q := range s.Quotes {
		if !q.HasBothSides() {
			continue
		}
		out[q.Pair] = append(out[q.Pair], q)
	}
	for p := range out {
		qs := out[p]
		sort.Slice(qs, func(i, j int) bool { return qs[i].Venue < qs[j].Venue })
	}
	return out
}

// BestBid returns the two-sided quote with the highest bid for pair.
func (s *MarketSnapshot) BestBid(pair Pair) (Quote, bool) {
	var best Quote
	found := false
	for _, q := range s.QuotesByPair()[pair] {
		if !found || q.Bid > best.Bid {
			best, found = q, true
		}
	}
	return best, found
}

// PendingTarget reports whether a pending transaction already targets the
// given borrower.
func (s *MarketSnapshot) PendingTarget(borrower string) bool {
	if s == nil || borrower == "" {
		return false
	}
	for _, tx := range s.Pending {
		if tx.Target == borrower {
			return true
		}
	}
	return false
}
