package arbitrage

import (
	"cmp"
	"iter"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// ScannerConfig configures the scanner.
type ScannerConfig struct {
	FreshnessThreshold time.Duration
	// NativeAsset is the chain's gas token symbol (e.g. WETH). Its mid price
	// against an opportunity's profit asset converts gas cost.
	NativeAsset string
	// NativePriceFallback maps a profit asset to the native price used when no
	// quote for the native pair is cached.
	NativePriceFallback map[string]float64
	// RiskAsset denominates notional for the safety caps (e.g. USDC). A
	// candidate whose profit asset has no price in it is dropped.
	RiskAsset string
}

// Scanner composes strategy outputs into one ranked, deduplicated candidate
// sequence per scan cycle.
type Scanner struct {
	strategies []Strategy
	costs      CostModel
	cfg        ScannerConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewScanner creates a scanner over the given strategies. costs may be nil,
// in which case candidates are ranked by gross profit less nothing.
func NewScanner(strategies []Strategy, costs CostModel, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		strategies: strategies,
		costs:      costs,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "scanner")),
	}
}

// Scan returns candidates ranked by estimated net profit, highest first.
// Only one candidate per asset path survives: the most profitable variant.
// The whole cycle fails with *domain.StaleDataError when the freshest quote
// is older than the freshness threshold or dated beyond domain.MaxQuoteSkew
// in the future.
func (s *Scanner) Scan(snap *domain.MarketSnapshot) (iter.Seq[domain.Opportunity], error) {
	if err := s.checkFresh(snap); err != nil {
		return nil, err
	}

	pairs := snap.QuotesByPair()
	best := make(map[string]domain.Opportunity)
	for _, strat := range s.strategies {
		for _, opp := range strat.EvaluatePaths(snap) {
			opp, ok := s.enrich(snap, pairs, opp)
			if !ok {
				s.logger.Debug("no risk asset price, candidate dropped",
					slog.String("strategy", string(opp.Strategy)),
					slog.String("profit_asset", opp.ProfitAsset),
					slog.String("risk_asset", s.cfg.RiskAsset),
				)
				continue
			}
			key := opp.PathKey()
			if prev, ok := best[key]; ok && prev.EstimatedNet() >= opp.EstimatedNet() {
				continue
			}
			best[key] = opp
		}
	}

	ranked := make([]domain.Opportunity, 0, len(best))
	for _, opp := range best {
		ranked = append(ranked, opp)
	}
	slices.SortFunc(ranked, func(a, b domain.Opportunity) int {
		if c := cmp.Compare(b.EstimatedNet(), a.EstimatedNet()); c != 0 {
			return c
		}
		return cmp.Compare(a.PathKey(), b.PathKey())
	})

	s.logger.Debug("scan complete",
		slog.Uint64("snapshot_version", snap.Version),
		slog.Int("candidates", len(ranked)),
	)

	discovered := s.now()
	return func(yield func(domain.Opportunity) bool) {
		for _, opp := range ranked {
			opp.ID = uuid.NewString()
			opp.DiscoveredAt = discovered
			if !yield(opp) {
				return
			}
		}
	}, nil
}

func (s *Scanner) checkFresh(snap *domain.MarketSnapshot) error {
	newest := snap.NewestQuoteAt()
	if newest.IsZero() {
		return &domain.StaleDataError{Threshold: s.cfg.FreshnessThreshold}
	}
	age := s.now().Sub(newest)
	if age < -domain.MaxQuoteSkew {
		return &domain.StaleDataError{Newest: newest, Age: age, Threshold: s.cfg.FreshnessThreshold}
	}
	if s.cfg.FreshnessThreshold > 0 && age > s.cfg.FreshnessThreshold {
		return &domain.StaleDataError{Newest: newest, Age: age, Threshold: s.cfg.FreshnessThreshold}
	}
	return nil
}

// enrich stamps chain context onto a raw strategy candidate, converts its
// notional into the risk asset and applies the cost model. It reports false
// when the profit asset cannot be priced in the risk asset.
func (s *Scanner) enrich(snap *domain.MarketSnapshot, pairs map[domain.Pair][]domain.Quote, opp domain.Opportunity) (domain.Opportunity, bool) {
	price, ok := s.riskPrice(pairs, opp.ProfitAsset)
	if !ok {
		return opp, false
	}
	opp.RiskPrice = price
	opp.Notional *= price

	if snap.GasPriceWei != nil {
		opp.GasPriceWei = new(big.Int).Set(snap.GasPriceWei)
	}
	opp.TargetBlock = snap.BlockNumber + 1
	opp.NativePrice = s.nativePrice(pairs, opp.ProfitAsset)
	if s.costs != nil {
		opp = s.costs.Estimate(opp)
	}
	return opp, true
}

// riskPrice returns the price of asset in the risk asset from the mid of
// either the direct or the inverse pair, averaged over venues.
func (s *Scanner) riskPrice(pairs map[domain.Pair][]domain.Quote, asset string) (float64, bool) {
	if asset == s.cfg.RiskAsset {
		return 1, true
	}
	if mid, ok := averageMid(pairs[domain.Pair{Base: asset, Quote: s.cfg.RiskAsset}]); ok {
		return mid, true
	}
	if mid, ok := averageMid(pairs[domain.Pair{Base: s.cfg.RiskAsset, Quote: asset}]); ok {
		return 1 / mid, true
	}
	return 0, false
}

func averageMid(quotes []domain.Quote) (float64, bool) {
	var sum float64
	var n int
	for _, q := range quotes {
		if mid := q.Mid(); mid > 0 {
			sum += mid
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// nativePrice returns the price of the native asset in the given asset,
// averaged over every venue quoting the pair.
func (s *Scanner) nativePrice(pairs map[domain.Pair][]domain.Quote, asset string) float64 {
	if asset == s.cfg.NativeAsset {
		return 1
	}
	if mid, ok := averageMid(pairs[domain.Pair{Base: s.cfg.NativeAsset, Quote: asset}]); ok {
		return mid
	}
	return s.cfg.NativePriceFallback[asset]
}
