// Package market holds the in-process market state cache that the scanner
// reads. A single ingestion goroutine writes; any number of pipeline runs
// read an immutable snapshot.
package market

import (
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Cache publishes copy-on-write snapshots of the latest quotes, liquidatable
// positions, pending transactions and chain state.
type Cache struct {
	snap   atomic.Pointer[domain.MarketSnapshot]
	mu     sync.Mutex // serializes writers; readers never take it
	now    func() time.Time
	logger *slog.Logger
}

// NewCache returns a cache holding an empty snapshot.
func NewCache(logger *slog.Logger) *Cache {
	c := &Cache{
		now:    time.Now,
		logger: logger.With(slog.String("component", "market_cache")),
	}
	c.snap.Store(&domain.MarketSnapshot{Quotes: map[string]domain.Quote{}})
	return c
}

// Snapshot returns the current immutable snapshot. Callers must not modify it.
func (c *Cache) Snapshot() *domain.MarketSnapshot {
	return c.snap.Load()
}

// UpsertQuote replaces the quote for the quote's venue+pair key. Quotes older
// than the one already held are ignored, as are quotes dated more than
// domain.MaxQuoteSkew ahead of the local clock.
func (c *Cache) UpsertQuote(q domain.Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := c.now(); q.ObservedAt.After(now.Add(domain.MaxQuoteSkew)) {
		c.logger.Warn("future dated quote dropped",
			slog.String("key", q.Key()),
			slog.Time("observed_at", q.ObservedAt),
			slog.Time("now", now),
		)
		return false
	}

	cur := c.snap.Load()
	if prev, ok := cur.Quotes[q.Key()]; ok && prev.ObservedAt.After(q.ObservedAt) {
		c.logger.Debug("out of order quote dropped",
			slog.String("key", q.Key()),
			slog.Time("held", prev.ObservedAt),
			slog.Time("incoming", q.ObservedAt),
		)
		return false
	}
	next := c.clone(cur)
	next.Quotes[q.Key()] = q
	c.publish(next)
	return true
}

// SetPositions replaces the set of liquidatable positions.
func (c *Cache) SetPositions(positions []domain.LiquidatablePosition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone(c.snap.Load())
	next.Positions = append([]domain.LiquidatablePosition(nil), positions...)
	c.publish(next)
}

// SetPending replaces the pending-transaction observations.
func (c *Cache) SetPending(pending []domain.PendingTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone(c.snap.Load())
	next.Pending = append([]domain.PendingTx(nil), pending...)
	c.publish(next)
}

// SetChainState records the latest gas price and block height.
func (c *Cache) SetChainState(gasPriceWei *big.Int, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone(c.snap.Load())
	if gasPriceWei != nil {
		next.GasPriceWei = new(big.Int).Set(gasPriceWei)
	}
	if block > next.BlockNumber {
		next.BlockNumber = block
	}
	c.publish(next)
}

func (c *Cache) clone(cur *domain.MarketSnapshot) *domain.MarketSnapshot {
	next := &domain.MarketSnapshot{
		Version:     cur.Version,
		Quotes:      make(map[string]domain.Quote, len(cur.Quotes)+1),
		Positions:   cur.Positions,
		Pending:     cur.Pending,
		GasPriceWei: cur.GasPriceWei,
		BlockNumber: cur.BlockNumber,
	}
	for k, v := range cur.Quotes {
		next.Quotes[k] = v
	}
	return next
}

func (c *Cache) publish(next *domain.MarketSnapshot) {
	next.Version++
	next.UpdatedAt = c.now()
	c.snap.Store(next)
}
