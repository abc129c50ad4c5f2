// Package safety implements the safety governor: capital caps, gas caps and
// the kill switch. It is the only writer of the risk ledger.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Check points reported in SafetyLimitBreach.Check.
const (
	CheckPre     = "precheck"
	CheckPostSim = "postsim"
	CheckFinal   = "final"
)

// Config configures the governor.
type Config struct {
	Limits   domain.SafetyLimits
	ResetUTC int // hour of day (UTC) at which the daily ledger resets
}

// Governor enforces safety limits at three check points per opportunity. All
// ledger mutations happen under mu; the kill switch is an atomic flag so hot
// paths can read it without the lock.
type Governor struct {
	cfg   Config
	store domain.LedgerStore // optional

	mu       sync.Mutex
	day      time.Time
	notional float64
	mismatch int64
	reverts  int64
	sims     int64

	mismatches  window
	revertsWin  window
	simulations window

	kill            atomic.Bool
	killReason      atomic.Value // string
	killRecommended atomic.Bool

	onKill  []func(reason string)
	onClear []func()
	now     func() time.Time
	logger  *slog.Logger
}

// NewGovernor creates a governor with an empty ledger for the current day.
func NewGovernor(cfg Config, store domain.LedgerStore, logger *slog.Logger) *Governor {
	g := &Governor{
		cfg:         cfg,
		store:       store,
		mismatches:  window{span: cfg.Limits.Window},
		revertsWin:  window{span: cfg.Limits.Window},
		simulations: window{span: cfg.Limits.Window},
		now:         time.Now,
		logger:      logger.With(slog.String("component", "safety_governor")),
	}
	g.killReason.Store("")
	g.day = g.dayOf(g.now())
	return g
}

// OnKill registers a callback invoked once each time the kill switch trips.
// Callbacks must not block.
func (g *Governor) OnKill(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onKill = append(g.onKill, fn)
}

// OnClear registers a callback invoked each time the kill switch is cleared.
func (g *Governor) OnClear(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onClear = append(g.onClear, fn)
}

// ---------------------------------------------------------------------------
// Kill switch
// ---------------------------------------------------------------------------

// KillSwitchActive reports whether new submissions are halted.
func (g *Governor) KillSwitchActive() bool { return g.kill.Load() }

// KillReason returns why the kill switch was tripped, if it is set.
func (g *Governor) KillReason() string { return g.killReason.Load().(string) }

// TripKillSwitch halts all new submissions. It is safe to call from any
// goroutine, including an external operator signal.
func (g *Governor) TripKillSwitch(reason string) {
	if !g.kill.CompareAndSwap(false, true) {
		return
	}
	g.killReason.Store(reason)
	g.logger.Error("kill switch tripped", slog.String("reason", reason))

	g.mu.Lock()
	callbacks := append([]func(string){}, g.onKill...)
	g.mu.Unlock()
	for _, fn := range callbacks {
		fn(reason)
	}
}

// ClearKillSwitch re-enables submissions. Only the operator path calls this.
func (g *Governor) ClearKillSwitch() {
	if g.kill.CompareAndSwap(true, false) {
		g.killReason.Store("")
		g.killRecommended.Store(false)
		g.logger.Warn("kill switch cleared")

		g.mu.Lock()
		callbacks := append([]func(){}, g.onClear...)
		g.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	}
}

// KillRecommended reports whether the simulation gate has asked for a kill.
func (g *Governor) KillRecommended() bool { return g.killRecommended.Load() }

// RecommendKill records a kill recommendation. It is honored immediately
// when the limits enable AutoKill.
func (g *Governor) RecommendKill(reason string) {
	g.killRecommended.Store(true)
	if g.cfg.Limits.AutoKill {
		g.TripKillSwitch(reason)
		return
	}
	g.logger.Warn("kill switch recommended but auto kill disabled", slog.String("reason", reason))
}

// ---------------------------------------------------------------------------
// Check points
// ---------------------------------------------------------------------------

// PreCheck runs after evaluation: per-trade cap and kill switch.
func (g *Governor) PreCheck(opp domain.Opportunity) error {
	if g.KillSwitchActive() {
		return domain.ErrKillSwitchActive
	}
	if limit := g.cfg.Limits.PerTradeCap; limit > 0 && opp.Notional > limit {
		return &domain.SafetyLimitBreach{Check: CheckPre, Limit: "per_trade_cap", Value: opp.Notional, Max: limit}
	}
	return nil
}

// PostSimCheck runs after simulation. It reserves the opportunity's notional
// against the daily cap in the same critical section that checks it, so two
// concurrent runs can never both pass on a stale total. On any error the
// ledger is left unchanged.
func (g *Governor) PostSimCheck(opp domain.Opportunity) (*Reservation, error) {
	if g.KillSwitchActive() {
		return nil, domain.ErrKillSwitchActive
	}

	g.mu.Lock()
	now := g.now()
	g.rollover(now)

	if rate, ok := g.revertRate(now); ok && rate > g.cfg.Limits.RevertRateKillThreshold {
		g.mu.Unlock()
		g.TripKillSwitch(fmt.Sprintf("revert rate %.2f exceeds %.2f", rate, g.cfg.Limits.RevertRateKillThreshold))
		return nil, &domain.SafetyLimitBreach{Check: CheckPostSim, Limit: "revert_rate", Value: rate, Max: g.cfg.Limits.RevertRateKillThreshold}
	}

	if limit := g.cfg.Limits.DailyCap; limit > 0 && g.notional+opp.Notional > limit {
		total := g.notional + opp.Notional
		g.mu.Unlock()
		return nil, &domain.SafetyLimitBreach{Check: CheckPostSim, Limit: "daily_cap", Value: total, Max: limit}
	}
	g.notional += opp.Notional
	day := g.day
	g.mu.Unlock()

	return &Reservation{g: g, day: day, notional: opp.Notional}, nil
}

// FinalCheckInput carries the values re-read immediately before a send.
type FinalCheckInput struct {
	GasPriceWei    *big.Int // latest network gas price
	Fees           domain.Fees
	GasLimit       uint64
	ExpectedProfit float64 // in the profit asset
	NativePrice    float64 // native asset price in the profit asset
	RiskPrice      float64 // profit asset price in the risk asset
}

// FinalCheck runs before signing and before every send. A breach aborts this
// bundle only, except a projected loss beyond MaxProjectedLoss, which also
// trips the kill switch when AutoKill is on. The projected loss is measured
// in the risk asset; a bundle without a risk price fails that check.
func (g *Governor) FinalCheck(in FinalCheckInput) error {
	if g.KillSwitchActive() {
		return domain.ErrKillSwitchActive
	}
	lim := g.cfg.Limits
	if lim.MaxGasPriceWei != nil && in.GasPriceWei != nil && in.GasPriceWei.Cmp(lim.MaxGasPriceWei) > 0 {
		return &domain.SafetyLimitBreach{Check: CheckFinal, Limit: "max_gas_price", Value: weiFloat(in.GasPriceWei), Max: weiFloat(lim.MaxGasPriceWei)}
	}
	worst := in.Fees.WorstCaseCost(in.GasLimit)
	if lim.MaxFeeWei != nil && worst.Cmp(lim.MaxFeeWei) > 0 {
		return &domain.SafetyLimitBreach{Check: CheckFinal, Limit: "max_fee", Value: weiFloat(worst), Max: weiFloat(lim.MaxFeeWei)}
	}
	if lim.MaxProjectedLoss > 0 && in.NativePrice > 0 {
		if in.RiskPrice <= 0 {
			return &domain.SafetyLimitBreach{Check: CheckFinal, Limit: "risk_price", Value: in.RiskPrice, Max: lim.MaxProjectedLoss}
		}
		worstNative, _ := new(big.Float).Quo(new(big.Float).SetInt(worst), big.NewFloat(1e18)).Float64()
		loss := (worstNative*in.NativePrice - in.ExpectedProfit) * in.RiskPrice
		if loss > lim.MaxProjectedLoss {
			if lim.AutoKill {
				g.TripKillSwitch(fmt.Sprintf("projected loss %.6g exceeds %.6g", loss, lim.MaxProjectedLoss))
			}
			return &domain.SafetyLimitBreach{Check: CheckFinal, Limit: "max_loss", Value: loss, Max: lim.MaxProjectedLoss}
		}
	}
	return nil
}

// MaxFeePerGas is the highest fee cap per gas a bundle with the given gas
// limit may carry: the lower of the gas price cap and max fee / gas.
func (g *Governor) MaxFeePerGas(gasLimit uint64) *big.Int {
	lim := g.cfg.Limits
	var out *big.Int
	if lim.MaxGasPriceWei != nil {
		out = new(big.Int).Set(lim.MaxGasPriceWei)
	}
	if lim.MaxFeeWei != nil && gasLimit > 0 {
		perGas := new(big.Int).Div(lim.MaxFeeWei, new(big.Int).SetUint64(gasLimit))
		if out == nil || perGas.Cmp(out) < 0 {
			out = perGas
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// RecordSimulation counts one completed simulation.
func (g *Governor) RecordSimulation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rollover(now)
	g.sims++
	g.simulations.add(now)
}

// RecordRevert counts one simulated revert.
func (g *Governor) RecordRevert() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rollover(now)
	g.reverts++
	g.revertsWin.add(now)
}

// RecordMismatch counts one simulation mismatch and reports the count within
// the rolling window and whether it exceeds the kill threshold.
func (g *Governor) RecordMismatch() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rollover(now)
	g.mismatch++
	g.mismatches.add(now)
	n := g.mismatches.count(now)
	return n, g.cfg.Limits.MismatchKillThreshold > 0 && n > g.cfg.Limits.MismatchKillThreshold
}

// revertRate returns reverts / simulations in the window, and false until
// the minimum sample count is reached. Callers hold mu.
func (g *Governor) revertRate(now time.Time) (float64, bool) {
	if g.cfg.Limits.RevertRateKillThreshold <= 0 {
		return 0, false
	}
	sims := g.simulations.count(now)
	if sims == 0 || sims < g.cfg.Limits.MinRevertSamples {
		return 0, false
	}
	return float64(g.revertsWin.count(now)) / float64(sims), true
}

// ---------------------------------------------------------------------------
// Ledger persistence
// ---------------------------------------------------------------------------

// Snapshot returns the current ledger state.
func (g *Governor) Snapshot() domain.LedgerSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.now())
	return domain.LedgerSnapshot{
		Day:             g.day,
		Notional:        g.notional,
		MismatchCount:   g.mismatch,
		RevertCount:     g.reverts,
		SimulationCount: g.sims,
		KillSwitch:      g.KillSwitchActive(),
		KillReason:      g.KillReason(),
		UpdatedAt:       g.now(),
	}
}

// Load restores today's totals and the kill switch from the ledger store.
// A missing row leaves the ledger empty.
func (g *Governor) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	day := g.dayOf(g.now())
	g.mu.Unlock()

	snap, err := g.store.Load(ctx, day)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("safety: load ledger: %w", err)
	}

	g.mu.Lock()
	g.day = day
	g.notional = snap.Notional
	g.mismatch = snap.MismatchCount
	g.reverts = snap.RevertCount
	g.sims = snap.SimulationCount
	g.mu.Unlock()

	if snap.KillSwitch {
		g.TripKillSwitch(snap.KillReason)
	}
	g.logger.Info("ledger restored",
		slog.Time("day", day),
		slog.Float64("notional", snap.Notional),
		slog.Bool("kill_switch", snap.KillSwitch),
	)
	return nil
}

// Persist writes the current ledger to the store.
func (g *Governor) Persist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.Save(ctx, g.Snapshot()); err != nil {
		return fmt.Errorf("safety: save ledger: %w", err)
	}
	return nil
}

// rollover resets daily totals when the day boundary has passed. Callers
// hold mu.
func (g *Governor) rollover(now time.Time) {
	day := g.dayOf(now)
	if !day.After(g.day) {
		return
	}
	g.logger.Info("daily ledger reset",
		slog.Time("previous_day", g.day),
		slog.Float64("previous_notional", g.notional),
	)
	g.day = day
	g.notional = 0
	g.mismatch = 0
	g.reverts = 0
	g.sims = 0
}

func (g *Governor) dayOf(t time.Time) time.Time {
	shifted := t.UTC().Add(-time.Duration(g.cfg.ResetUTC) * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

func weiFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// ---------------------------------------------------------------------------
// Reservation
// ---------------------------------------------------------------------------

// Reservation is notional held against the daily cap by one pipeline run.
// Exactly one of Commit or Release takes effect; later calls are no-ops.
type Reservation struct {
	g        *Governor
	day      time.Time
	notional float64
	done     atomic.Bool
}

// Notional returns the reserved amount.
func (r *Reservation) Notional() float64 { return r.notional }

// Commit keeps the notional on the ledger.
func (r *Reservation) Commit() {
	if r != nil {
		r.done.Store(true)
	}
}

// Release returns the notional to the ledger. Releasing after the daily
// reset is a no-op since the reset already dropped it.
func (r *Reservation) Release() {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return
	}
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if r.g.day.Equal(r.day) {
		r.g.notional -= r.notional
		if r.g.notional < 0 {
			r.g.notional = 0
		}
	}
}
