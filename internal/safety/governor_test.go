package safety

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits() domain.SafetyLimits {
	return domain.SafetyLimits{
		PerTradeCap:             1_000,
		DailyCap:                10_000,
		MaxGasPriceWei:          big.NewInt(100e9),
		MaxFeeWei:               big.NewInt(5e16),
		MismatchKillThreshold:   3,
		RevertRateKillThreshold: 0.5,
		MinRevertSamples:        4,
		Window:                  time.Minute,
		AutoKill:                true,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGovernor(limits domain.SafetyLimits, store domain.LedgerStore) (*Governor, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(Config{Limits: limits}, store, testLogger())
	g.now = clk.now
	g.day = g.dayOf(clk.now())
	return g, clk
}

func TestPreCheck_PerTradeCap(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)

	assert.NoError(t, g.PreCheck(domain.Opportunity{Notional: 1_000}))

	err := g.PreCheck(domain.Opportunity{Notional: 1_000.01})
	var breach *domain.SafetyLimitBreach
	require.True(t, errors.As(err, &breach))
	assert.Equal(t, CheckPre, breach.Check)
	assert.Equal(t, "per_trade_cap", breach.Limit)
}

func TestPreCheck_KillSwitch(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	g.TripKillSwitch("operator")
	assert.ErrorIs(t, g.PreCheck(domain.Opportunity{Notional: 1}), domain.ErrKillSwitchActive)
	assert.Equal(t, "operator", g.KillReason())

	g.ClearKillSwitch()
	assert.NoError(t, g.PreCheck(domain.Opportunity{Notional: 1}))
}

func TestKillSwitchCallbacks(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	var trips []string
	clears := 0
	g.OnKill(func(reason string) { trips = append(trips, reason) })
	g.OnClear(func() { clears++ })

	g.ClearKillSwitch()
	g.TripKillSwitch("first")
	g.TripKillSwitch("second")
	g.ClearKillSwitch()
	g.ClearKillSwitch()

	assert.Equal(t, []string{"first"}, trips)
	assert.Equal(t, 1, clears)
}

func TestPostSimCheck_RejectionLeavesLedgerUnchanged(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	res, err := g.PostSimCheck(domain.Opportunity{Notional: 9_800})
	require.NoError(t, err)
	res.Commit()

	before := g.Snapshot().Notional
	_, err = g.PostSimCheck(domain.Opportunity{Notional: 500})
	var breach *domain.SafetyLimitBreach
	require.True(t, errors.As(err, &breach))
	assert.Equal(t, "daily_cap", breach.Limit)
	assert.Equal(t, before, g.Snapshot().Notional)
}

func TestReservation_ReleaseReturnsNotional(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	res, err := g.PostSimCheck(domain.Opportunity{Notional: 700})
	require.NoError(t, err)
	assert.Equal(t, 700.0, g.Snapshot().Notional)

	res.Release()
	res.Release()
	assert.Equal(t, 0.0, g.Snapshot().Notional)

	res2, err := g.PostSimCheck(domain.Opportunity{Notional: 300})
	require.NoError(t, err)
	res2.Commit()
	res2.Release()
	assert.Equal(t, 300.0, g.Snapshot().Notional)
}

func TestPostSimCheck_DailyCapSerialized(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cumulative notional never exceeds the daily cap", prop.ForAll(
		func(runs int, fraction float64) bool {
			limits := testLimits()
			limits.PerTradeCap = 0
			g, _ := newTestGovernor(limits, nil)
			// each run's notional is close to cap / runs so the boundary is contested
			each := limits.DailyCap / float64(runs) * fraction

			var wg sync.WaitGroup
			for i := 0; i < runs*2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if res, err := g.PostSimCheck(domain.Opportunity{Notional: each}); err == nil {
						res.Commit()
					}
				}()
			}
			wg.Wait()
			return g.Snapshot().Notional <= limits.DailyCap
		},
		gen.IntRange(2, 40),
		gen.Float64Range(0.9, 1.3),
	))

	properties.TestingRun(t)
}

func TestPostSimCheck_RevertRateAutoKill(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	var tripped []string
	g.OnKill(func(reason string) { tripped = append(tripped, reason) })

	for i := 0; i < 4; i++ {
		g.RecordSimulation()
	}
	for i := 0; i < 3; i++ {
		g.RecordRevert()
	}

	_, err := g.PostSimCheck(domain.Opportunity{Notional: 1})
	var breach *domain.SafetyLimitBreach
	require.True(t, errors.As(err, &breach))
	assert.Equal(t, "revert_rate", breach.Limit)
	assert.True(t, g.KillSwitchActive())
	assert.Len(t, tripped, 1)
	assert.Equal(t, 0.0, g.Snapshot().Notional)
}

func TestPostSimCheck_RevertRateNeedsMinimumSamples(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	g.RecordSimulation()
	g.RecordRevert()

	_, err := g.PostSimCheck(domain.Opportunity{Notional: 1})
	assert.NoError(t, err)
	assert.False(t, g.KillSwitchActive())
}

func TestRecordMismatch_WindowExpires(t *testing.T) {
	g, clk := newTestGovernor(testLimits(), nil)
	for i := 0; i < 3; i++ {
		_, breach := g.RecordMismatch()
		assert.False(t, breach)
	}
	n, breach := g.RecordMismatch()
	assert.Equal(t, 4, n)
	assert.True(t, breach)

	clk.advance(2 * time.Minute)
	n, breach = g.RecordMismatch()
	assert.Equal(t, 1, n)
	assert.False(t, breach)
	assert.Equal(t, int64(5), g.Snapshot().MismatchCount)
}

func TestRecommendKill_HonoredOnlyWithAutoKill(t *testing.T) {
	limits := testLimits()
	limits.AutoKill = false
	g, _ := newTestGovernor(limits, nil)

	g.RecommendKill("mismatches")
	assert.True(t, g.KillRecommended())
	assert.False(t, g.KillSwitchActive())

	g2, _ := newTestGovernor(testLimits(), nil)
	g2.RecommendKill("mismatches")
	assert.True(t, g2.KillSwitchActive())
}

func TestDailyReset(t *testing.T) {
	g, clk := newTestGovernor(testLimits(), nil)
	res, err := g.PostSimCheck(domain.Opportunity{Notional: 9_000})
	require.NoError(t, err)
	g.RecordRevert()

	clk.advance(13 * time.Hour)
	snap := g.Snapshot()
	assert.Equal(t, 0.0, snap.Notional)
	assert.Zero(t, snap.RevertCount)

	// a release from yesterday does not touch today's total
	_, err = g.PostSimCheck(domain.Opportunity{Notional: 100})
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, 100.0, g.Snapshot().Notional)
}

func TestFinalCheck(t *testing.T) {
	fees := domain.Fees{MaxFeePerGas: big.NewInt(50e9), MaxPriorityFeePerGas: big.NewInt(2e9)}

	t.Run("passes under caps", func(t *testing.T) {
		g, _ := newTestGovernor(testLimits(), nil)
		assert.NoError(t, g.FinalCheck(FinalCheckInput{GasPriceWei: big.NewInt(40e9), Fees: fees, GasLimit: 300_000}))
	})

	t.Run("gas price above cap", func(t *testing.T) {
		g, _ := newTestGovernor(testLimits(), nil)
		err := g.FinalCheck(FinalCheckInput{GasPriceWei: big.NewInt(101e9), Fees: fees, GasLimit: 300_000})
		var breach *domain.SafetyLimitBreach
		require.True(t, errors.As(err, &breach))
		assert.Equal(t, "max_gas_price", breach.Limit)
		assert.False(t, g.KillSwitchActive())
	})

	t.Run("worst case fee above cap", func(t *testing.T) {
		g, _ := newTestGovernor(testLimits(), nil)
		err := g.FinalCheck(FinalCheckInput{GasPriceWei: big.NewInt(40e9), Fees: fees, GasLimit: 2_000_000})
		var breach *domain.SafetyLimitBreach
		require.True(t, errors.As(err, &breach))
		assert.Equal(t, "max_fee", breach.Limit)
	})

	t.Run("projected loss trips kill switch", func(t *testing.T) {
		limits := testLimits()
		limits.MaxProjectedLoss = 10
		g, _ := newTestGovernor(limits, nil)
		// 300k × 50 gwei = 0.015 native × 2000 = 30 cost vs 5 expected
		err := g.FinalCheck(FinalCheckInput{GasPriceWei: big.NewInt(40e9), Fees: fees, GasLimit: 300_000, ExpectedProfit: 5, NativePrice: 2000, RiskPrice: 1})
		var breach *domain.SafetyLimitBreach
		require.True(t, errors.As(err, &breach))
		assert.Equal(t, "max_loss", breach.Limit)
		assert.True(t, g.KillSwitchActive())
	})

	t.Run("projected loss in risk asset", func(t *testing.T) {
		limits := testLimits()
		limits.MaxProjectedLoss = 10
		limits.AutoKill = false
		g, _ := newTestGovernor(limits, nil)
		// 0.015 ETH cost vs 0.01 ETH expected: 0.005 ETH at 3000 is 15 over a 10 cap
		in := FinalCheckInput{GasPriceWei: big.NewInt(40e9), Fees: fees, GasLimit: 300_000, ExpectedProfit: 0.01, NativePrice: 1, RiskPrice: 3000}
		var breach *domain.SafetyLimitBreach
		require.ErrorAs(t, g.FinalCheck(in), &breach)
		assert.Equal(t, "max_loss", breach.Limit)
		assert.InDelta(t, 15.0, breach.Value, 1e-9)

		in.RiskPrice = 1000 // 5 under the cap
		assert.NoError(t, g.FinalCheck(in))

		in.RiskPrice = 0
		require.ErrorAs(t, g.FinalCheck(in), &breach)
		assert.Equal(t, "risk_price", breach.Limit)
	})

	t.Run("kill switch", func(t *testing.T) {
		g, _ := newTestGovernor(testLimits(), nil)
		g.TripKillSwitch("test")
		assert.ErrorIs(t, g.FinalCheck(FinalCheckInput{}), domain.ErrKillSwitchActive)
	})
}

func TestMaxFeePerGas(t *testing.T) {
	g, _ := newTestGovernor(testLimits(), nil)
	assert.Equal(t, "100000000000", g.MaxFeePerGas(100_000).String())  // gas price cap is lower
	assert.Equal(t, "25000000000", g.MaxFeePerGas(2_000_000).String()) // 5e16 / 2e6
}

type memLedger struct {
	mu   sync.Mutex
	rows map[time.Time]domain.LedgerSnapshot
}

func (m *memLedger) Load(_ context.Context, day time.Time) (domain.LedgerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[day]
	if !ok {
		return domain.LedgerSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memLedger) Save(_ context.Context, s domain.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.Day] = s
	return nil
}

func TestLedger_PersistAndRestore(t *testing.T) {
	store := &memLedger{rows: map[time.Time]domain.LedgerSnapshot{}}
	g, _ := newTestGovernor(testLimits(), store)
	res, err := g.PostSimCheck(domain.Opportunity{Notional: 4_000})
	require.NoError(t, err)
	res.Commit()
	g.TripKillSwitch("operator")
	require.NoError(t, g.Persist(context.Background()))

	restarted, _ := newTestGovernor(testLimits(), store)
	require.NoError(t, restarted.Load(context.Background()))
	assert.Equal(t, 4_000.0, restarted.Snapshot().Notional)
	assert.True(t, restarted.KillSwitchActive())

	_, err = restarted.PostSimCheck(domain.Opportunity{Notional: 1})
	assert.ErrorIs(t, err, domain.ErrKillSwitchActive)
}

func TestLedger_LoadMissingDayIsEmpty(t *testing.T) {
	store := &memLedger{rows: map[time.Time]domain.LedgerSnapshot{}}
	g, _ := newTestGovernor(testLimits(), store)
	require.NoError(t, g.Load(context.Background()))
	assert.Equal(t, 0.0, g.Snapshot().Notional)
}
