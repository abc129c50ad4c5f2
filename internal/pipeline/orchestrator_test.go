package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/arbitrage"
	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/market"
	"github.com/alanyoungcy/mevbot/internal/safety"
	"github.com/alanyoungcy/mevbot/internal/service"
)

var ethUSDC = domain.Pair{Base: "ETH", Quote: "USDC"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSimulator struct {
	mu  sync.Mutex
	res domain.SimulationResult
}

func (f *fakeSimulator) Simulate(_ context.Context, legs []domain.Leg, _ uint64) (domain.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.res
	res.LegGasUsed = make([]uint64, len(legs))
	for i := range legs {
		res.LegGasUsed[i] = 100_000
	}
	return res, nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	bundles  []domain.Bundle
	status   domain.SubmissionStatus
	sent     bool
	block    chan struct{}
	onSubmit func(domain.Bundle)
}

func (f *fakeSubmitter) Submit(ctx context.Context, b domain.Bundle) (domain.SubmissionState, error) {
	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	status, sent, block, hook := f.status, f.sent, f.block, f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	if block != nil {
		<-block
	}
	return domain.SubmissionState{
		BundleID:      b.ID,
		OpportunityID: b.OpportunityID,
		Status:        status,
		Sent:          sent,
	}, nil
}

func (f *fakeSubmitter) submitted() []domain.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Bundle(nil), f.bundles...)
}

type auditLog struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
}

func (a *auditLog) Record(_ context.Context, rec domain.DecisionRecord) {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
}

func (a *auditLog) stages(decision domain.Decision) []domain.Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Stage
	for _, r := range a.recs {
		if r.Decision == decision {
			out = append(out, r.Stage)
		}
	}
	return out
}

// memLedger keeps the last saved risk ledger.
type memLedger struct {
	mu    sync.Mutex
	saved domain.LedgerSnapshot
	saves int
}

func (m *memLedger) Load(context.Context, time.Time) (domain.LedgerSnapshot, error) {
	return domain.LedgerSnapshot{}, domain.ErrNotFound
}

func (m *memLedger) Save(_ context.Context, snap domain.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = snap
	m.saves++
	return nil
}

func (m *memLedger) last() domain.LedgerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

type fixture struct {
	orch      *Orchestrator
	ledger    *memLedger
	cache     *market.Cache
	governor  *safety.Governor
	submitter *fakeSubmitter
	sim       *fakeSimulator
	audit     *auditLog
}

func newFixture(t *testing.T, limits domain.SafetyLimits) *fixture {
	t.Helper()
	f := &fixture{
		cache:     market.NewCache(testLogger()),
		submitter: &fakeSubmitter{status: domain.SubmissionIncluded, sent: true},
		sim:       &fakeSimulator{res: domain.SimulationResult{NetProfit: 2.3, GasUsed: 200_000}},
		audit:     &auditLog{},
		ledger:    &memLedger{},
	}
	f.governor = safety.NewGovernor(safety.Config{Limits: limits}, f.ledger, testLogger())

	scanner := arbitrage.NewScanner(
		[]arbitrage.Strategy{arbitrage.NewCrossVenue(arbitrage.CrossVenueConfig{
			MaxTradeSize:  1,
			DepthFraction: 0.5,
			Gas:           arbitrage.DefaultGasConfig(),
		})},
		nil,
		arbitrage.ScannerConfig{FreshnessThreshold: time.Minute, NativeAsset: "ETH", RiskAsset: "USDC"},
		testLogger(),
	)
	evaluator := service.NewEvaluator(service.EvaluatorConfig{
		MinMargin:        1,
		MaxDepthFraction: 0.5,
		VenueFeeBps:      map[string]float64{"x": 60},
	}, testLogger())
	gate := service.NewSimGate(f.sim, f.governor, service.SimGateConfig{
		Timeout:              time.Second,
		MinMargin:            1,
		DiscrepancyTolerance: 0.2,
	}, testLogger())
	builder, err := service.NewBuilder(service.BuilderConfig{
		Executor: common.HexToAddress("0xe1"),
		Routers: map[string]common.Address{
			"x": common.HexToAddress("0xa01"),
			"y": common.HexToAddress("0xa02"),
		},
		Tokens: map[string]service.Token{
			"ETH":  {Address: common.HexToAddress("0xb01"), Decimals: 18},
			"USDC": {Address: common.HexToAddress("0xb02"), Decimals: 6},
		},
		GasMultiplier:     1.2,
		SlippageTolerance: 0.005,
	}, testLogger())
	require.NoError(t, err)

	f.orch, err = NewOrchestrator(Config{MaxConcurrent: 16}, Deps{
		Market:    f.cache,
		Scanner:   scanner,
		Evaluator: evaluator,
		SimGate:   gate,
		Builder:   builder,
		Governor:  f.governor,
		Submitter: f.submitter,
		Audit:     f.audit,
	}, testLogger())
	require.NoError(t, err)
	return f
}

// seedCrossVenue seeds venue X ask 100 and venue Y bid 103.
func (f *fixture) seedCrossVenue() {
	now := time.Now()
	f.cache.SetChainState(big.NewInt(1e9), 100)
	f.cache.UpsertQuote(domain.Quote{Venue: "x", Pair: ethUSDC, Bid: 99, Ask: 100, Liquidity: 10, ObservedAt: now})
	f.cache.UpsertQuote(domain.Quote{Venue: "y", Pair: ethUSDC, Bid: 103, Ask: 104, Liquidity: 10, ObservedAt: now})
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{PerTradeCap: 1000, DailyCap: 10_000})
	f.seedCrossVenue()

	launched := f.orch.RunCycle(context.Background())
	f.orch.Wait()
	require.Equal(t, 1, launched)

	bundles := f.submitter.submitted()
	require.Len(t, bundles, 1)
	b := bundles[0]
	require.Len(t, b.Txs, 2)
	assert.Equal(t, 0, b.Txs[0].LegIndex)
	assert.Equal(t, 1, b.Txs[1].LegIndex)
	assert.Equal(t, uint64(120_000), b.Txs[0].GasLimit)
	assert.InDelta(t, 2.3, b.ExpectedProfit, 1e-9)

	assert.Equal(t, []domain.Stage{
		domain.StageEvaluate,
		domain.StagePreCheck,
		domain.StageSimulate,
		domain.StagePostCheck,
		domain.StageBuild,
	}, f.audit.stages(domain.DecisionAccepted))

	// Sent bundles keep their notional on the ledger.
	assert.Greater(t, f.governor.Snapshot().Notional, 0.0)
}

func TestOrchestrator_KillSwitchProducesNoBundle(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{PerTradeCap: 1000, DailyCap: 10_000})
	f.seedCrossVenue()
	f.governor.TripKillSwitch("operator")

	assert.Zero(t, f.orch.RunCycle(context.Background()))
	f.orch.Wait()
	assert.Empty(t, f.submitter.submitted())
}

func TestOrchestrator_KillSwitchAfterScanRejectsAtPreCheck(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{PerTradeCap: 1000, DailyCap: 10_000})
	f.seedCrossVenue()
	seq, err := f.orch.deps.Scanner.Scan(f.cache.Snapshot())
	require.NoError(t, err)
	var opp domain.Opportunity
	for o := range seq {
		opp = o
		break
	}

	f.governor.TripKillSwitch("operator")
	out := f.orch.ProcessOpportunity(context.Background(), opp)
	assert.Equal(t, domain.StagePreCheck, out.Stage)
	assert.Equal(t, domain.DecisionRejected, out.Decision)
	assert.Contains(t, out.Reason, domain.ErrKillSwitchActive.Error())
	assert.Empty(t, f.submitter.submitted())
}

func TestOrchestrator_StaleSnapshotSkipsCycle(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{})
	old := time.Now().Add(-time.Hour)
	f.cache.UpsertQuote(domain.Quote{Venue: "x", Pair: ethUSDC, Bid: 99, Ask: 100, Liquidity: 10, ObservedAt: old})
	f.cache.UpsertQuote(domain.Quote{Venue: "y", Pair: ethUSDC, Bid: 103, Ask: 104, Liquidity: 10, ObservedAt: old})

	assert.Zero(t, f.orch.RunCycle(context.Background()))
	assert.Empty(t, f.submitter.submitted())
}

func TestOrchestrator_UnsentSubmissionReleasesReservation(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{DailyCap: 10_000})
	f.submitter.status = domain.SubmissionAbandoned
	f.submitter.sent = false
	f.seedCrossVenue()

	f.orch.RunCycle(context.Background())
	f.orch.Wait()
	require.Len(t, f.submitter.submitted(), 1)
	assert.Zero(t, f.governor.Snapshot().Notional)
}

func TestOrchestrator_LedgerPersistedBeforeSubmit(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{PerTradeCap: 1000, DailyCap: 10_000})
	f.seedCrossVenue()
	var atSubmit float64
	f.submitter.onSubmit = func(domain.Bundle) { atSubmit = f.ledger.last().Notional }

	f.orch.RunCycle(context.Background())
	f.orch.Wait()
	require.Len(t, f.submitter.submitted(), 1)

	assert.InDelta(t, 100.0, atSubmit, 1e-9, "reserved notional saved before the send")
	assert.InDelta(t, 100.0, f.ledger.last().Notional, 1e-9, "committed notional saved when the run ends")
}

func TestOrchestrator_ReleasedNotionalPersisted(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{DailyCap: 10_000})
	f.submitter.status = domain.SubmissionAbandoned
	f.submitter.sent = false
	f.seedCrossVenue()

	f.orch.RunCycle(context.Background())
	f.orch.Wait()
	assert.Zero(t, f.ledger.last().Notional)
	assert.GreaterOrEqual(t, f.ledger.saves, 2)
}

func TestOrchestrator_DailyCapUnderConcurrentRuns(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{DailyCap: 350})
	f.seedCrossVenue()
	seq, err := f.orch.deps.Scanner.Scan(f.cache.Snapshot())
	require.NoError(t, err)
	var opp domain.Opportunity
	for o := range seq {
		opp = o
		break
	}
	opp.Notional = 100

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.ProcessOpportunity(context.Background(), opp)
		}()
	}
	wg.Wait()

	assert.Len(t, f.submitter.submitted(), 3)
	assert.LessOrEqual(t, f.governor.Snapshot().Notional, 350.0)
}

func TestOrchestrator_StoppedContextSkipsRun(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.orch.ProcessOpportunity(ctx, domain.Opportunity{ID: "o1"})
	assert.Equal(t, domain.DecisionSkipped, out.Decision)
	assert.Empty(t, f.submitter.submitted())
}

func TestOrchestrator_RunWaitsForInflight(t *testing.T) {
	f := newFixture(t, domain.SafetyLimits{})
	f.orch.cfg.ScanInterval = 5 * time.Millisecond
	f.submitter.block = make(chan struct{})
	f.seedCrossVenue()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.submitter.submitted()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a submission was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(f.submitter.block)
	require.NoError(t, <-done)
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Deps{}, testLogger())
	assert.Error(t, err)
}
