package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// SimulationRecorder is the slice of the safety governor the simulation gate
// writes to. Counters live on the governor's risk ledger.
type SimulationRecorder interface {
	RecordSimulation()
	RecordRevert()
	// RecordMismatch counts one mismatch and reports whether the count within
	// the rolling window now exceeds the kill threshold.
	RecordMismatch() (windowCount int, breach bool)
	RecommendKill(reason string)
}

// SimGateConfig holds the simulation gate's acceptance parameters.
type SimGateConfig struct {
	Timeout              time.Duration
	MinMargin            float64 // in the risk asset
	DiscrepancyTolerance float64 // max |sim - est| / est
}

// SimGate re-executes candidates against current chain state before any
// capital is committed.
type SimGate struct {
	sim    domain.Simulator
	ledger SimulationRecorder
	cfg    SimGateConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewSimGate creates a SimGate.
func NewSimGate(sim domain.Simulator, ledger SimulationRecorder, cfg SimGateConfig, logger *slog.Logger) *SimGate {
	return &SimGate{
		sim:    sim,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "sim_gate")),
	}
}

// Check simulates the opportunity and returns the result when it is
// accepted. Every rejection wraps domain.ErrSimulationRejected, including
// collaborator failure and timeout.
func (g *SimGate) Check(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error) {
	simCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	res, err := g.sim.Simulate(simCtx, opp.Legs, opp.TargetBlock)
	if err != nil {
		reason := "simulator error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(simCtx.Err(), context.DeadlineExceeded) {
			reason = "simulator timeout"
		}
		g.logger.WarnContext(ctx, "simulation failed",
			slog.String("opp_id", opp.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return domain.SimulationResult{}, fmt.Errorf("%w: %s: %v", domain.ErrSimulationRejected, reason, err)
	}

	res.OpportunityID = opp.ID
	res.Discrepancy = discrepancy(res.NetProfit, opp.NetProfit)
	if res.SimulatedAt.IsZero() {
		res.SimulatedAt = g.now()
	}
	g.ledger.RecordSimulation()

	if res.Reverted {
		g.ledger.RecordRevert()
		g.recordMismatch(ctx, opp, res)
		return res, fmt.Errorf("%w: reverted: %s", domain.ErrSimulationRejected, res.RevertReason)
	}
	if res.Discrepancy > g.cfg.DiscrepancyTolerance {
		g.recordMismatch(ctx, opp, res)
		return res, fmt.Errorf("%w: discrepancy %.4f exceeds tolerance %.4f",
			domain.ErrSimulationRejected, res.Discrepancy, g.cfg.DiscrepancyTolerance)
	}
	if net := opp.InRiskAsset(res.NetProfit); net < g.cfg.MinMargin {
		return res, fmt.Errorf("%w: simulated net %.6g below minimum margin %.6g",
			domain.ErrSimulationRejected, net, g.cfg.MinMargin)
	}

	g.logger.DebugContext(ctx, "simulation accepted",
		slog.String("opp_id", opp.ID),
		slog.Float64("sim_net", res.NetProfit),
		slog.Float64("est_net", opp.NetProfit),
		slog.Uint64("gas_used", res.GasUsed),
	)
	return res, nil
}

func (g *SimGate) recordMismatch(ctx context.Context, opp domain.Opportunity, res domain.SimulationResult) {
	count, breach := g.ledger.RecordMismatch()
	g.logger.WarnContext(ctx, "simulation mismatch",
		slog.String("opp_id", opp.ID),
		slog.Bool("reverted", res.Reverted),
		slog.Float64("discrepancy", res.Discrepancy),
		slog.Int("window_mismatches", count),
	)
	if breach {
		g.ledger.RecommendKill(fmt.Sprintf("simulation mismatches in window: %d", count))
	}
}

// discrepancy is |sim - est| / |est|. A zero estimate only matches a zero
// simulation.
func discrepancy(sim, est float64) float64 {
	diff := math.Abs(sim - est)
	if est == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return diff / math.Abs(est)
}
