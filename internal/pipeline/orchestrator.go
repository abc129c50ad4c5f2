package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/metrics"
	"github.com/alanyoungcy/mevbot/internal/safety"
)

// SnapshotSource exposes the market cache's current snapshot.
type SnapshotSource interface {
	Snapshot() *domain.MarketSnapshot
}

// Scanner proposes ranked opportunities from one snapshot.
type Scanner interface {
	Scan(snap *domain.MarketSnapshot) (iter.Seq[domain.Opportunity], error)
}

// Evaluator scores an opportunity; ok=false drops it.
type Evaluator interface {
	Evaluate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, bool)
}

// SimGate simulates an opportunity against current chain state.
type SimGate interface {
	Check(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error)
}

// Builder assembles an unsigned bundle.
type Builder interface {
	Build(opp domain.Opportunity, sim domain.SimulationResult) (domain.Bundle, error)
}

// Governor is the slice of the safety governor the pipeline consults.
type Governor interface {
	KillSwitchActive() bool
	PreCheck(opp domain.Opportunity) error
	PostSimCheck(opp domain.Opportunity) (*safety.Reservation, error)
	Snapshot() domain.LedgerSnapshot
	Persist(ctx context.Context) error
}

// Submitter drives a bundle to a terminal submission state.
type Submitter interface {
	Submit(ctx context.Context, bundle domain.Bundle) (domain.SubmissionState, error)
}

// Config holds the orchestrator's scheduling parameters.
type Config struct {
	ScanInterval    time.Duration
	MaxConcurrent   int64 // pipeline runs in flight
	MaxPerCycle     int   // opportunities taken from one scan; 0 means all
	PersistInterval time.Duration
	ArchiveCron     string // 5-field cron; empty disables archival
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Market    SnapshotSource
	Scanner   Scanner
	Evaluator Evaluator
	SimGate   SimGate
	Builder   Builder
	Governor  Governor
	Submitter Submitter
	Audit     domain.AuditSink
	Metrics   *metrics.Metrics
	Archiver  *Archiver // optional
}

// Outcome summarizes where a pipeline run stopped.
type Outcome struct {
	Stage      domain.Stage
	Decision   domain.Decision
	Reason     string
	Submission *domain.SubmissionState
}

// Orchestrator runs scan cycles and fans opportunities out into bounded
// concurrent pipeline runs.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	now      func() time.Time
	logger   *slog.Logger
}

// NewOrchestrator validates deps and creates an Orchestrator.
func NewOrchestrator(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Market == nil || deps.Scanner == nil || deps.Evaluator == nil || deps.SimGate == nil ||
		deps.Builder == nil || deps.Governor == nil || deps.Submitter == nil {
		return nil, errors.New("pipeline: missing collaborator")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 500 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 10 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		now:    time.Now,
		logger: logger.With(slog.String("component", "pipeline")),
	}, nil
}

// Run scans on a ticker, persists the risk ledger and runs the archive cron
// until ctx is cancelled.
// On return every in-flight run has reached a terminal outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("scan_interval", o.cfg.ScanInterval),
		slog.Int64("max_concurrent", o.cfg.MaxConcurrent),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(o.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				o.RunCycle(gctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(o.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				o.persistLedger(gctx)
			}
		}
	})

	if o.deps.Archiver != nil && o.cfg.ArchiveCron != "" {
		g.Go(func() error {
			err := o.deps.Archiver.RunCron(gctx, o.cfg.ArchiveCron)
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	o.inflight.Wait()
	o.persistLedger(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return fmt.Errorf("pipeline: %w", err)
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

// Wait blocks until every launched run has finished.
func (o *Orchestrator) Wait() { o.inflight.Wait() }

// RunCycle scans the current snapshot once and launches a pipeline run per
// opportunity, up to the concurrency limit. It returns the number launched.
// Per-candidate failures never abort the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) int {
	if o.deps.Governor.KillSwitchActive() {
		o.deps.Metrics.Scan("kill_switch")
		return 0
	}

	snap := o.deps.Market.Snapshot()
	seq, err := o.deps.Scanner.Scan(snap)
	if err != nil {
		var stale *domain.StaleDataError
		if errors.As(err, &stale) {
			o.deps.Metrics.Scan("stale")
			o.logger.Debug("scan cycle skipped", slog.String("reason", err.Error()))
			return 0
		}
		o.deps.Metrics.Scan("error")
		o.logger.Warn("scan failed", slog.String("error", err.Error()))
		return 0
	}
	o.deps.Metrics.Scan("ok")

	launched := 0
	for opp := range seq {
		if o.cfg.MaxPerCycle > 0 && launched >= o.cfg.MaxPerCycle {
			break
		}
		if ctx.Err() != nil {
			break
		}
		o.deps.Metrics.Opportunity(string(opp.Strategy))
		if !o.sem.TryAcquire(1) {
			o.record(ctx, opp, "", domain.StageScan, domain.DecisionSkipped, "concurrency limit", nil)
			continue
		}
		launched++
		o.inflight.Add(1)
		go func(opp domain.Opportunity) {
			defer o.inflight.Done()
			defer o.sem.Release(1)
			o.ProcessOpportunity(ctx, opp)
		}(opp)
	}
	return launched
}

// ProcessOpportunity runs one candidate through every gate in order. A
// cancelled ctx stops the run at the next suspension point; once a bundle
// has been handed to the submitter, its outcome is always awaited.
func (o *Orchestrator) ProcessOpportunity(ctx context.Context, opp domain.Opportunity) Outcome {
	o.deps.Metrics.RunStarted()
	defer o.deps.Metrics.RunFinished()
	detached := context.WithoutCancel(ctx)
	log := o.logger.With(slog.String("opportunity_id", opp.ID), slog.String("strategy", string(opp.Strategy)))

	if ctx.Err() != nil {
		return o.stop(detached, opp, domain.StageEvaluate)
	}

	start := o.now()
	scored, ok := o.deps.Evaluator.Evaluate(ctx, opp)
	o.deps.Metrics.Observe(string(domain.StageEvaluate), start)
	if !ok {
		return o.reject(detached, opp, domain.StageEvaluate, "below margin or depth limit", nil)
	}
	opp = scored
	o.record(detached, opp, "", domain.StageEvaluate, domain.DecisionAccepted, "", map[string]any{
		"net_profit": opp.NetProfit,
		"notional":   opp.Notional,
	})

	if err := o.deps.Governor.PreCheck(opp); err != nil {
		return o.reject(detached, opp, domain.StagePreCheck, err.Error(), nil)
	}
	o.record(detached, opp, "", domain.StagePreCheck, domain.DecisionAccepted, "", nil)

	if ctx.Err() != nil {
		return o.stop(detached, opp, domain.StageSimulate)
	}
	start = o.now()
	sim, err := o.deps.SimGate.Check(ctx, opp)
	o.deps.Metrics.Observe(string(domain.StageSimulate), start)
	if err != nil {
		return o.reject(detached, opp, domain.StageSimulate, err.Error(), nil)
	}
	o.record(detached, opp, "", domain.StageSimulate, domain.DecisionAccepted, "", map[string]any{
		"sim_net_profit": sim.NetProfit,
		"gas_used":       sim.GasUsed,
	})

	if ctx.Err() != nil {
		return o.stop(detached, opp, domain.StagePostCheck)
	}
	reservation, err := o.deps.Governor.PostSimCheck(opp)
	if err != nil {
		return o.reject(detached, opp, domain.StagePostCheck, err.Error(), nil)
	}
	o.record(detached, opp, "", domain.StagePostCheck, domain.DecisionAccepted, "", nil)

	bundle, err := o.deps.Builder.Build(opp, sim)
	if err != nil {
		reservation.Release()
		return o.reject(detached, opp, domain.StageBuild, err.Error(), nil)
	}
	o.record(detached, opp, bundle.ID, domain.StageBuild, domain.DecisionAccepted, "", map[string]any{
		"txs":       len(bundle.Txs),
		"gas_limit": bundle.TotalGasLimit(),
	})

	if ctx.Err() != nil {
		reservation.Release()
		return o.stop(detached, opp, domain.StageSubmit)
	}
	// The reserved notional is durable before anything can leave the process.
	o.persistLedger(detached)

	start = o.now()
	st, err := o.deps.Submitter.Submit(ctx, bundle)
	o.deps.Metrics.Observe(string(domain.StageSubmit), start)
	// Capital counts against the daily cap once anything left the process.
	if st.Sent {
		reservation.Commit()
	} else {
		reservation.Release()
	}
	o.persistLedger(detached)

	out := Outcome{Stage: domain.StageInclusion, Submission: &st, Reason: st.Reason}
	switch st.Status {
	case domain.SubmissionIncluded:
		out.Decision = domain.DecisionIncluded
	default:
		out.Decision = domain.DecisionAbandoned
	}
	if err != nil {
		log.Info("pipeline run ended", slog.String("status", string(st.Status)), slog.String("error", err.Error()))
	} else {
		log.Info("pipeline run ended", slog.String("status", string(st.Status)))
	}
	return out
}

func (o *Orchestrator) reject(ctx context.Context, opp domain.Opportunity, stage domain.Stage, reason string, detail map[string]any) Outcome {
	o.record(ctx, opp, "", stage, domain.DecisionRejected, reason, detail)
	o.logger.Debug("opportunity rejected",
		slog.String("opportunity_id", opp.ID),
		slog.String("stage", string(stage)),
		slog.String("reason", reason),
	)
	return Outcome{Stage: stage, Decision: domain.DecisionRejected, Reason: reason}
}

func (o *Orchestrator) stop(ctx context.Context, opp domain.Opportunity, stage domain.Stage) Outcome {
	o.record(ctx, opp, "", stage, domain.DecisionSkipped, "stopped", nil)
	return Outcome{Stage: stage, Decision: domain.DecisionSkipped, Reason: "stopped"}
}

func (o *Orchestrator) record(ctx context.Context, opp domain.Opportunity, bundleID string, stage domain.Stage, decision domain.Decision, reason string, detail map[string]any) {
	o.deps.Metrics.Decision(string(stage), string(decision))
	if o.deps.Audit == nil {
		return
	}
	o.deps.Audit.Record(ctx, domain.DecisionRecord{
		OpportunityID: opp.ID,
		BundleID:      bundleID,
		Stage:         stage,
		Decision:      decision,
		Reason:        reason,
		Detail:        detail,
		At:            o.now(),
	})
}

func (o *Orchestrator) persistLedger(ctx context.Context) {
	snap := o.deps.Governor.Snapshot()
	o.deps.Metrics.SetDailyNotional(snap.Notional)
	o.deps.Metrics.SetKillSwitch(snap.KillSwitch)
	if err := o.deps.Governor.Persist(ctx); err != nil {
		o.logger.Warn("persist risk ledger failed", slog.String("error", err.Error()))
	}
}
