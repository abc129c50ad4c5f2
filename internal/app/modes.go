package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mevbot/internal/cache/redis"
	"github.com/alanyoungcy/mevbot/internal/config"
)

// PipelineMode restores the risk ledger and kill switch, then runs the
// decision pipeline with its feeds, head poller and audit delivery until ctx
// is cancelled. Submissions left open by a previous process are recovered
// alongside; their accounts are reserved before the pipeline starts.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting pipeline mode", slog.Bool("dry_run", a.cfg.Mode == ModeDryRun))

	if err := a.restoreSafety(ctx, deps); err != nil {
		return err
	}

	auditDone := a.startAudit(deps)
	defer auditDone()

	recovery, err := deps.Controller.BeginRecovery(ctx)
	if err != nil {
		return fmt.Errorf("app: recover: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Chain.PollHeads(ctx, a.cfg.Chain.HeadPollInterval.Duration, deps.Market)
	})
	if deps.WSFeed != nil {
		g.Go(func() error { return deps.WSFeed.Run(ctx) })
	}
	if deps.BusFeed != nil {
		g.Go(func() error { return deps.BusFeed.Run(ctx) })
	}
	if deps.KillSwitch != nil {
		g.Go(func() error { return deps.KillSwitch.Run(ctx) })
	}
	if deps.Server != nil {
		g.Go(func() error { return deps.Server.Run(ctx) })
	}
	g.Go(func() error {
		if n := recovery.Run(ctx); n > 0 {
			a.logger.InfoContext(ctx, "recovered open submissions", slog.Int("count", n))
		}
		return nil
	})
	g.Go(func() error { return deps.Orchestrator.Run(ctx) })

	return g.Wait()
}

// RecoverMode drives every persisted non-terminal submission to a terminal
// state and returns.
func (a *App) RecoverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting recover mode")

	if err := a.restoreSafety(ctx, deps); err != nil {
		return err
	}
	auditDone := a.startAudit(deps)
	defer auditDone()

	n, err := deps.Controller.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: recover: %w", err)
	}
	a.logger.InfoContext(ctx, "recover finished", slog.Int("submissions", n))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := deps.Governor.Persist(persistCtx); err != nil {
		a.logger.Error("persist ledger failed", slog.String("error", err.Error()))
	}
	return nil
}

// restoreSafety loads today's ledger and the shared kill switch.
func (a *App) restoreSafety(ctx context.Context, deps *Dependencies) error {
	if err := deps.Governor.Load(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if deps.KillSwitch != nil {
		if err := deps.KillSwitch.Load(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	deps.Metrics.SetKillSwitch(deps.Governor.KillSwitchActive())
	if deps.Governor.KillSwitchActive() {
		a.logger.WarnContext(ctx, "starting with kill switch active",
			slog.String("reason", deps.Governor.KillReason()),
		)
	}
	return nil
}

// startAudit runs the audit recorder outside the mode's errgroup so records
// produced during shutdown are still delivered. The returned func closes the
// recorder and waits for it to drain.
func (a *App) startAudit(deps *Dependencies) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = deps.Audit.Run(context.Background())
	}()
	return func() {
		deps.Audit.Close()
		<-done
	}
}

// SetKillSwitch trips or clears the shared kill switch for every running
// instance. It needs only Redis.
func SetKillSwitch(ctx context.Context, cfg *config.Config, trip bool, reason string, logger *slog.Logger) error {
	if !cfg.Redis.Enabled {
		return fmt.Errorf("app: kill switch commands require redis")
	}
	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   1,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("app: redis: %w", err)
	}
	defer client.Close()

	ks := redis.NewKillSwitchSync(client, redis.NewSignalBus(client), nil, logger)
	if trip {
		if reason == "" {
			reason = "operator"
		}
		logger.Warn("tripping kill switch", slog.String("reason", reason))
		return ks.Trip(ctx, reason)
	}
	logger.Warn("clearing kill switch")
	return ks.Clear(ctx)
}
