package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Archiver moves audit and submission history older than the retention
// window to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run archives everything older than the retention window once.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Truncate(24 * time.Hour).Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	submissions, err := a.blobArchiver.ArchiveSubmissions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving submissions before %v: %w", cutoff, err)
	}
	audit, err := a.blobArchiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving audit log before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("submissions_archived", submissions),
		slog.Int64("audit_archived", audit),
	)
	return nil
}

// RunCron runs the archiver at every minute matching spec, a five-field
// cron expression evaluated in UTC (e.g. "30 4 * * *"). It returns
// ctx.Err() once ctx is done.
func (a *Archiver) RunCron(ctx context.Context, spec string) error {
	sched, err := parseSchedule(spec)
	if err != nil {
		return fmt.Errorf("archive cron %q: %w", spec, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", spec))

	for {
		next, ok := sched.next(a.now().UTC())
		if !ok {
			return fmt.Errorf("archive cron %q: no matching time within a year", spec)
		}
		wait := time.Until(next)
		a.logger.Debug("next archive run", slog.Time("at", next), slog.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}
}
