package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// housekeeper is what the scheduled jobs call on the engine.
type housekeeper interface {
	Rollover(ctx context.Context, now time.Time) (bool, error)
	GetPortfolioState() domain.PortfolioState
}

// housekeeping runs the daily rollover and, when an archiver is wired, the
// retention job on UTC cron schedules until ctx is done.
func (a *App) housekeeping(ctx context.Context, eng housekeeper, deps *Dependencies) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(a.cfg.Risk.RolloverCron, func() { a.rollover(ctx, eng) }); err != nil {
		return fmt.Errorf("app: rollover schedule %q: %w", a.cfg.Risk.RolloverCron, err)
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		if _, err := c.AddFunc(a.cfg.Archive.Cron, func() { a.archive(ctx, eng, deps.Archiver, time.Now()) }); err != nil {
			return fmt.Errorf("app: archive schedule %q: %w", a.cfg.Archive.Cron, err)
		}
	}
	c.Start()
	a.logger.Info("app: housekeeping scheduled",
		slog.String("rollover", a.cfg.Risk.RolloverCron),
		slog.Bool("archive", a.cfg.Archive.Enabled && deps.Archiver != nil),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (a *App) rollover(ctx context.Context, eng housekeeper) {
	changed, err := eng.Rollover(ctx, time.Now())
	if err != nil {
		a.logger.Error("app: day rollover failed", slog.String("error", err.Error()))
		return
	}
	if changed {
		a.logger.Info("app: accounting day rolled over", slog.String("day", eng.GetPortfolioState().Day))
	}
}

// archive moves terminal records older than the retention window to blob
// storage and uploads a portfolio checkpoint. Each step runs even when an
// earlier one failed.
func (a *App) archive(ctx context.Context, eng housekeeper, archiver domain.Archiver, now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	opps, err := archiver.ArchiveOpportunities(ctx, cutoff)
	if err != nil {
		a.logger.Error("app: archive opportunities failed", slog.String("error", err.Error()))
	}
	intents, err := archiver.ArchiveIntents(ctx, cutoff)
	if err != nil {
		a.logger.Error("app: archive intents failed", slog.String("error", err.Error()))
	}
	if err := archiver.ArchiveCheckpoint(ctx, eng.GetPortfolioState()); err != nil {
		a.logger.Error("app: archive checkpoint failed", slog.String("error", err.Error()))
	}
	a.logger.Info("app: archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("opportunities", opps),
		slog.Int64("intents", intents),
	)
}
