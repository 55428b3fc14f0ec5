package main

import (
	"context"

	"deixis/config"
	"deixis/services"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// setupJobs registriert die Anreicherung und das erneute Versenden hängender Lessons.
func setupJobs(ctx context.Context, cfg *config.Config, logging *zap.Logger, lessons *services.LessonService, enricher *services.Enricher) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if len(enricher.Providers) > 0 {
		_, err := scheduler.AddFunc(cfg.EnrichSchedule, func() {
			logging.Info("Running scheduled enrichment job...")
			count, err := enricher.RunBatch(ctx)
			if err != nil {
				logging.Error("Enrichment job failed", zap.Error(err))
				return
			}
			logging.Info("Enrichment job completed", zap.Int("enriched_papers", count))
			papersEnrichedCounter.Add(float64(count))
		})
		if err != nil {
			return nil, err
		}
	}

	if lessons.Dispatcher != nil {
		_, err := scheduler.AddFunc(cfg.RedispatchSchedule, func() {
			count, err := lessons.Redispatch(ctx, cfg.RedispatchAfter)
			if err != nil {
				logging.Error("Redispatch job failed", zap.Error(err))
				return
			}
			if count > 0 {
				logging.Info("Redispatched pending lessons", zap.Int("lessons", count))
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return scheduler, nil
}
