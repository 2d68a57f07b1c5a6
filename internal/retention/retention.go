// Package retention erases the payloads of soft-deleted messages once they
// have been tombstones for longer than the configured period. The message
// entry itself stays so conversations keep their shape; bodies, media URLs,
// stored blobs and edit history go away.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatstream/pkg/blob"
	"chatstream/pkg/config"
	"chatstream/pkg/logger"
	"chatstream/pkg/store"
)

const defaultCron = "0 2 * * *"
const defaultPeriod = 30 * 24 * time.Hour

// Start launches the retention scheduler if enabled and returns a cancel
// func for it.
func Start(ctx context.Context, cfg *config.Config, blobs *blob.Store) (context.CancelFunc, error) {
	if !cfg.Retention.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Retention.Cron
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Retention.Cron)
	}

	period := defaultPeriod
	if cfg.Retention.Period != "" {
		d, err := time.ParseDuration(cfg.Retention.Period)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid retention period: %s", cfg.Retention.Period)
		}
		period = d
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", period.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, period, blobs)
	return cancel, nil
}

// runScheduler computes the next cron tick via gronx and sleeps until it.
func runScheduler(ctx context.Context, cronExpr string, period time.Duration, blobs *blob.Store) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(period, blobs); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single sweep: every message soft-deleted longer ago
// than period loses its payload, version history and stored blob.
func RunOnce(period time.Duration, blobs *blob.Store) error {
	cutoff := time.Now().UTC().Add(-period).UnixNano()
	ids, err := store.ListDeletedBefore(cutoff)
	if err != nil {
		return fmt.Errorf("retention scan failed: %w", err)
	}
	erased := 0
	for _, id := range ids {
		mediaURL, err := store.EraseMessagePayload(id)
		if err != nil {
			logger.Error("retention_erase_failed", "id", id, "error", err)
			continue
		}
		if mediaURL != "" && blobs != nil {
			if err := blobs.RemoveURL(mediaURL); err != nil {
				logger.Warn("retention_blob_remove_failed", "id", id, "url", mediaURL, "error", err)
			}
		}
		erased++
	}
	logger.Info("retention_run_complete", "candidates", len(ids), "erased", erased)
	return nil
}
