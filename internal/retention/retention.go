// Package retention prunes old conversation history on a cron schedule:
// persisted messages past the configured period, and durable-log records
// the consumer group has already committed past.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, eff config.EffectiveConfigResult, log *chatlog.Log) (context.CancelFunc, error) {
	ret := eff.Config.Retention
	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	if _, err := time.ParseDuration(ret.Period); err != nil {
		logger.Error("retention_invalid_period", "period", ret.Period)
		return nil, fmt.Errorf("invalid retention period %q: %w", ret.Period, err)
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", ret.Period)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, eff, log, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until
// then, triggering one run per tick.
func runScheduler(ctx context.Context, eff config.EffectiveConfigResult, log *chatlog.Log, cronExpr string) {
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
			if err := RunOnce(eff, log); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce executes one retention pass over every channel.
func RunOnce(eff config.EffectiveConfigResult, log *chatlog.Log) error {
	ret := eff.Config.Retention
	if ret.BatchSize <= 0 {
		ret.BatchSize = 500
	}
	period, err := time.ParseDuration(ret.Period)
	if err != nil {
		return fmt.Errorf("invalid retention period %q: %w", ret.Period, err)
	}
	cutoff := time.Now().UTC().Add(-period).UnixNano()

	channels, err := store.ListChannels()
	if err != nil {
		return err
	}
	total := 0
	for _, ch := range channels {
		if ret.DryRun {
			msgs, err := store.ListMessages(ch, 0)
			if err != nil {
				return err
			}
			n := 0
			for _, m := range msgs {
				if m.CreatedTS < cutoff {
					n++
				}
			}
			logger.Info("retention_dry_run", "channel", ch, "would_purge", n)
			continue
		}
		for {
			n, err := store.PurgeOlderThan(ch, cutoff, ret.BatchSize)
			if err != nil {
				return err
			}
			total += n
			if n < ret.BatchSize {
				break
			}
		}
	}

	if !ret.DryRun && log != nil {
		// Log records the store-applier already committed past are dead
		// weight; drop them per partition.
		parts, err := log.Partitions()
		if err != nil {
			return err
		}
		group := eff.Config.Log.Group
		for _, ch := range parts {
			committed, err := log.Committed(group, ch)
			if err != nil {
				return err
			}
			if committed > 1 {
				if err := log.TruncateBefore(ch, committed); err != nil {
					return err
				}
			}
		}
	}

	logger.Info("retention_run_complete", "purged", total, "channels", len(channels))
	return nil
}
