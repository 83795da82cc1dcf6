package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron runs the stale sweep every minute.
const DefaultSweepCron = "*/1 * * * *"

// ValidateCron reports whether expr is a usable sweep schedule.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// RunSweeper calls SweepStale on the cron schedule until ctx is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, cronExpr string, olderThan time.Duration) error {
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if err := ValidateCron(cronExpr); err != nil {
		return err
	}

	q.log.Info("Stale sweeper started", "cron", cronExpr, "older_than", olderThan)

	for {
		next, err := gronx.NextTickAfter(cronExpr, q.now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			q.log.Info("Stale sweeper stopped")
			return nil
		case <-timer.C:
		}

		if _, err := q.SweepStale(ctx, olderThan); err != nil && ctx.Err() == nil {
			q.log.Error("Stale sweep failed", "error", err)
		}
	}
}
