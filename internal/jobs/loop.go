package jobs

import (
	"context"
	"errors"
	"time"

	"mutualist/internal/executor"
	"mutualist/internal/history"
	"mutualist/internal/logging"
	"mutualist/internal/schedule"
)

// RunLoop runs immediately and then once per interval until ctx is done.
// Starts that land in a quiet hour are pushed to the next open hour. Run
// errors are logged and do not stop the loop.
func (r *Runner) RunLoop(ctx context.Context, interval time.Duration) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = executor.SleepContext
	}
	for {
		now := r.now()
		if at := schedule.NextWindow(now, r.Config.Schedule.QuietHours); at.After(now) {
			logging.Info("run_deferred_quiet_hours", map[string]any{"until": at.Format(time.RFC3339)})
			if err := sleep(ctx, at.Sub(now)); err != nil {
				logging.Info("run_loop_stop", nil)
				return err
			}
		}
		if ctx.Err() != nil {
			logging.Info("run_loop_stop", nil)
			return ctx.Err()
		}
		if _, err := r.RunOnce(ctx); errors.Is(err, history.ErrRunInProgress) {
			logging.Warn("run_skipped_in_progress", nil)
		}
		if err := sleep(ctx, interval); err != nil {
			logging.Info("run_loop_stop", nil)
			return err
		}
	}
}
