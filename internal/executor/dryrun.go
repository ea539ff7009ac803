package executor

import (
	"context"

	"mutualist/internal/logging"
	"mutualist/internal/model"
)

// DryRun passes reads through to the wrapped service and turns Unfollow
// into a logged no-op.
type DryRun struct {
	model.AccountService
}

func (d DryRun) Unfollow(ctx context.Context, sourceID, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.Info("dry_run_unfollow", map[string]any{"account_id": targetID})
	return nil
}
