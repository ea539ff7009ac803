package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mutualist/internal/config"
	"mutualist/internal/executor"
	"mutualist/internal/history"
	"mutualist/internal/logging"
	"mutualist/internal/metrics"
	"mutualist/internal/model"
	"mutualist/internal/quota"
	"mutualist/internal/reconcile"
)

// FetchError means the follow snapshot could not be fetched. Nothing was
// unfollowed and nothing was committed.
type FetchError struct{ Err error }

func (e *FetchError) Error() string { return "fetch follow snapshot: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// CommitError means unfollows happened but could not be recorded. The
// summary still lists them.
type CommitError struct{ Err error }

func (e *CommitError) Error() string { return "commit history: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }

// Failure describes one account that was attempted and not unfollowed.
type Failure struct {
	Account  model.Account
	Outcome  model.Outcome
	Attempts int
	Err      string
}

// Summary is the outcome of one run.
type Summary struct {
	RunID             string
	Started           time.Time
	Finished          time.Time
	Candidates        int
	Attempted         int
	Succeeded         int
	Failed            int
	SkippedDueToQuota int
	// QuotaRemaining is the daily allowance left when the run started.
	QuotaRemaining int
	QuotaExhausted bool
	// Paused is set when the remote side rate limited the snapshot fetch
	// and the run ended before acting.
	Paused     bool
	Cancelled  bool
	DryRun     bool
	Unfollowed []model.Account
	Failures   []Failure
}

// Runner performs reconciliation runs against one history store.
type Runner struct {
	Store    history.Store
	Locker   history.Locker
	Service  model.AccountService
	Executor *executor.Executor
	Config   config.Config
	// DryRun swaps Unfollow for a no-op and skips the history commit.
	DryRun bool

	Now      func() time.Time
	NewRunID func() string
	Sleep    executor.Sleeper
}

func NewRunner(cfg config.Config, store history.Store, locker history.Locker, svc model.AccountService, ex *executor.Executor) *Runner {
	return &Runner{Store: store, Locker: locker, Service: svc, Executor: ex, Config: cfg}
}

func (r *Runner) now() time.Time {
	t := time.Now()
	if r.Now != nil {
		t = r.Now()
	}
	if loc, err := r.Config.Location(); err == nil {
		t = t.In(loc)
	}
	return t
}

func (r *Runner) runID() string {
	if r.NewRunID != nil {
		return r.NewRunID()
	}
	return uuid.NewString()
}

// RunOnce performs one reconciliation pass: load history, fetch the
// snapshot, pick candidates within quota, unfollow them one by one and
// commit the successes. Cancelling ctx stops the run between accounts;
// successes so far are still committed.
func (r *Runner) RunOnce(ctx context.Context) (sum Summary, err error) {
	sum = Summary{RunID: r.runID(), Started: r.now(), DryRun: r.DryRun}
	wall := time.Now()
	metrics.Runs.Inc()
	defer func() {
		metrics.ObserveRunDuration(wall)
		sum.Finished = r.now()
		if err != nil {
			metrics.RunErrors.Inc()
			logging.Error("run_failed", map[string]any{"run_id": sum.RunID, "error": err})
			return
		}
		logging.Info("run_complete", summaryFields(sum))
	}()

	if r.Locker != nil {
		release, lerr := r.Locker.Acquire(ctx, sum.RunID, r.Config.Storage.LeaseTTL)
		if lerr != nil {
			return sum, lerr
		}
		defer func() {
			if rerr := release(); rerr != nil {
				logging.Warn("run_lease_release_failed", map[string]any{"run_id": sum.RunID, "error": rerr})
			}
		}()
	}

	state, err := r.Store.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("load history: %w", err)
	}

	start := r.now()
	sum.QuotaRemaining = quota.RemainingToday(state, r.Config.Limits.MaxPerDay, start)
	metrics.QuotaRemaining.Set(float64(sum.QuotaRemaining))
	if sum.QuotaRemaining == 0 {
		sum.QuotaExhausted = true
		if !r.Config.Schedule.FetchWhenExhausted {
			return sum, nil
		}
	}

	me, snap, err := r.fetch(ctx)
	if err != nil {
		var rl *model.RateLimitError
		if errors.As(err, &rl) {
			sum.Paused = true
			logging.Warn("run_paused_at_fetch", map[string]any{"run_id": sum.RunID, "retry_after": rl.RetryAfter.String()})
			return sum, nil
		}
		return sum, &FetchError{Err: err}
	}

	excluded := reconcile.Union(
		reconcile.ExcludedIDs(state),
		reconcile.KeepIDs(snap, r.Config.Limits.Keep),
		map[string]struct{}{me.ID: {}},
	)
	candidates := reconcile.NonReciprocal(snap, excluded)
	allowed := quota.AllowedThisRun(state, r.Config.Limits.MaxPerDay, r.Config.Limits.MaxPerRun, len(candidates), start)
	sum.Candidates = len(candidates)
	sum.SkippedDueToQuota = len(candidates) - allowed
	logging.Info("run_candidates", map[string]any{
		"run_id": sum.RunID, "followers": len(snap.Followers), "following": len(snap.Following),
		"candidates": len(candidates), "allowed": allowed, "quota_remaining": sum.QuotaRemaining,
	})
	if allowed == 0 {
		return sum, nil
	}

	svc := executor.Unfollower(r.Service)
	if r.DryRun {
		svc = executor.DryRun{AccountService: r.Service}
	}
	var done []model.Account
	for i, acct := range candidates[:allowed] {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		sum.Attempted++
		res := r.Executor.Execute(ctx, svc, me.ID, acct)
		if res.Outcome == model.Success {
			sum.Succeeded++
			done = append(done, acct)
			metrics.Unfollows.Inc()
			logging.Info("unfollowed", map[string]any{"run_id": sum.RunID, "account": acct.Handle, "account_id": acct.ID, "attempts": res.Attempts})
			if sum.Succeeded%10 == 0 {
				logging.Info("unfollow_progress", map[string]any{"run_id": sum.RunID, "done": sum.Succeeded, "of": allowed})
			}
		} else {
			sum.Failed++
			f := Failure{Account: acct, Outcome: res.Outcome, Attempts: res.Attempts}
			if res.Err != nil {
				f.Err = res.Err.Error()
			}
			sum.Failures = append(sum.Failures, f)
			logging.Warn("unfollow_failed", map[string]any{"run_id": sum.RunID, "account": acct.Handle, "account_id": acct.ID, "outcome": res.Outcome.String(), "error": f.Err})
		}
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}
		if res.Outcome == model.Success && i < allowed-1 {
			if perr := r.Executor.Pace(ctx); perr != nil {
				sum.Cancelled = true
				break
			}
		}
	}
	sum.Unfollowed = done

	if r.DryRun {
		return sum, nil
	}
	// The commit must survive the cancellation that may have ended the loop.
	next := history.RecordActions(state, done, r.now())
	if cerr := r.Store.Commit(context.WithoutCancel(ctx), next); cerr != nil {
		return sum, &CommitError{Err: cerr}
	}
	return sum, nil
}

func (r *Runner) fetch(ctx context.Context) (model.Account, model.FollowSnapshot, error) {
	me, err := r.Service.LookupAccount(ctx, r.Config.Account.Username)
	if err != nil {
		return me, model.FollowSnapshot{}, fmt.Errorf("lookup %q: %w", r.Config.Account.Username, err)
	}
	snap, err := r.Service.FetchFollowSnapshot(ctx, me.ID)
	if err != nil {
		return me, snap, err
	}
	return me, snap, nil
}

// Preview lists current candidates without acting or touching history.
func (r *Runner) Preview(ctx context.Context) ([]model.Account, error) {
	state, err := r.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	me, snap, err := r.fetch(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	excluded := reconcile.Union(
		reconcile.ExcludedIDs(state),
		reconcile.KeepIDs(snap, r.Config.Limits.Keep),
		map[string]struct{}{me.ID: {}},
	)
	return reconcile.NonReciprocal(snap, excluded), nil
}

func summaryFields(s Summary) map[string]any {
	return map[string]any{
		"run_id":               s.RunID,
		"candidates":           s.Candidates,
		"attempted":            s.Attempted,
		"succeeded":            s.Succeeded,
		"failed":               s.Failed,
		"skipped_due_to_quota": s.SkippedDueToQuota,
		"quota_remaining":      s.QuotaRemaining,
		"quota_exhausted":      s.QuotaExhausted,
		"paused":               s.Paused,
		"cancelled":            s.Cancelled,
		"dry_run":              s.DryRun,
	}
}
