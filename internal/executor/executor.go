package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"mutualist/internal/config"
	"mutualist/internal/logging"
	"mutualist/internal/metrics"
	"mutualist/internal/model"
)

// Unfollower is the one remote call the executor makes.
type Unfollower interface {
	Unfollow(ctx context.Context, sourceID, targetID string) error
}

// Policy bounds retries and sets the waiting windows.
type Policy struct {
	// MaxRetries caps attempts that end in a transient error.
	MaxRetries int
	// MaxRateLimitPauses caps rate-limit pauses per account. It is a
	// separate budget so a throttled account does not eat its transient
	// retries, and is finite so a persistent throttle ends the account.
	MaxRateLimitPauses int
	RateLimitMin       time.Duration
	RateLimitMax       time.Duration
	TransientMin       time.Duration
	TransientMax       time.Duration
	PaceBase           time.Duration
	PaceJitterMin      time.Duration
	PaceJitterMax      time.Duration
	// AttemptTimeout bounds one remote call. Zero means DefaultAttemptTimeout.
	AttemptTimeout time.Duration
}

const DefaultAttemptTimeout = 30 * time.Second

// PolicyFromConfig copies the retry and pacing sections of cfg.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		MaxRetries:         cfg.Retry.MaxRetries,
		MaxRateLimitPauses: cfg.Retry.MaxRateLimitPauses,
		RateLimitMin:       cfg.Retry.RateLimitMin,
		RateLimitMax:       cfg.Retry.RateLimitMax,
		TransientMin:       cfg.Retry.TransientMin,
		TransientMax:       cfg.Retry.TransientMax,
		PaceBase:           cfg.Pacing.BaseDelay,
		PaceJitterMin:      cfg.Pacing.JitterMin,
		PaceJitterMax:      cfg.Pacing.JitterMax,
		AttemptTimeout:     cfg.Retry.AttemptTimeout,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is the final state of one account.
type Result struct {
	Account         model.Account
	Outcome         model.Outcome
	Attempts        int
	RateLimitPauses int
	// Err is the last error seen; nil on Success.
	Err error
}

// Executor runs unfollows one at a time.
type Executor struct {
	policy Policy
	sleep  Sleeper

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Executor)

func WithSleeper(s Sleeper) Option { return func(e *Executor) { e.sleep = s } }

func WithRand(r *rand.Rand) Option { return func(e *Executor) { e.rnd = r } }

func New(p Policy, opts ...Option) *Executor {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	e := &Executor{
		policy: p,
		sleep:  SleepContext,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Execute unfollows target on behalf of sourceID, retrying per Policy.
// Cancellation is checked before every attempt and during every wait; an
// attempt already sent is never abandoned.
func (e *Executor) Execute(ctx context.Context, svc Unfollower, sourceID string, target model.Account) Result {
	res := Result{Account: target}
	transient := 0
	for {
		if err := ctx.Err(); err != nil {
			res.Outcome, res.Err = model.Failure, err
			return res
		}
		res.Attempts++
		err := e.attempt(ctx, svc, sourceID, target.ID)
		outcome, hint := model.Classify(err)
		metrics.IncAttempt(outcome.String())

		switch outcome {
		case model.Success:
			res.Outcome, res.Err = model.Success, nil
			return res
		case model.PermanentError, model.Failure:
			res.Outcome, res.Err = outcome, err
			return res
		case model.RateLimited:
			res.Err = err
			if res.RateLimitPauses >= e.policy.MaxRateLimitPauses {
				res.Outcome = model.Failure
				return res
			}
			res.RateLimitPauses++
			wait := e.rateLimitWait(hint)
			logging.Warn("unfollow_rate_limited", map[string]any{
				"account": target.Handle, "account_id": target.ID,
				"pause": res.RateLimitPauses, "wait": wait.String(),
			})
			if werr := e.wait(ctx, "rate_limit", wait); werr != nil {
				res.Outcome, res.Err = model.Failure, werr
				return res
			}
		case model.TransientError:
			res.Err = err
			transient++
			if transient >= e.policy.MaxRetries {
				res.Outcome = model.Failure
				return res
			}
			wait := e.uniform(e.policy.TransientMin, e.policy.TransientMax)
			logging.Warn("unfollow_transient_error", map[string]any{
				"account": target.Handle, "account_id": target.ID,
				"attempt": transient, "wait": wait.String(), "error": err,
			})
			if werr := e.wait(ctx, "transient", wait); werr != nil {
				res.Outcome, res.Err = model.Failure, werr
				return res
			}
		}
	}
}

// attempt makes one remote call. The call is detached from ctx so that a
// stop request never cuts a request the server may already have applied;
// AttemptTimeout bounds it instead. A timeout of the call itself is
// transient.
func (e *Executor) attempt(ctx context.Context, svc Unfollower, sourceID, targetID string) error {
	timeout := e.policy.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := svc.Unfollow(actx, sourceID, targetID)
	if err != nil && actx.Err() != nil && errors.Is(err, actx.Err()) {
		return fmt.Errorf("unfollow %s: attempt timed out after %s", targetID, timeout)
	}
	return err
}

// Pace blocks for the inter-action delay: PaceBase plus a uniform offset
// in [PaceJitterMin, PaceJitterMax], never negative.
func (e *Executor) Pace(ctx context.Context) error {
	d := e.policy.PaceBase + e.uniform(e.policy.PaceJitterMin, e.policy.PaceJitterMax)
	if d < 0 {
		d = 0
	}
	return e.wait(ctx, "pacing", d)
}

func (e *Executor) wait(ctx context.Context, kind string, d time.Duration) error {
	metrics.AddBackoff(kind, d)
	return e.sleep(ctx, d)
}

func (e *Executor) rateLimitWait(hint time.Duration) time.Duration {
	d := e.uniform(e.policy.RateLimitMin, e.policy.RateLimitMax)
	if hint > d {
		d = hint
	}
	return d
}

// uniform returns a duration in [lo, hi].
func (e *Executor) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + time.Duration(e.rnd.Int63n(int64(hi-lo)+1))
}
