package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutualist_runs_total",
		Help: "Total reconciliation runs",
	})
	RunErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutualist_run_errors_total",
		Help: "Total reconciliation runs that returned an error",
	})
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutualist_run_duration_seconds",
		Help:    "Reconciliation run duration seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})
	UnfollowAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutualist_unfollow_attempts_total",
		Help: "Unfollow attempts by outcome",
	}, []string{"outcome"})
	Unfollows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutualist_unfollows_total",
		Help: "Accounts successfully unfollowed",
	})
	BackoffSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutualist_backoff_seconds_total",
		Help: "Seconds spent waiting, by kind (rate_limit, transient, pacing)",
	}, []string{"kind"})
	QuotaRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mutualist_quota_remaining",
		Help: "Unfollows still permitted today at the start of the last run",
	})
	HistoryResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutualist_history_load_resets_total",
		Help: "History loads that found corrupt state and started empty",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutualist_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutualist_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"cmd"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutualist_command_errors_total",
		Help: "CLI command failures",
	}, []string{"cmd"})
)

func init() {
	prometheus.MustRegister(Runs, RunErrors, RunDuration, UnfollowAttempts, Unfollows,
		BackoffSeconds, QuotaRemaining, HistoryResets, APIRetries, CommandRuns, CommandErrors)
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

// Serve runs a metrics HTTP server on addr until ctx is cancelled.
// An empty addr disables the server and Serve blocks until ctx is done.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ObserveRunDuration records a run duration
func ObserveRunDuration(start time.Time) {
	RunDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncAttempt(outcome string) { UnfollowAttempts.WithLabelValues(outcome).Inc() }

func AddBackoff(kind string, d time.Duration) { BackoffSeconds.WithLabelValues(kind).Add(d.Seconds()) }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
