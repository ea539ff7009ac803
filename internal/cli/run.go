package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mutualist/internal/cmdlog"
	"mutualist/internal/logging"
	"mutualist/internal/metrics"
)

// NewRunCommand creates the run command: one reconciliation pass.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Unfollow non-reciprocal accounts once",
		Long: `Run one pass: fetch followers and following, pick accounts that do not
follow back and were never actioned before, and unfollow them within the
daily and per-run limits. Ctrl-C stops between accounts; completed
unfollows are still recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("run", func() error {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				defer logging.Sync()
				b, err := openBackend(cfg)
				if err != nil {
					return err
				}
				defer b.close()
				r, err := newRunner(cfg, b, dryRun, true)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				sum, runErr := r.RunOnce(ctx)
				if err := writeSummary(cmd.OutOrStdout(), rootOpts.Format, sum); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be unfollowed without calling the API or recording history")
	return cmd
}

// NewDaemonCommand creates the daemon command: runs on the configured
// interval and serves metrics until interrupted.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run on a schedule and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("daemon", func() error {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				defer logging.Sync()
				b, err := openBackend(cfg)
				if err != nil {
					return err
				}
				defer b.close()
				r, err := newRunner(cfg, b, false, true)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				logging.Info("daemon_start", map[string]any{
					"interval": cfg.Schedule.Interval.String(), "metrics_addr": cfg.Metrics.Addr,
					"backend": cfg.Storage.Backend,
				})
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr) })
				g.Go(func() error { return r.RunLoop(gctx, cfg.Schedule.Interval) })
				err = g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	return cmd
}
