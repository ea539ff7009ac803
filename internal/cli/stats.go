package cli

import (
	"time"

	"github.com/spf13/cobra"

	"mutualist/internal/analytics"
	"mutualist/internal/cmdlog"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var days, recent int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show unfollow history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("stats", func() error {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				b, err := openBackend(cfg)
				if err != nil {
					return err
				}
				defer b.close()
				st, err := b.store.Load(cmd.Context())
				if err != nil {
					return err
				}
				loc, _ := cfg.Location()
				return writeStats(cmd.OutOrStdout(), rootOpts.Format, analytics.Summarize(st, time.Now().In(loc), days, recent), cfg.Limits.MaxPerDay)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of trailing days to show")
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent unfollows to list")
	return cmd
}
