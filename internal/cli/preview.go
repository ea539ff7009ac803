package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mutualist/internal/cmdlog"
	"mutualist/internal/quota"
)

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "List accounts the next run would unfollow",
		Long: `List every current non-reciprocal candidate, in the order a run would
process them, and how many fit in today's quota. Nothing is unfollowed
and history is not modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("preview", func() error {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				b, err := openBackend(cfg)
				if err != nil {
					return err
				}
				defer b.close()
				r, err := newRunner(cfg, b, true, false)
				if err != nil {
					return err
				}
				cands, err := r.Preview(cmd.Context())
				if err != nil {
					return err
				}
				st, err := b.store.Load(cmd.Context())
				if err != nil {
					return err
				}
				loc, _ := cfg.Location()
				allowed := quota.AllowedThisRun(st, cfg.Limits.MaxPerDay, cfg.Limits.MaxPerRun, len(cands), time.Now().In(loc))
				shown := cands
				if limit > 0 && len(shown) > limit {
					shown = shown[:limit]
				}
				w := cmd.OutOrStdout()
				if rootOpts.Format == "json" {
					return writeJSON(w, map[string]any{
						"candidates": len(cands),
						"next_run":   allowed,
						"accounts":   accountViews(shown),
					})
				}
				fmt.Fprintf(w, "%d accounts do not follow back; the next run would unfollow %d\n", len(cands), allowed)
				for i, a := range shown {
					mark := " "
					if i < allowed {
						mark = "*"
					}
					fmt.Fprintf(w, "%s @%s (%s)\n", mark, a.Handle, a.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum accounts to list (0 lists all)")
	return cmd
}
