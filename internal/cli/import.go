package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mutualist/internal/cmdlog"
	"mutualist/internal/history"
)

// NewImportHistoryCommand creates the import-history command.
func NewImportHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import-history <file>",
		Short: "Import an unfollow_history.json file into the configured store",
		Long: `Import a JSON history document (the unfollow_history.json layout) into
the configured store. Accounts in it are never unfollowed again. A store
that already has history is left alone unless --replace is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdlog.Run("import_history", func() error {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				src, err := history.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read %s: %w", args[0], err)
				}
				b, err := openBackend(cfg)
				if err != nil {
					return err
				}
				defer b.close()
				release, err := b.locker.Acquire(cmd.Context(), "import-history", time.Minute)
				if err != nil {
					return err
				}
				defer release()
				cur, err := b.store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if (cur.TotalActions > 0 || len(cur.Excluded) > 0) && !replace {
					return fmt.Errorf("store already holds %d unfollows (use --replace to overwrite)", cur.TotalActions)
				}
				if err := b.store.Commit(cmd.Context(), src); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d unfollows (%d accounts excluded) from %s\n", src.TotalActions, len(src.Excluded), args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite existing history")
	return cmd
}
