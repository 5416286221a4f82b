package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newSweepCmd deletes expired persisted sessions without starting the server,
// for deployments where the cache is down long enough for snapshots to pile up.
func newSweepCmd(v *viper.Viper) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete persisted sessions whose deadline has passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProfile(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx, p)
			if err != nil {
				return err
			}
			defer s.Close()

			now := time.Now()
			if dryRun {
				keys, err := s.ListExpired(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d expired sessions would be deleted\n", len(keys))
				return nil
			}

			n, err := s.PurgeExpired(ctx, now)
			if err != nil {
				return err
			}
			slog.Info("expired sessions purged", "driver", p.Driver, "count", n)
			fmt.Fprintf(cmd.OutOrStdout(), "%d expired sessions deleted\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count expired sessions")

	return cmd
}
