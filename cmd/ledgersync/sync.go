package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	var retries uint

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Push pending local changes and pull remote ones once.

Transport faults are retried with exponential backoff up to --retries
attempts. Merge failures are reported and the affected records stay parked
until they are edited again or requeued.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireRemote(); err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			syncErr := engine.SyncWithRetry(ctx, retries)
			status := engine.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s, pending: %d\n", status.State, status.Pending)
			return syncErr
		},
	}

	cmd.Flags().UintVar(&retries, "retries", 5, "attempts before giving up on transport faults (0 = until interrupted)")
	return cmd
}
