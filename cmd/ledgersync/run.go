package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/xraph/ledgersync/statusfeed"
)

func newRunCmd(a *app) *cobra.Command {
	var feedAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Long: `Run the sync engine: push local changes, pull remote ones and resolve
conflicts whenever something changes, on a timer, and after outages.

With --feed, sync status is streamed to WebSocket clients at ws://<addr>/ws
and served as JSON at http://<addr>/status.

Changes to sync.interval in the config file apply without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireRemote(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			if err := engine.Start(ctx); err != nil {
				return err
			}

			a.v.OnConfigChange(func(e fsnotify.Event) {
				cfg, err := decodeConfig(a.v)
				if err != nil {
					a.logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
					return
				}
				if cfg.Sync.Interval != a.cfg.Sync.Interval {
					engine.SetSyncInterval(cfg.Sync.Interval)
				}
				a.cfg.Sync.Interval = cfg.Sync.Interval
			})
			if a.v.ConfigFileUsed() != "" {
				a.v.WatchConfig()
			}

			if feedAddr == "" {
				feedAddr = a.cfg.Feed.Addr
			}
			feedErr := make(chan error, 1)
			if feedAddr != "" {
				feed := statusfeed.New(engine, statusfeed.WithLogger(a.logger))
				go func() { feedErr <- feed.ListenAndServe(ctx, feedAddr) }()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "ledgersync running (device %s), press Ctrl+C to stop\n", engine.DeviceID())

			select {
			case <-ctx.Done():
			case err := <-feedErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "stopping...")
			return nil
		},
	}

	cmd.Flags().StringVar(&feedAddr, "feed", "", "serve the status feed on this address (e.g. :8787)")
	return cmd
}
