package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xraph/ledgersync"
)

type statusReport struct {
	Status  ledgersync.Status `json:"status"   yaml:"status"`
	Remote  string            `json:"remote"   yaml:"remote"`
	DataDir string            `json:"data_dir" yaml:"data_dir"`
}

func newStatusCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes and sync configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			pending, err := engine.PendingCount(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				Status:  engine.Status(),
				Remote:  "none",
				DataDir: a.cfg.DataDir,
			}
			report.Status.Pending = pending
			if a.cfg.Mongo.URI != "" {
				report.Remote = "mongodb/" + a.cfg.Mongo.Database
			}

			return writeStatus(cmd.OutOrStdout(), output, report)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func writeStatus(w io.Writer, format string, r statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "State:\t%s\n", r.Status.State)
		fmt.Fprintf(tw, "Pending changes:\t%d\n", r.Status.Pending)
		if !r.Status.LastSyncedAt.IsZero() {
			fmt.Fprintf(tw, "Last synced:\t%s\n", r.Status.LastSyncedAt.Format(time.RFC3339))
		}
		if r.Status.Err != "" {
			fmt.Fprintf(tw, "Error:\t%s\n", r.Status.Err)
		}
		fmt.Fprintf(tw, "Remote:\t%s\n", r.Remote)
		fmt.Fprintf(tw, "Data dir:\t%s\n", r.DataDir)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
