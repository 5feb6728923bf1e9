package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/saintparish4/trafficcop/control-plane/api"
	"github.com/spf13/cobra"
)

func newSyncNodesCommand(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync-nodes",
		Short: "Reconcile the node registry against the counter source",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				return a.reconciler.Run(cmd.Context())
			}
			report, err := a.reconciler.ReconcileNow(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep reconciling every SYNC_INTERVAL until interrupted")
	return cmd
}

func newBaselineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Capture monthly baselines for nodes whose reset day is today",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler.CaptureDueBaselines(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newSummaryCommand(opts *rootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate one day of traffic into history and send the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Close()

			at := a.clock.Now().In(a.cfg.Location)
			if day != "" {
				at, err = time.ParseInLocation("2006-01-02", day, a.cfg.Location)
				if err != nil {
					return fmt.Errorf("--date: expected YYYY-MM-DD: %w", err)
				}
			}
			report, err := a.scheduler.SummarizeDate(cmd.Context(), at)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "day to aggregate (YYYY-MM-DD), defaults to today in SCHEDULER_TZ")
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token signed with ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.AdminJWTSecret == "" {
				return errors.New("ADMIN_JWT_SECRET is not set, admin routes are open")
			}
			token, err := api.IssueAdminToken(a.cfg.AdminJWTSecret, a.clock.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
