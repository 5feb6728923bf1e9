// Package cmd implements the trafficcop control plane command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/config"
	"github.com/saintparish4/trafficcop/shared/utils"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetBuildInfo records linker-provided build metadata
func SetBuildInfo(v, c, d string) {
	version, commit, date = v, c, d
}

type rootOptions struct {
	envFile string
	verbose bool
	clock   clockwork.Clock
	stderr  io.Writer
}

// NewRootCommand builds the trafficcop command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{clock: clockwork.NewRealClock(), stderr: os.Stderr})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "trafficcop",
		Short: "TrafficCop traffic accounting control plane",
		Long: `TrafficCop keeps a registry of metered nodes, reconciles it against the
counters agents push, and accounts monthly usage against per-node caps.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, "dotenv file read for unset variables")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(opts),
		newSyncNodesCommand(opts),
		newBaselineCommand(opts),
		newSummaryCommand(opts),
		newTokenCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command with signal handling
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (o *rootOptions) logger() *slog.Logger {
	return utils.NewLogger(o.stderr, o.verbose)
}

// load reads the configuration and wires every component
func (o *rootOptions) load() (*app, error) {
	log := o.logger()
	cfg, err := config.Load(o.envFile)
	if err != nil {
		log.Error("Operation failed: load_config", "error", err)
		return nil, err
	}
	a, err := newApp(log, cfg, o.clock)
	if err != nil {
		log.Error("Operation failed: new_app", "error", err)
		return nil, err
	}
	return a, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trafficcop %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
