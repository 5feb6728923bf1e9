// Command trafficcop-agent reports a node's interface counters to the
// TrafficCop push endpoint under the identity issued by the control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	// embedded zoneinfo for --tz
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/saintparish4/trafficcop/agent/reporter"
	"github.com/saintparish4/trafficcop/shared/utils"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultStateFile = "/var/lib/trafficcop/agent.json"

// envBindings maps flags to the environment variables that fill them when
// the flag is not given
var envBindings = map[string]string{
	"control-plane":   "TRAFFICCOP_CONTROL_PLANE",
	"push-url":        "TRAFFICCOP_PUSH_URL",
	"job":             "TRAFFICCOP_JOB",
	"instance":        "TRAFFICCOP_INSTANCE",
	"name":            "TRAFFICCOP_NAME",
	"iface":           "TRAFFICCOP_IFACES",
	"state-file":      "TRAFFICCOP_STATE_FILE",
	"proc-root":       "TRAFFICCOP_PROC_ROOT",
	"push-interval":   "TRAFFICCOP_PUSH_INTERVAL",
	"config-interval": "TRAFFICCOP_CONFIG_INTERVAL",
	"timeout":         "TRAFFICCOP_TIMEOUT",
	"tz":              "TRAFFICCOP_TZ",
}

type agentOptions struct {
	envFile string
	verbose bool
	tz      string
	stderr  io.Writer
	cfg     reporter.Config
}

func newRootCommand(stderr io.Writer) *cobra.Command {
	opts := &agentOptions{stderr: stderr}
	root := &cobra.Command{
		Use:          "trafficcop-agent",
		Short:        "Push interface counters to TrafficCop",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", "", "dotenv file read for unset variables")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&opts.cfg.ControlPlaneURL, "control-plane", "", "control plane base URL")
	pf.StringVar(&opts.cfg.PushURL, "push-url", "", "push endpoint base URL")
	pf.StringVar(&opts.cfg.Job, "job", "trafficcop", "job label pushed under")
	pf.StringVar(&opts.cfg.Instance, "instance", "", "instance label; defaults to node-<id>")
	pf.StringVar(&opts.cfg.DisplayName, "name", "", "display name sent at registration")
	pf.StringSliceVar(&opts.cfg.Interfaces, "iface", nil, "interfaces to report; all but loopback when empty")
	pf.StringVar(&opts.cfg.StateFile, "state-file", defaultStateFile, "where the node id and counter ledger are kept")
	pf.StringVar(&opts.cfg.ProcRoot, "proc-root", "/proc", "procfs mount point")
	pf.DurationVar(&opts.cfg.PushInterval, "push-interval", time.Minute, "interval between pushes")
	pf.DurationVar(&opts.cfg.ConfigInterval, "config-interval", 5*time.Minute, "interval between config pulls")
	pf.DurationVar(&opts.cfg.Timeout, "timeout", 10*time.Second, "timeout of each HTTP call")
	pf.StringVar(&opts.tz, "tz", "", "timezone of the daily counters; local time when empty")

	root.AddCommand(
		newRunCommand(opts),
		newOnceCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "trafficcop-agent %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// reporter applies the env file and environment to unset flags and builds
// the reporter
func (o *agentOptions) reporter(cmd *cobra.Command) (*reporter.Reporter, error) {
	log := utils.NewLogger(o.stderr, o.verbose)

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error("Operation failed: load_env", "error", err)
			return nil, err
		}
	}
	flags := cmd.Flags()
	for flag, env := range envBindings {
		if flags.Changed(flag) {
			continue
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := flags.Set(flag, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}

	cfg := o.cfg
	if o.tz != "" {
		loc, err := time.LoadLocation(o.tz)
		if err != nil {
			log.Error("Operation failed: load_timezone", "error", err)
			return nil, err
		}
		cfg.Location = loc
	}
	r, err := reporter.New(log, cfg)
	if err != nil {
		log.Error("Operation failed: new_reporter", "error", err)
		return nil, err
	}
	return r, nil
}

func newRunCommand(opts *agentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Register if needed, then push and pull config until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.reporter(cmd)
			if err != nil {
				return err
			}
			return r.Run(cmd.Context())
		},
	}
}

func newOnceCommand(opts *agentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Register if needed, push once and pull config",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.reporter(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := r.EnsureRegistered(ctx); err != nil {
				return err
			}
			if err := r.PushOnce(ctx); err != nil {
				return err
			}
			cfg, err := r.PullConfig(ctx)
			if err != nil {
				return err
			}
			id, instance := r.Identity()
			fmt.Fprintf(cmd.OutOrStdout(), "node_id=%d instance=%s reset_day=%d limit_mode=%s\n", id, instance, cfg.ResetDay, cfg.LimitMode)
			return nil
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
