// Package reporter is the node-side agent: it registers with the control
// plane, reads kernel interface counters and pushes them to the push
// endpoint under the node's identity.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/saintparish4/trafficcop/shared/utils"
)

const (
	defaultJob            = "trafficcop"
	defaultProcRoot       = "/proc"
	defaultPushInterval   = time.Minute
	defaultConfigInterval = 5 * time.Minute
	defaultTimeout        = 10 * time.Second
)

// Config configures a Reporter
type Config struct {
	ControlPlaneURL string
	PushURL         string
	StateFile       string

	// Optional configuration.
	Job            string
	Instance       string
	DisplayName    string
	Interfaces     []string
	ProcRoot       string
	PushInterval   time.Duration
	ConfigInterval time.Duration
	Timeout        time.Duration
	Location       *time.Location
	Clock          clockwork.Clock
}

func (c *Config) Validate() error {
	if c.ControlPlaneURL == "" {
		return errors.New("control plane url is required")
	}
	if c.PushURL == "" {
		return errors.New("push url is required")
	}
	if c.StateFile == "" {
		return errors.New("state file is required")
	}
	if c.Instance != "" && !models.ValidInstance(c.Instance) {
		return fmt.Errorf("invalid instance %q", c.Instance)
	}
	if c.Job == "" {
		c.Job = defaultJob
	}
	if c.ProcRoot == "" {
		c.ProcRoot = defaultProcRoot
	}
	if c.PushInterval <= 0 {
		c.PushInterval = defaultPushInterval
	}
	if c.ConfigInterval <= 0 {
		c.ConfigInterval = defaultConfigInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reporter owns the agent state file. Its methods are safe to call from
// different goroutines.
type Reporter struct {
	log    *slog.Logger
	cfg    Config
	cp     *ControlPlane
	client *http.Client

	mu    sync.Mutex
	state *State
}

func New(log *slog.Logger, cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := LoadState(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Reporter{
		log:    log,
		cfg:    cfg,
		cp:     NewControlPlane(cfg.ControlPlaneURL, client),
		client: client,
		state:  state,
	}, nil
}

// Identity returns the node id and instance the agent pushes under
func (r *Reporter) Identity() (int64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.NodeID, r.state.Instance
}

// EnsureRegistered obtains a node id from the control plane unless the
// state file already holds one. A configured instance that differs from
// the stored one replaces it; the control plane rebinds on its next
// discovery pass.
func (r *Reporter) EnsureRegistered(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Registered() {
		if r.cfg.Instance != "" && r.cfg.Instance != r.state.Instance {
			r.log.Info("instance changed", "node_id", r.state.NodeID, "from", r.state.Instance, "to", r.cfg.Instance)
			r.state.Instance = r.cfg.Instance
			r.state.PushPath = utils.PushPath(r.cfg.Job, r.state.NodeID, r.state.Instance)
			return r.state.Save(r.cfg.StateFile)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp, err := r.cp.Register(ctx, r.cfg.Instance, r.cfg.DisplayName)
	if err != nil {
		return err
	}

	r.state.NodeID = resp.NodeID
	r.state.Instance = r.cfg.Instance
	if r.state.Instance == "" {
		r.state.Instance = utils.DefaultAgentInstance(resp.NodeID)
	}
	r.state.PushPath = resp.PushPath
	r.state.RegisteredAt = r.cfg.Clock.Now().UTC()
	if err := r.state.Save(r.cfg.StateFile); err != nil {
		return err
	}
	r.log.Info("registered with control plane", "node_id", r.state.NodeID, "instance", r.state.Instance, "push_path", r.state.PushPath)
	return nil
}

// PushOnce reads the interface counters, folds them into the ledger and
// replaces the node's group on the push endpoint.
func (r *Reporter) PushOnce(ctx context.Context) error {
	readings, err := ReadNetDev(r.cfg.ProcRoot, r.cfg.Interfaces)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !r.state.Registered() {
		r.mu.Unlock()
		return errors.New("agent is not registered")
	}
	now := r.cfg.Clock.Now()
	r.state.Ledger.Observe(models.DateTag(now.In(r.cfg.Location)), readings)
	collector := newTrafficCollector(&r.state.Ledger, now)
	nodeID, instance := r.state.NodeID, r.state.Instance
	saveErr := r.state.Save(r.cfg.StateFile)
	r.mu.Unlock()

	if saveErr != nil {
		r.log.Warn("failed to persist counter ledger", "error", saveErr)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	err = push.New(r.cfg.PushURL, r.cfg.Job).
		Client(r.client).
		Grouping(promsource.LabelNodeID, strconv.FormatInt(nodeID, 10)).
		Grouping(promsource.LabelInstance, instance).
		Collector(collector).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push counters: %w", err)
	}
	r.log.Debug("counters pushed", "node_id", nodeID, "instance", instance, "ifaces", len(readings))
	return nil
}

// PullConfig fetches the node's configuration and logs what changed since
// the previous pull.
func (r *Reporter) PullConfig(ctx context.Context) (*models.AgentConfig, error) {
	nodeID, _ := r.Identity()
	if nodeID <= 0 {
		return nil, errors.New("agent is not registered")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	cfg, err := r.cp.FetchConfig(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state.Config
	switch {
	case prev == nil:
		r.log.Info("node config received",
			"limit", limitString(cfg.LimitBytes),
			"limit_mode", cfg.LimitMode,
			"reset_day", cfg.ResetDay,
			"bandwidth_bps", cfg.BandwidthBps,
		)
	case prev.LimitBytes != cfg.LimitBytes || prev.LimitMode != cfg.LimitMode ||
		prev.ResetDay != cfg.ResetDay || prev.BandwidthBps != cfg.BandwidthBps:
		r.log.Info("node config changed",
			"limit", limitString(cfg.LimitBytes),
			"previous_limit", limitString(prev.LimitBytes),
			"limit_mode", cfg.LimitMode,
			"reset_day", cfg.ResetDay,
			"bandwidth_bps", cfg.BandwidthBps,
		)
	}
	r.state.Config = cfg
	if err := r.state.Save(r.cfg.StateFile); err != nil {
		r.log.Warn("failed to persist node config", "error", err)
	}
	return cfg, nil
}

func limitString(b int64) string {
	if b <= 0 {
		return "unlimited"
	}
	return utils.HumanBytes(b)
}

// Run registers (retrying every push interval) and then pushes and pulls
// on their intervals until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		err := r.EnsureRegistered(ctx)
		if err == nil {
			break
		}
		r.log.Warn("registration failed, retrying", "error", err, "retry_in", r.cfg.PushInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-r.cfg.Clock.After(r.cfg.PushInterval):
		}
	}

	pushTicker := r.cfg.Clock.NewTicker(r.cfg.PushInterval)
	defer pushTicker.Stop()
	configTicker := r.cfg.Clock.NewTicker(r.cfg.ConfigInterval)
	defer configTicker.Stop()

	r.pushAndLog(ctx)
	r.pullAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pushTicker.Chan():
			r.pushAndLog(ctx)
		case <-configTicker.Chan():
			r.pullAndLog(ctx)
		}
	}
}

func (r *Reporter) pushAndLog(ctx context.Context) {
	if err := r.PushOnce(ctx); err != nil {
		r.log.Warn("push failed", "error", err)
	}
}

func (r *Reporter) pullAndLog(ctx context.Context) {
	if _, err := r.PullConfig(ctx); err != nil {
		r.log.Warn("config pull failed", "error", err)
	}
}
