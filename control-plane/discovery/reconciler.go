package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
	"go.uber.org/multierr"
)

const (
	defaultInterval = 5 * time.Minute
	defaultLookback = 15 * time.Minute

	// DefaultSelfInstance is the instance label of the source scraping itself
	DefaultSelfInstance = "localhost:9090"
)

// Registry is the part of the node store discovery writes to
type Registry interface {
	GetNode(id int64) (*models.Node, error)
	InsertWithID(id int64, instance, displayName string) (*models.Node, error)
	Rebind(id int64, instance string) (bool, error)
}

// Config holds configuration for the reconciler
type Config struct {
	Source   promsource.Source
	Registry Registry
	Job      string

	// Optional configuration.
	Interval      time.Duration
	Lookback      time.Duration
	SkipInstances []string
	Clock         clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Source == nil {
		return errors.New("counter source is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Job == "" {
		return errors.New("job is required")
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if len(c.SkipInstances) == 0 {
		c.SkipInstances = []string{DefaultSelfInstance}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Change is one registry mutation (or rejected mutation) made by a pass
type Change struct {
	NodeID   int64  `json:"node_id"`
	Instance string `json:"instance"`
	Previous string `json:"previous,omitempty"`
}

// Report summarizes one reconciliation pass
type Report struct {
	Added     []Change `json:"added"`
	Rebound   []Change `json:"rebound"`
	Conflicts []Change `json:"conflicts"`
	Malformed int      `json:"malformed"`
	Skipped   int      `json:"skipped"`
	Total     int      `json:"total"`
}

// Mutations is the number of registry writes the pass made
func (r Report) Mutations() int {
	return len(r.Added) + len(r.Rebound)
}

// Reconciler brings the node registry in line with the (node_id, instance)
// pairs currently visible in the counter source.
type Reconciler struct {
	log  *slog.Logger
	cfg  Config
	skip map[string]struct{}

	// one pass at a time, whether from the ticker or an admin call
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	lastSeen int
}

func NewReconciler(log *slog.Logger, cfg Config) (*Reconciler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(cfg.SkipInstances))
	for _, s := range cfg.SkipInstances {
		if s != "" {
			skip[s] = struct{}{}
		}
	}
	return &Reconciler{log: log, cfg: cfg, skip: skip}, nil
}

// Run reconciles once immediately and then on every interval until ctx is
// done. Failed passes are logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("discovery started", "interval", r.cfg.Interval, "lookback", r.cfg.Lookback)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileNow(ctx); err != nil {
			r.log.Warn("discovery pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("discovery stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// observation is every instance one id was seen under during a pass
type observation struct {
	id        int64
	instances []string
}

// ReconcileNow runs a single pass. A source failure aborts the pass before
// any write. Per-node write failures other than identity conflicts are
// logged, combined into the returned error and do not stop the pass.
func (r *Reconciler) ReconcileNow(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.reconcile(ctx)
	r.lastRun = r.cfg.Clock.Now()
	r.lastErr = err
	r.lastSeen = report.Total
	return report, err
}

func (r *Reconciler) reconcile(ctx context.Context) (Report, error) {
	var report Report

	now := r.cfg.Clock.Now()
	job := promsource.Eq(promsource.LabelJob, r.cfg.Job)
	matchers := []string{
		promsource.Selector(promsource.MetricPushTime, job),
		promsource.Selector(promsource.MetricRx, job),
		promsource.Selector(promsource.MetricTx, job),
	}
	sets, err := r.cfg.Source.ListSeries(ctx, matchers, now.Add(-r.cfg.Lookback), now)
	if err != nil {
		return report, fmt.Errorf("list series: %w", err)
	}

	observations := r.collect(sets, &report)
	report.Total = len(observations)

	var errs error
	for _, obs := range observations {
		if err := r.apply(obs, &report); err != nil {
			r.log.Error("failed to reconcile node", "node_id", obs.id, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", obs.id, err))
		}
	}

	metrics.DiscoveryRunsTotal.Inc()
	metrics.DiscoveryChangesTotal.WithLabelValues("added").Add(float64(len(report.Added)))
	metrics.DiscoveryChangesTotal.WithLabelValues("rebound").Add(float64(len(report.Rebound)))
	metrics.DiscoveryChangesTotal.WithLabelValues("conflict").Add(float64(len(report.Conflicts)))
	metrics.DiscoveryChangesTotal.WithLabelValues("malformed").Add(float64(report.Malformed))

	r.log.Info("discovery pass complete",
		"total", report.Total,
		"added", len(report.Added),
		"rebound", len(report.Rebound),
		"conflicts", len(report.Conflicts),
		"malformed", report.Malformed,
		"skipped", report.Skipped,
	)
	return report, errs
}

// collect filters label sets and groups them by node id, ids ascending and
// instances sorted within each id.
func (r *Reconciler) collect(sets []promsource.SeriesLabels, report *Report) []observation {
	byID := make(map[int64]map[string]struct{})
	for _, ls := range sets {
		if _, ok := r.skip[ls.Instance]; ok {
			report.Skipped++
			continue
		}
		if !ls.HasNodeID || ls.Instance == "" {
			report.Malformed++
			r.log.Debug("ignoring series without usable identity", "labels", ls.Raw)
			continue
		}
		if byID[ls.NodeID] == nil {
			byID[ls.NodeID] = make(map[string]struct{})
		}
		byID[ls.NodeID][ls.Instance] = struct{}{}
	}

	out := make([]observation, 0, len(byID))
	for id, set := range byID {
		obs := observation{id: id}
		for inst := range set {
			obs.instances = append(obs.instances, inst)
		}
		sort.Strings(obs.instances)
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Reconciler) apply(obs observation, report *Report) error {
	node, err := r.cfg.Registry.GetNode(obs.id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		instance := obs.instances[0]
		_, err := r.cfg.Registry.InsertWithID(obs.id, instance, instance)
		switch {
		case errors.Is(err, database.ErrIdentityConflict):
			r.conflict(report, Change{NodeID: obs.id, Instance: instance}, err)
			return nil
		case err != nil:
			return err
		}
		report.Added = append(report.Added, Change{NodeID: obs.id, Instance: instance})
		r.log.Info("discovered node", "node_id", obs.id, "instance", instance)
		return nil
	case err != nil:
		return err
	}

	for _, inst := range obs.instances {
		if inst == node.Instance {
			return nil
		}
	}

	instance := obs.instances[0]
	change := Change{NodeID: obs.id, Instance: instance, Previous: node.Instance}
	changed, err := r.cfg.Registry.Rebind(obs.id, instance)
	switch {
	case errors.Is(err, database.ErrIdentityConflict):
		r.conflict(report, change, err)
		return nil
	case err != nil:
		return err
	}
	if changed {
		report.Rebound = append(report.Rebound, change)
		r.log.Info("rebound node instance", "node_id", obs.id, "from", node.Instance, "to", instance)
	}
	return nil
}

func (r *Reconciler) conflict(report *Report, c Change, err error) {
	report.Conflicts = append(report.Conflicts, c)
	r.log.Warn("identity conflict", "node_id", c.NodeID, "instance", c.Instance, "error", err)
}

// Stats returns simple stats about the last pass
func (r *Reconciler) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := map[string]interface{}{
		"last_run":   r.lastRun,
		"last_total": r.lastSeen,
		"interval":   r.cfg.Interval.String(),
	}
	if r.lastErr != nil {
		stats["last_error"] = r.lastErr.Error()
	}
	return stats
}
