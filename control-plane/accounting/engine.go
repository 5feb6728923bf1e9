package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrency = 16

type BaselineReader interface {
	GetBaseline(instance, iface, monthKey string) (*models.Baseline, error)
}

type EngineConfig struct {
	Source    promsource.Source
	Baselines BaselineReader
	Job       string

	// Optional configuration.
	Clock          clockwork.Clock
	Location       *time.Location
	MaxConcurrency int
}

func (c *EngineConfig) Validate() error {
	if c.Source == nil {
		return errors.New("counter source is required")
	}
	if c.Baselines == nil {
		return errors.New("baseline reader is required")
	}
	if c.Job == "" {
		return errors.New("job is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}

// Engine computes usage on demand. It keeps no state between calls.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(log *slog.Logger, cfg EngineConfig) (*Engine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: log, cfg: cfg}, nil
}

// MonthKey is the billing month in effect now
func (e *Engine) MonthKey() string {
	return models.MonthKey(e.cfg.Clock.Now().In(e.cfg.Location))
}

// ComputeUsage fetches the node's counters and applies this month's
// baseline. A source outage is returned as an error wrapping
// promsource.ErrSourceUnavailable rather than as zero usage.
func (e *Engine) ComputeUsage(ctx context.Context, node *models.Node) (Usage, error) {
	counters, err := promsource.NodeCounters(ctx, e.cfg.Source, e.cfg.Job, node.ID)
	if err != nil {
		return Usage{}, fmt.Errorf("node %d counters: %w", node.ID, err)
	}

	monthKey := e.MonthKey()
	baseline, err := e.cfg.Baselines.GetBaseline(node.Instance, models.IfaceTotal, monthKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
		baseline = nil
	case err != nil:
		return Usage{}, fmt.Errorf("node %d baseline: %w", node.ID, err)
	}

	u := Compute(node, counters, baseline)
	u.MonthKey = monthKey
	return u, nil
}

// NodeUsage pairs a node with its usage or the error that prevented it
type NodeUsage struct {
	Node  *models.Node
	Usage Usage
	Err   error
}

// ComputeAll computes usage for every node in parallel. Each node's
// failure stays in its own entry; the result keeps the input order.
func (e *Engine) ComputeAll(ctx context.Context, nodes []*models.Node) []NodeUsage {
	out := make([]NodeUsage, len(nodes))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, n := range nodes {
		g.Go(func() error {
			u, err := e.ComputeUsage(ctx, n)
			if err != nil {
				e.log.Warn("usage unavailable", "node_id", n.ID, "instance", n.Instance, "error", err)
			}
			out[i] = NodeUsage{Node: n, Usage: u, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
