package promsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/saintparish4/trafficcop/control-plane/metrics"
)

const defaultTimeout = 8 * time.Second

// ErrSourceUnavailable wraps every failure to reach the counter source or
// to get a success response from it. It is distinct from an empty result.
var ErrSourceUnavailable = errors.New("counter source unavailable")

// Sample is one instant-vector element
type Sample struct {
	Labels SeriesLabels
	Value  float64
}

// Point is one range-vector sample
type Point struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

// Series is one range-vector element
type Series struct {
	Labels SeriesLabels
	Points []Point
}

// Source is the read-only view of the time-series backend
type Source interface {
	InstantQuery(ctx context.Context, expr string) ([]Sample, error)
	RangeQuery(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]Series, error)
	ListSeries(ctx context.Context, matchers []string, start, end time.Time) ([]SeriesLabels, error)
}

// Config configures a Client
type Config struct {
	Address string
	Timeout time.Duration
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("prometheus address is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// Client queries a Prometheus-compatible HTTP API
type Client struct {
	log     *slog.Logger
	api     v1.API
	timeout time.Duration
}

func NewClient(log *slog.Logger, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &Client{
		log:     log,
		api:     v1.NewAPI(c),
		timeout: cfg.Timeout,
	}, nil
}

func (c *Client) InstantQuery(ctx context.Context, expr string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metrics.SourceRequestsTotal.WithLabelValues("query").Inc()
	val, warnings, err := c.api.Query(ctx, expr, time.Time{})
	if err != nil {
		return nil, c.unavailable("query", expr, err)
	}
	c.logWarnings("query", expr, warnings)

	vec, ok := val.(model.Vector)
	if !ok {
		return nil, c.unavailable("query", expr, fmt.Errorf("unexpected result type %s", val.Type()))
	}

	out := make([]Sample, 0, len(vec))
	for _, s := range vec {
		v := float64(s.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, Sample{Labels: parseLabels(model.LabelSet(s.Metric)), Value: v})
	}
	return out, nil
}

func (c *Client) RangeQuery(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]Series, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metrics.SourceRequestsTotal.WithLabelValues("query_range").Inc()
	val, warnings, err := c.api.QueryRange(ctx, expr, v1.Range{Start: start, End: end, Step: step})
	if err != nil {
		return nil, c.unavailable("query_range", expr, err)
	}
	c.logWarnings("query_range", expr, warnings)

	matrix, ok := val.(model.Matrix)
	if !ok {
		return nil, c.unavailable("query_range", expr, fmt.Errorf("unexpected result type %s", val.Type()))
	}

	out := make([]Series, 0, len(matrix))
	for _, stream := range matrix {
		points := make([]Point, 0, len(stream.Values))
		for _, p := range stream.Values {
			points = append(points, Point{Time: p.Timestamp.Time().UTC(), Value: float64(p.Value)})
		}
		out = append(out, Series{Labels: parseLabels(model.LabelSet(stream.Metric)), Points: points})
	}
	return out, nil
}

func (c *Client) ListSeries(ctx context.Context, matchers []string, start, end time.Time) ([]SeriesLabels, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metrics.SourceRequestsTotal.WithLabelValues("series").Inc()
	sets, warnings, err := c.api.Series(ctx, matchers, start, end)
	if err != nil {
		return nil, c.unavailable("series", fmt.Sprint(matchers), err)
	}
	c.logWarnings("series", fmt.Sprint(matchers), warnings)

	out := make([]SeriesLabels, 0, len(sets))
	for _, ls := range sets {
		out = append(out, parseLabels(ls))
	}
	return out, nil
}

func (c *Client) unavailable(op, expr string, err error) error {
	metrics.SourceErrorsTotal.WithLabelValues(op).Inc()
	c.log.Warn("counter source request failed", "op", op, "expr", expr, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, op, err)
}

func (c *Client) logWarnings(op, expr string, warnings v1.Warnings) {
	if len(warnings) > 0 {
		c.log.Debug("counter source warnings", "op", op, "expr", expr, "warnings", warnings)
	}
}
