package pushgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
)

const defaultTimeout = 8 * time.Second

// Config configures a Client
type Config struct {
	URL     string
	Job     string
	Timeout time.Duration
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("push endpoint url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid push endpoint url: %w", err)
	}
	if c.Job == "" {
		return errors.New("job is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// Client removes and resets node counter groups on the push endpoint.
// It never retries; callers decide what a failure means.
type Client struct {
	log    *slog.Logger
	cfg    Config
	client *http.Client
}

func NewClient(log *slog.Logger, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// HostPort returns the host:port of the push endpoint. Series carrying it
// as their instance label come from the endpoint itself, not an agent.
func (c *Client) HostPort() string {
	return HostPort(c.cfg.URL)
}

// HostPort extracts host[:port] from a URL
func HostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func (c *Client) pusher(groupings ...string) *push.Pusher {
	p := push.New(c.cfg.URL, c.cfg.Job).Client(c.client)
	for i := 0; i+1 < len(groupings); i += 2 {
		p = p.Grouping(groupings[i], groupings[i+1])
	}
	return p
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		metrics.PushRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("push endpoint %s: %w", op, err)
	}
	metrics.PushRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// DeleteInstance removes the group job/<job>/instance/<instance>
func (c *Client) DeleteInstance(ctx context.Context, instance string) error {
	err := c.do(ctx, "delete_instance", func(context.Context) error {
		// Pusher.Delete takes no context; the client timeout bounds it.
		return c.pusher(promsource.LabelInstance, instance).Delete()
	})
	if err != nil {
		c.log.Warn("failed to delete instance counters", "instance", instance, "error", err)
		return err
	}
	c.log.Info("deleted instance counters", "instance", instance)
	return nil
}

// DeleteNode removes the group an agent pushes to,
// job/<job>/node_id/<id>/instance/<instance>
func (c *Client) DeleteNode(ctx context.Context, nodeID int64, instance string) error {
	id := strconv.FormatInt(nodeID, 10)
	err := c.do(ctx, "delete_node", func(context.Context) error {
		// Pusher.Delete takes no context; the client timeout bounds it.
		return c.pusher(promsource.LabelNodeID, id, promsource.LabelInstance, instance).Delete()
	})
	if err != nil {
		c.log.Warn("failed to delete node counters", "node_id", nodeID, "instance", instance, "error", err)
		return err
	}
	c.log.Info("deleted node counters", "node_id", nodeID, "instance", instance)
	return nil
}

// ZeroNode replaces the node's pushed counters with zeros so the source
// reports a fresh series right away instead of waiting for the next agent
// push.
func (c *Client) ZeroNode(ctx context.Context, nodeID int64, instance string) error {
	if err := c.DeleteNode(ctx, nodeID, instance); err != nil {
		return err
	}

	id := strconv.FormatInt(nodeID, 10)
	rx := prometheus.NewCounter(prometheus.CounterOpts{Name: promsource.MetricRx, Help: "Received bytes"})
	tx := prometheus.NewCounter(prometheus.CounterOpts{Name: promsource.MetricTx, Help: "Transmitted bytes"})

	return c.do(ctx, "zero_node", func(ctx context.Context) error {
		return c.pusher(promsource.LabelNodeID, id, promsource.LabelInstance, instance).
			Collector(rx).
			Collector(tx).
			PushContext(ctx)
	})
}
