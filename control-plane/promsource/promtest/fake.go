// Package promtest provides an in-memory promsource.Source for tests.
package promtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saintparish4/trafficcop/control-plane/promsource"
)

// Source answers instant queries from a map keyed by the exact expression
// and series listings from a fixed slice. Setting Err makes every call fail
// with an error wrapping promsource.ErrSourceUnavailable.
type Source struct {
	mu      sync.Mutex
	Instant map[string][]promsource.Sample
	Ranges  map[string][]promsource.Series
	Listing []promsource.SeriesLabels
	Err     error

	Queries []string
}

func New() *Source {
	return &Source{
		Instant: make(map[string][]promsource.Sample),
		Ranges:  make(map[string][]promsource.Series),
	}
}

// SetCounters registers rx/tx answers for the node_id scoped queries used
// by promsource.NodeCounters. One sample per value is added, as if each
// came from a different interface.
func (s *Source) SetCounters(job string, nodeID int64, rx, tx []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := promsource.LifetimeMatchers(job, nodeID)
	s.Instant[promsource.Selector(promsource.MetricRx, m...)] = samples(nodeID, rx)
	s.Instant[promsource.Selector(promsource.MetricTx, m...)] = samples(nodeID, tx)
}

// SetListing replaces the label sets returned by ListSeries
func (s *Source) SetListing(sets ...promsource.SeriesLabels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Listing = sets
}

// SetFailing toggles the unavailable state
func (s *Source) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failing {
		s.Err = fmt.Errorf("%w: fake outage", promsource.ErrSourceUnavailable)
	} else {
		s.Err = nil
	}
}

func (s *Source) InstantQuery(_ context.Context, expr string) ([]promsource.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries = append(s.Queries, expr)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Instant[expr], nil
}

func (s *Source) RangeQuery(_ context.Context, expr string, _, _ time.Time, _ time.Duration) ([]promsource.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries = append(s.Queries, expr)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Ranges[expr], nil
}

func (s *Source) ListSeries(_ context.Context, matchers []string, _, _ time.Time) ([]promsource.SeriesLabels, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries = append(s.Queries, fmt.Sprint(matchers))
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]promsource.SeriesLabels(nil), s.Listing...), nil
}

// Labels builds a parsed label set the way the real client would
func Labels(nodeID, instance string) promsource.SeriesLabels {
	raw := map[string]string{promsource.LabelInstance: instance}
	if nodeID != "" {
		raw[promsource.LabelNodeID] = nodeID
	}
	id, ok := promsource.ParseNodeID(nodeID)
	return promsource.SeriesLabels{NodeID: id, HasNodeID: ok, Instance: instance, Raw: raw}
}

func samples(nodeID int64, values []float64) []promsource.Sample {
	out := make([]promsource.Sample, 0, len(values))
	for _, v := range values {
		out = append(out, promsource.Sample{
			Labels: promsource.SeriesLabels{NodeID: nodeID, HasNodeID: true},
			Value:  v,
		})
	}
	return out
}
