package promsource

import (
	"context"
	"strconv"
)

// Counters is the sum of a node's raw cumulative counters across every
// series (interface) that matched.
type Counters struct {
	Rx       int64 `json:"rx"`
	Tx       int64 `json:"tx"`
	RxSeries int   `json:"rx_series"`
	TxSeries int   `json:"tx_series"`
}

// Empty reports whether no series matched in either direction
func (c Counters) Empty() bool {
	return c.RxSeries == 0 && c.TxSeries == 0
}

// LifetimeMatchers selects a node's cumulative counters. Series carrying a
// date label are the agent's per-day counters and are left out.
func LifetimeMatchers(job string, nodeID int64) []Matcher {
	return []Matcher{
		Eq(LabelJob, job),
		Eq(LabelNodeID, strconv.FormatInt(nodeID, 10)),
		Eq(LabelDate, ""),
	}
}

// NodeCounters sums the rx and tx counters reported under node_id for job
func NodeCounters(ctx context.Context, src Source, job string, nodeID int64) (Counters, error) {
	matchers := LifetimeMatchers(job, nodeID)

	rx, err := src.InstantQuery(ctx, Selector(MetricRx, matchers...))
	if err != nil {
		return Counters{}, err
	}
	tx, err := src.InstantQuery(ctx, Selector(MetricTx, matchers...))
	if err != nil {
		return Counters{}, err
	}

	var out Counters
	out.Rx, out.RxSeries = sum(rx)
	out.Tx, out.TxSeries = sum(tx)
	return out, nil
}

func sum(samples []Sample) (int64, int) {
	var total float64
	for _, s := range samples {
		total += s.Value
	}
	return int64(total), len(samples)
}
