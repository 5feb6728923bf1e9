package accounting

import (
	"math"

	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
)

// Usage is one node's accounting snapshot
type Usage struct {
	NodeID          int64            `json:"node_id"`
	MonthKey        string           `json:"month_key"`
	RawRx           int64            `json:"raw_rx"`
	RawTx           int64            `json:"raw_tx"`
	CycleRx         int64            `json:"cycle_rx"`
	CycleTx         int64            `json:"cycle_tx"`
	UsedBytes       int64            `json:"used_bytes"`
	LimitBytes      int64            `json:"limit_bytes"`
	LimitMode       models.LimitMode `json:"limit_mode"`
	UsageRatio      *float64         `json:"usage_ratio"`
	Unlimited       bool             `json:"unlimited"`
	BaselineApplied bool             `json:"baseline_applied"`
	Series          int              `json:"series"`
}

// CycleDelta is the counter growth since base. A counter that moved
// backwards (agent restart) counts as no usage.
func CycleDelta(raw, base int64) int64 {
	if raw <= base {
		return 0
	}
	return raw - base
}

// Compute turns raw counters into cycle usage. With no baseline for the
// current month the lifetime counters are the cycle.
func Compute(node *models.Node, c promsource.Counters, baseline *models.Baseline) Usage {
	u := Usage{
		NodeID:     node.ID,
		RawRx:      c.Rx,
		RawTx:      c.Tx,
		CycleRx:    max(c.Rx, 0),
		CycleTx:    max(c.Tx, 0),
		LimitBytes: node.LimitBytes,
		LimitMode:  models.ParseLimitMode(string(node.LimitMode)),
		Series:     c.RxSeries + c.TxSeries,
	}
	if baseline != nil {
		u.MonthKey = baseline.MonthKey
		u.CycleRx = CycleDelta(c.Rx, baseline.RxBase)
		u.CycleTx = CycleDelta(c.Tx, baseline.TxBase)
		u.BaselineApplied = true
	}

	switch u.LimitMode {
	case models.LimitModeDownload:
		u.UsedBytes = u.CycleRx
	case models.LimitModeUpload:
		u.UsedBytes = u.CycleTx
	default:
		u.UsedBytes = u.CycleRx + u.CycleTx
	}

	if node.LimitBytes > 0 {
		ratio := UsageRatio(u.UsedBytes, node.LimitBytes)
		u.UsageRatio = &ratio
	} else {
		u.Unlimited = true
	}
	return u
}

// UsageRatio is used/limit as a percentage rounded to two decimals
func UsageRatio(used, limit int64) float64 {
	return math.Round(float64(used)/float64(limit)*100*100) / 100
}
