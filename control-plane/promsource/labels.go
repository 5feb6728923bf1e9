package promsource

import (
	"strconv"
	"strings"

	"github.com/prometheus/common/model"
)

const (
	MetricRx       = "traffic_rx_bytes_total"
	MetricTx       = "traffic_tx_bytes_total"
	MetricPushTime = "push_time_seconds"

	LabelJob      = "job"
	LabelNodeID   = "node_id"
	LabelInstance = "instance"
	LabelDate     = "date"
	LabelIface    = "iface"
)

// SeriesLabels is a label set parsed at the adapter boundary. NodeID is
// only meaningful when HasNodeID is true.
type SeriesLabels struct {
	NodeID    int64
	HasNodeID bool
	Instance  string
	Raw       map[string]string
}

func parseLabels(ls model.LabelSet) SeriesLabels {
	raw := make(map[string]string, len(ls))
	for k, v := range ls {
		raw[string(k)] = string(v)
	}
	out := SeriesLabels{
		Instance: raw[LabelInstance],
		Raw:      raw,
	}
	out.NodeID, out.HasNodeID = ParseNodeID(raw[LabelNodeID])
	return out
}

// ParseNodeID accepts a plain positive decimal integer. Signs, spaces and
// zero are rejected.
func ParseNodeID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Matcher is one equality label matcher
type Matcher struct {
	Name  string
	Value string
}

// Eq builds an equality matcher
func Eq(name, value string) Matcher {
	return Matcher{Name: name, Value: value}
}

// Selector renders metric{job="...",name="value",...}. Values are quoted
// and escaped.
func Selector(metric string, matchers ...Matcher) string {
	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('{')
	for i, m := range matchers {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.Name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(m.Value))
	}
	b.WriteByte('}')
	return b.String()
}
