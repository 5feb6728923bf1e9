package reporter

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
)

const (
	rxHelp       = "Bytes received on the interface"
	txHelp       = "Bytes transmitted on the interface"
	pushTimeHelp = "Unix time of the last push"
)

var (
	rxDesc      = prometheus.NewDesc(promsource.MetricRx, rxHelp, []string{promsource.LabelIface}, nil)
	txDesc      = prometheus.NewDesc(promsource.MetricTx, txHelp, []string{promsource.LabelIface}, nil)
	rxDailyDesc = prometheus.NewDesc(promsource.MetricRx, rxHelp, []string{promsource.LabelIface, promsource.LabelDate}, nil)
	txDailyDesc = prometheus.NewDesc(promsource.MetricTx, txHelp, []string{promsource.LabelIface, promsource.LabelDate}, nil)
	pushDesc    = prometheus.NewDesc(promsource.MetricPushTime, pushTimeHelp, nil, nil)
)

// sample is a frozen view of one interface at push time
type sample struct {
	iface            string
	rx, tx           uint64
	rxToday, txToday uint64
}

// trafficCollector exposes lifetime counters per interface and the same
// counters since midnight under a date label. The two share metric names
// with different label sets, so the collector is unchecked.
type trafficCollector struct {
	date     string
	pushedAt time.Time
	samples  []sample
}

func newTrafficCollector(l *Ledger, pushedAt time.Time) *trafficCollector {
	c := &trafficCollector{date: l.Day, pushedAt: pushedAt}
	for iface, ic := range l.Ifaces {
		c.samples = append(c.samples, sample{
			iface:   iface,
			rx:      ic.Rx.Total(),
			tx:      ic.Tx.Total(),
			rxToday: ic.Rx.Today(),
			txToday: ic.Tx.Today(),
		})
	}
	sort.Slice(c.samples, func(i, j int) bool { return c.samples[i].iface < c.samples[j].iface })
	return c
}

func (c *trafficCollector) Describe(chan<- *prometheus.Desc) {}

func (c *trafficCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.samples {
		ch <- prometheus.MustNewConstMetric(rxDesc, prometheus.CounterValue, float64(s.rx), s.iface)
		ch <- prometheus.MustNewConstMetric(txDesc, prometheus.CounterValue, float64(s.tx), s.iface)
		ch <- prometheus.MustNewConstMetric(rxDailyDesc, prometheus.CounterValue, float64(s.rxToday), s.iface, c.date)
		ch <- prometheus.MustNewConstMetric(txDailyDesc, prometheus.CounterValue, float64(s.txToday), s.iface, c.date)
	}
	ch <- prometheus.MustNewConstMetric(pushDesc, prometheus.GaugeValue, float64(c.pushedAt.Unix()))
}
