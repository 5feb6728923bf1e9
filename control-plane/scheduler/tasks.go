package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/saintparish4/trafficcop/shared/utils"
	"go.uber.org/multierr"
)

// Capture is a baseline written by a pass
type Capture struct {
	NodeID   int64  `json:"node_id"`
	Instance string `json:"instance"`
	RxBase   int64  `json:"rx_base"`
	TxBase   int64  `json:"tx_base"`
}

// Deferral is a due node whose baseline was left untouched
type Deferral struct {
	NodeID   int64  `json:"node_id"`
	Instance string `json:"instance"`
	Reason   string `json:"reason"`
}

// BaselineReport summarizes one baseline pass
type BaselineReport struct {
	Day      int        `json:"day"`
	MonthKey string     `json:"month_key"`
	Captured []Capture  `json:"captured"`
	Deferred []Deferral `json:"deferred"`
}

// CaptureDueBaselines snapshots the raw counters of every node whose reset
// day is today (in the scheduler zone) as this month's baseline. A node
// whose counters cannot be read, or that has no series at all, keeps its
// previous baseline; running twice on the same day overwrites the first
// capture.
func (s *Scheduler) CaptureDueBaselines(ctx context.Context) (BaselineReport, error) {
	now := s.now()
	report := BaselineReport{Day: now.Day(), MonthKey: models.MonthKey(now)}

	due, err := s.cfg.Store.NodesDueOn(report.Day)
	if err != nil {
		return report, fmt.Errorf("list due nodes: %w", err)
	}
	if len(due) == 0 {
		s.log.Info("no nodes due for baseline", "day", report.Day)
		return report, nil
	}
	s.log.Info("capturing baselines", "day", report.Day, "month_key", report.MonthKey, "due", len(due))

	var errs error
	for _, n := range due {
		counters, err := promsource.NodeCounters(ctx, s.cfg.Source, s.cfg.Job, n.ID)
		if err != nil {
			metrics.BaselineCapturesTotal.WithLabelValues("unavailable").Inc()
			report.Deferred = append(report.Deferred, Deferral{NodeID: n.ID, Instance: n.Instance, Reason: "counter source unavailable"})
			s.log.Warn("baseline deferred", "node_id", n.ID, "instance", n.Instance, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", n.ID, err))
			continue
		}
		if counters.Empty() {
			metrics.BaselineCapturesTotal.WithLabelValues("empty").Inc()
			report.Deferred = append(report.Deferred, Deferral{NodeID: n.ID, Instance: n.Instance, Reason: "no series reported"})
			s.log.Warn("baseline deferred, node reported no series", "node_id", n.ID, "instance", n.Instance)
			continue
		}

		b := models.Baseline{
			Instance:   n.Instance,
			Iface:      models.IfaceTotal,
			MonthKey:   report.MonthKey,
			NodeID:     n.ID,
			RxBase:     counters.Rx,
			TxBase:     counters.Tx,
			CapturedAt: now.UTC(),
		}
		if err := s.cfg.Store.UpsertBaseline(b); err != nil {
			metrics.BaselineCapturesTotal.WithLabelValues("error").Inc()
			s.log.Error("failed to store baseline", "node_id", n.ID, "instance", n.Instance, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", n.ID, err))
			continue
		}
		metrics.BaselineCapturesTotal.WithLabelValues("ok").Inc()
		report.Captured = append(report.Captured, Capture{NodeID: n.ID, Instance: n.Instance, RxBase: b.RxBase, TxBase: b.TxBase})
		s.log.Info("baseline captured", "node_id", n.ID, "instance", n.Instance, "rx_base", b.RxBase, "tx_base", b.TxBase)
	}

	if len(report.Captured) > 0 || len(report.Deferred) > 0 {
		if err := s.cfg.Notifier.Notify(ctx, formatBaselineReport(report)); err != nil {
			s.log.Warn("baseline notification failed", "error", err)
		}
	}
	return report, errs
}

func formatBaselineReport(r BaselineReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Monthly baseline reset %s (day %d)", r.MonthKey, r.Day)
	for _, c := range r.Captured {
		fmt.Fprintf(&b, "\n• %s (id %d): rx %s / tx %s", c.Instance, c.NodeID, utils.HumanBytes(c.RxBase), utils.HumanBytes(c.TxBase))
	}
	for _, d := range r.Deferred {
		fmt.Fprintf(&b, "\n• %s (id %d): deferred, %s", d.Instance, d.NodeID, d.Reason)
	}
	return b.String()
}

// SummaryReport is the outcome of one daily aggregation
type SummaryReport struct {
	Date      string                 `json:"date"`
	Records   []models.HistoryRecord `json:"records"`
	Unmatched int                    `json:"unmatched"`
}

// SummarizeDay aggregates the current calendar day
func (s *Scheduler) SummarizeDay(ctx context.Context) (SummaryReport, error) {
	return s.SummarizeDate(ctx, s.now())
}

// SummarizeDate aggregates the date-labelled counters of day per node,
// appends one history row per node and notifies the top consumers. A
// source failure aborts before any row is written.
func (s *Scheduler) SummarizeDate(ctx context.Context, day time.Time) (SummaryReport, error) {
	day = day.In(s.cfg.Location)
	report := SummaryReport{Date: models.HistoryDate(day)}

	matchers := []promsource.Matcher{
		promsource.Eq(promsource.LabelJob, s.cfg.Job),
		promsource.Eq(promsource.LabelDate, models.DateTag(day)),
	}
	rx, err := s.cfg.Source.InstantQuery(ctx, promsource.Selector(promsource.MetricRx, matchers...))
	if err != nil {
		return report, fmt.Errorf("daily rx: %w", err)
	}
	tx, err := s.cfg.Source.InstantQuery(ctx, promsource.Selector(promsource.MetricTx, matchers...))
	if err != nil {
		return report, fmt.Errorf("daily tx: %w", err)
	}

	nodes, err := s.cfg.Store.ListNodes()
	if err != nil {
		return report, fmt.Errorf("list nodes: %w", err)
	}
	byID := make(map[int64]*models.Node, len(nodes))
	byInstance := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		byInstance[n.Instance] = n
	}
	resolve := func(l promsource.SeriesLabels) *models.Node {
		if l.HasNodeID {
			return byID[l.NodeID]
		}
		return byInstance[l.Instance]
	}

	totals := make(map[int64]*models.HistoryRecord)
	add := func(samples []promsource.Sample, rxDir bool) {
		for _, smp := range samples {
			n := resolve(smp.Labels)
			if n == nil {
				report.Unmatched++
				continue
			}
			rec, ok := totals[n.ID]
			if !ok {
				rec = &models.HistoryRecord{NodeID: n.ID, Instance: n.Instance, Date: report.Date}
				totals[n.ID] = rec
			}
			if rxDir {
				rec.RxBytes += int64(smp.Value)
			} else {
				rec.TxBytes += int64(smp.Value)
			}
		}
	}
	add(rx, true)
	add(tx, false)

	if len(totals) == 0 {
		s.log.Info("no daily traffic to summarize", "date", report.Date, "unmatched", report.Unmatched)
		if err := s.cfg.Notifier.Notify(ctx, fmt.Sprintf("Daily summary %s: no node traffic reported", report.Date)); err != nil {
			s.log.Warn("summary notification failed", "error", err)
		}
		return report, nil
	}

	for _, rec := range totals {
		rec.TotalBytes = rec.RxBytes + rec.TxBytes
		report.Records = append(report.Records, *rec)
	}
	sort.Slice(report.Records, func(i, j int) bool {
		a, b := report.Records[i], report.Records[j]
		if a.TotalBytes != b.TotalBytes {
			return a.TotalBytes > b.TotalBytes
		}
		return a.NodeID < b.NodeID
	})

	if err := s.cfg.Store.AppendHistory(report.Records); err != nil {
		return report, fmt.Errorf("append history: %w", err)
	}
	s.log.Info("daily history saved", "date", report.Date, "nodes", len(report.Records), "unmatched", report.Unmatched)

	if err := s.cfg.Notifier.Notify(ctx, formatSummary(report, byID, s.cfg.SummaryTopN)); err != nil {
		s.log.Warn("summary notification failed", "error", err)
	}
	return report, nil
}

func formatSummary(r SummaryReport, nodes map[int64]*models.Node, topN int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily traffic summary %s", r.Date)
	for i, rec := range r.Records {
		if i == topN {
			fmt.Fprintf(&b, "\n... %d more nodes omitted", len(r.Records)-topN)
			break
		}
		name := rec.Instance
		if n := nodes[rec.NodeID]; n != nil && n.DisplayName != "" {
			name = n.DisplayName
		}
		fmt.Fprintf(&b, "\n• %s: %s GiB (Rx %s / Tx %s)", name,
			utils.GiBString(rec.TotalBytes), utils.GiBString(rec.RxBytes), utils.GiBString(rec.TxBytes))
	}
	return b.String()
}
