package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/discovery"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/control-plane/promsource/promtest"
	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/stretchr/testify/require"
)

const testJob = "trafficcop"

var cst = time.FixedZone("CST", 8*3600)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type fixture struct {
	db       *database.DatabaseManager
	src      *promtest.Source
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
	sched    *Scheduler
}

// newFixture starts the clock at the given wall time in CST
func newFixture(t *testing.T, at time.Time) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(at)
	db, err := database.NewDatabaseManager(filepath.Join(t.TempDir(), "trafficcop.db"), database.Options{Logger: newTestLogger(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, src: promtest.New(), notifier: &recordingNotifier{}, clock: clock}
	f.sched, err = New(newTestLogger(), Config{
		Source:   f.src,
		Store:    db,
		Notifier: f.notifier,
		Job:      testJob,
		Location: cst,
		Clock:    clock,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) createNode(t *testing.T, instance string, resetDay int) *models.Node {
	t.Helper()
	n, err := f.db.CreateNode(&models.Node{Instance: instance, ResetDay: resetDay})
	require.NoError(t, err)
	return n
}

func TestScheduler_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "counter source is required")

	cfg = Config{Source: promtest.New(), Store: &database.DatabaseManager{}, Job: testJob, Location: time.UTC}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultSyncSpec, cfg.SyncSpec)
	require.Equal(t, defaultBaselineSpec, cfg.BaselineSpec)
	require.Equal(t, defaultSummarySpec, cfg.SummarySpec)
	require.Equal(t, defaultSummaryTopN, cfg.SummaryTopN)
	require.NotNil(t, cfg.Notifier)

	cfg = Config{Source: promtest.New(), Store: &database.DatabaseManager{}, Job: testJob, Location: time.UTC, BaselineSpec: "61 0 * * *"}
	require.ErrorContains(t, cfg.Validate(), "invalid schedule")
}

func TestScheduler_DailySpec(t *testing.T) {
	t.Parallel()

	require.Equal(t, "10 0 * * *", DailySpec(0, 10))
	require.Equal(t, "5 23 * * *", DailySpec(23, 5))
}

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSyncer) ReconcileNow(context.Context) (discovery.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return discovery.Report{}, nil
}

func TestScheduler_New_RegistersTasks(t *testing.T) {
	t.Parallel()

	s, err := New(newTestLogger(), Config{
		Source:   promtest.New(),
		Store:    &database.DatabaseManager{},
		Syncer:   &countingSyncer{},
		Job:      testJob,
		Location: cst,
	})
	require.NoError(t, err)
	require.Len(t, s.Entries(), 3)

	s.Start()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_CaptureDueBaselines_OnlyOnResetDay(t *testing.T) {
	t.Parallel()

	// 2024-05-14 16:10 UTC is 2024-05-15 00:10 in CST
	f := newFixture(t, time.Date(2024, time.May, 14, 16, 10, 0, 0, time.UTC))
	due := f.createNode(t, "node-a", 15)
	notDue := f.createNode(t, "node-b", 14)
	f.src.SetCounters(testJob, due.ID, []float64{1000, 24}, []float64{512})
	f.src.SetCounters(testJob, notDue.ID, []float64{1}, []float64{1})

	report, err := f.sched.CaptureDueBaselines(context.Background())
	require.NoError(t, err)
	require.Equal(t, 15, report.Day)
	require.Equal(t, "202405", report.MonthKey)
	require.Equal(t, []Capture{{NodeID: due.ID, Instance: "node-a", RxBase: 1024, TxBase: 512}}, report.Captured)
	require.Empty(t, report.Deferred)

	b, err := f.db.GetBaseline("node-a", models.IfaceTotal, "202405")
	require.NoError(t, err)
	require.Equal(t, int64(1024), b.RxBase)
	require.Equal(t, int64(512), b.TxBase)
	require.Equal(t, due.ID, b.NodeID)

	_, err = f.db.GetBaseline("node-b", models.IfaceTotal, "202405")
	require.ErrorIs(t, err, database.ErrNotFound)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "node-a (id 1)")

	// the next day nothing is due for node-a
	f.clock.Advance(24 * time.Hour)
	report, err = f.sched.CaptureDueBaselines(context.Background())
	require.NoError(t, err)
	require.Equal(t, 16, report.Day)
	require.Empty(t, report.Captured)
	require.Len(t, f.notifier.messages(), 1)
}

func TestScheduler_CaptureDueBaselines_SameDayOverwrites(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 10, 0, 0, time.UTC))
	n := f.createNode(t, "node-a", 15)

	f.src.SetCounters(testJob, n.ID, []float64{100}, []float64{100})
	_, err := f.sched.CaptureDueBaselines(context.Background())
	require.NoError(t, err)

	f.src.SetCounters(testJob, n.ID, []float64{300}, []float64{200})
	f.clock.Advance(time.Hour)
	_, err = f.sched.CaptureDueBaselines(context.Background())
	require.NoError(t, err)

	b, err := f.db.GetBaseline("node-a", models.IfaceTotal, "202405")
	require.NoError(t, err)
	require.Equal(t, int64(300), b.RxBase)
	require.Equal(t, int64(200), b.TxBase)

	all, err := f.db.ListBaselines("202405")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestScheduler_CaptureDueBaselines_SourceUnavailableKeepsBaseline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 10, 0, 0, time.UTC))
	n := f.createNode(t, "node-a", 15)
	require.NoError(t, f.db.UpsertBaseline(models.Baseline{Instance: "node-a", MonthKey: "202405", NodeID: n.ID, RxBase: 7, TxBase: 9}))

	f.src.SetFailing(true)
	report, err := f.sched.CaptureDueBaselines(context.Background())
	require.ErrorIs(t, err, promsource.ErrSourceUnavailable)
	require.Empty(t, report.Captured)
	require.Len(t, report.Deferred, 1)

	b, err := f.db.GetBaseline("node-a", models.IfaceTotal, "202405")
	require.NoError(t, err)
	require.Equal(t, int64(7), b.RxBase)
	require.Equal(t, int64(9), b.TxBase)
}

func TestScheduler_CaptureDueBaselines_EmptyCountersSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 10, 0, 0, time.UTC))
	f.createNode(t, "node-a", 15)

	report, err := f.sched.CaptureDueBaselines(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Captured)
	require.Equal(t, "no series reported", report.Deferred[0].Reason)

	_, err = f.db.GetBaseline("node-a", models.IfaceTotal, "202405")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func dated(metric, date string) string {
	return promsource.Selector(metric, promsource.Eq(promsource.LabelJob, testJob), promsource.Eq(promsource.LabelDate, date))
}

func TestScheduler_SummarizeDay_AppendsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 20, 0, 0, time.UTC))
	a := f.createNode(t, "node-a", 1)
	b := f.createNode(t, "node-b", 1)

	f.src.Instant[dated(promsource.MetricRx, "20240515")] = []promsource.Sample{
		{Labels: promtest.Labels("1", "node-a"), Value: 100},
		{Labels: promtest.Labels("1", "node-a"), Value: 50},
		{Labels: promtest.Labels("", "node-b"), Value: 1000},
		{Labels: promtest.Labels("", "ghost"), Value: 5},
	}
	f.src.Instant[dated(promsource.MetricTx, "20240515")] = []promsource.Sample{
		{Labels: promtest.Labels("1", "node-a"), Value: 25},
	}

	report, err := f.sched.SummarizeDay(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2024-05-15", report.Date)
	require.Equal(t, 1, report.Unmatched)
	require.Len(t, report.Records, 2)
	require.Equal(t, b.ID, report.Records[0].NodeID)
	require.Equal(t, int64(1000), report.Records[0].TotalBytes)

	rows, err := f.db.ListHistory(a.ID, "2024-05-15", "2024-05-15")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(150), rows[0].RxBytes)
	require.Equal(t, int64(25), rows[0].TxBytes)
	require.Equal(t, int64(175), rows[0].TotalBytes)
	require.Equal(t, "node-a", rows[0].Instance)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	require.True(t, strings.HasPrefix(msgs[0], "Daily traffic summary 2024-05-15"))
	require.Less(t, strings.Index(msgs[0], "node-b"), strings.Index(msgs[0], "node-a"))

	// summaries never touch baselines
	baselines, err := f.db.ListBaselines("202405")
	require.NoError(t, err)
	require.Empty(t, baselines)
}

func TestScheduler_SummarizeDate_BackfillAndRerun(t *testing.T) {
	t.Parallel()

	// 00:20 CST on 2024-05-15: the scheduled run sees only the new day
	f := newFixture(t, time.Date(2024, time.May, 14, 16, 20, 0, 0, time.UTC))
	n := f.createNode(t, "node-a", 1)
	f.src.Instant[dated(promsource.MetricRx, "20240515")] = []promsource.Sample{
		{Labels: promtest.Labels("1", "node-a"), Value: 7},
	}
	f.src.Instant[dated(promsource.MetricRx, "20240514")] = []promsource.Sample{
		{Labels: promtest.Labels("1", "node-a"), Value: 900},
	}

	report, err := f.sched.SummarizeDay(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2024-05-15", report.Date)

	yesterday := f.clock.Now().AddDate(0, 0, -1)
	report, err = f.sched.SummarizeDate(context.Background(), yesterday)
	require.NoError(t, err)
	require.Equal(t, "2024-05-14", report.Date)
	require.Equal(t, int64(900), report.Records[0].RxBytes)

	// counters kept growing before the rerun
	f.src.Instant[dated(promsource.MetricRx, "20240514")] = []promsource.Sample{
		{Labels: promtest.Labels("1", "node-a"), Value: 950},
	}
	_, err = f.sched.SummarizeDate(context.Background(), yesterday)
	require.NoError(t, err)

	rows, err := f.db.ListHistory(n.ID, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "2024-05-15", rows[0].Date)
	require.Equal(t, int64(7), rows[0].RxBytes)
	require.Equal(t, "2024-05-14", rows[1].Date)
	require.Equal(t, int64(950), rows[1].RxBytes)
}

func TestScheduler_SummarizeDay_TopN(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 20, 0, 0, time.UTC))
	var samples []promsource.Sample
	for i := 0; i < 12; i++ {
		n := f.createNode(t, "node-"+string(rune('a'+i)), 1)
		samples = append(samples, promsource.Sample{Labels: promtest.Labels(strconv.FormatInt(n.ID, 10), n.Instance), Value: float64(100 + i)})
	}
	f.src.Instant[dated(promsource.MetricRx, "20240515")] = samples

	report, err := f.sched.SummarizeDay(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 12)
	require.Contains(t, f.notifier.messages()[0], "... 2 more nodes omitted")
}

func TestScheduler_SummarizeDay_NoData(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 20, 0, 0, time.UTC))
	f.createNode(t, "node-a", 1)

	report, err := f.sched.SummarizeDay(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Records)
	require.Contains(t, f.notifier.messages()[0], "no node traffic reported")
}

func TestScheduler_SummarizeDay_SourceUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2024, time.May, 14, 16, 20, 0, 0, time.UTC))
	n := f.createNode(t, "node-a", 1)
	f.src.SetFailing(true)

	_, err := f.sched.SummarizeDay(context.Background())
	require.ErrorIs(t, err, promsource.ErrSourceUnavailable)

	rows, err := f.db.ListHistory(n.ID, "", "")
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, f.notifier.messages())
}
