package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/control-plane/promsource/promtest"
	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/stretchr/testify/require"
)

const testJob = "trafficcop"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type baselineMap map[string]*models.Baseline

func (m baselineMap) GetBaseline(instance, iface, monthKey string) (*models.Baseline, error) {
	if b, ok := m[instance+"/"+iface+"/"+monthKey]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("baseline: %w", database.ErrNotFound)
}

type failingBaselines struct{}

func (failingBaselines) GetBaseline(string, string, string) (*models.Baseline, error) {
	return nil, errors.New("disk on fire")
}

func TestAccounting_Compute_LimitModes(t *testing.T) {
	t.Parallel()

	base := &models.Baseline{MonthKey: "202405", RxBase: 1000, TxBase: 500}
	counters := promsource.Counters{Rx: 4000, Tx: 2500, RxSeries: 1, TxSeries: 1}

	tests := []struct {
		name string
		mode models.LimitMode
		want int64
	}{
		{name: "double", mode: models.LimitModeDouble, want: 5000},
		{name: "download", mode: models.LimitModeDownload, want: 3000},
		{name: "upload", mode: models.LimitModeUpload, want: 2000},
		{name: "unknown falls back to double", mode: models.LimitMode("sideways"), want: 5000},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			node := &models.Node{ID: 1, Instance: "node-a", LimitMode: tt.mode, LimitBytes: 10000}
			u := Compute(node, counters, base)
			require.Equal(t, int64(3000), u.CycleRx)
			require.Equal(t, int64(2000), u.CycleTx)
			require.Equal(t, tt.want, u.UsedBytes)
			require.True(t, u.BaselineApplied)
			require.NotNil(t, u.UsageRatio)
		})
	}
}

func TestAccounting_Compute_UploadRatio(t *testing.T) {
	t.Parallel()

	node := &models.Node{ID: 3, LimitMode: models.LimitModeUpload, LimitBytes: 10_000_000_000}
	u := Compute(node, promsource.Counters{Rx: 9_000_000_000, Tx: 5_000_000_000, RxSeries: 1, TxSeries: 1}, nil)

	require.Equal(t, int64(5_000_000_000), u.UsedBytes)
	require.NotNil(t, u.UsageRatio)
	require.Equal(t, 50.0, *u.UsageRatio)
	require.False(t, u.Unlimited)
}

func TestAccounting_Compute_Unlimited(t *testing.T) {
	t.Parallel()

	node := &models.Node{ID: 3, LimitMode: models.LimitModeDouble}
	u := Compute(node, promsource.Counters{Rx: 10, Tx: 20, RxSeries: 1, TxSeries: 1}, nil)

	require.Equal(t, int64(30), u.UsedBytes)
	require.Nil(t, u.UsageRatio)
	require.True(t, u.Unlimited)
}

func TestAccounting_Compute_NeverNegative(t *testing.T) {
	t.Parallel()

	// counters restarted below the captured baseline
	base := &models.Baseline{RxBase: 1 << 40, TxBase: 1 << 40}
	node := &models.Node{ID: 1, LimitBytes: 100}
	u := Compute(node, promsource.Counters{Rx: 10, Tx: 20}, base)

	require.Zero(t, u.CycleRx)
	require.Zero(t, u.CycleTx)
	require.Zero(t, u.UsedBytes)
	require.Equal(t, 0.0, *u.UsageRatio)

	for _, raw := range []int64{-5, 0, 5, 1 << 50} {
		for _, b := range []int64{0, 5, 1 << 49} {
			require.GreaterOrEqual(t, CycleDelta(raw, b), int64(0))
		}
	}
}

func TestAccounting_UsageRatio_Rounding(t *testing.T) {
	t.Parallel()

	require.Equal(t, 33.33, UsageRatio(1, 3))
	require.Equal(t, 66.67, UsageRatio(2, 3))
	require.Equal(t, 150.0, UsageRatio(3, 2))
}

func newTestEngine(t *testing.T, src promsource.Source, baselines BaselineReader) *Engine {
	t.Helper()
	e, err := NewEngine(newTestLogger(), EngineConfig{
		Source:    src,
		Baselines: baselines,
		Job:       testJob,
		Clock:     clockwork.NewFakeClockAt(time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC)),
		Location:  time.UTC,
	})
	require.NoError(t, err)
	return e
}

func TestAccounting_EngineConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := EngineConfig{}
	require.ErrorContains(t, cfg.Validate(), "counter source is required")

	cfg = EngineConfig{Source: promtest.New(), Baselines: baselineMap{}, Job: testJob}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
	require.Equal(t, defaultMaxConcurrency, cfg.MaxConcurrency)
}

func TestAccounting_ComputeUsage_AppliesCurrentMonthBaseline(t *testing.T) {
	t.Parallel()

	src := promtest.New()
	src.SetCounters(testJob, 7, []float64{3000, 1000}, []float64{500})
	baselines := baselineMap{
		"node-a/total/202405": {Instance: "node-a", Iface: models.IfaceTotal, MonthKey: "202405", RxBase: 1000, TxBase: 100},
		"node-a/total/202404": {Instance: "node-a", Iface: models.IfaceTotal, MonthKey: "202404", RxBase: 1, TxBase: 1},
	}
	e := newTestEngine(t, src, baselines)

	u, err := e.ComputeUsage(context.Background(), &models.Node{ID: 7, Instance: "node-a", LimitBytes: 6000})
	require.NoError(t, err)
	require.Equal(t, "202405", u.MonthKey)
	require.Equal(t, int64(4000), u.RawRx)
	require.Equal(t, int64(3000), u.CycleRx)
	require.Equal(t, int64(400), u.CycleTx)
	require.Equal(t, int64(3400), u.UsedBytes)
	require.Equal(t, 56.67, *u.UsageRatio)
	require.Equal(t, 3, u.Series)
}

func TestAccounting_ComputeUsage_NoBaselineBillsRaw(t *testing.T) {
	t.Parallel()

	src := promtest.New()
	src.SetCounters(testJob, 7, []float64{300}, []float64{200})
	e := newTestEngine(t, src, baselineMap{})

	u, err := e.ComputeUsage(context.Background(), &models.Node{ID: 7, Instance: "node-a"})
	require.NoError(t, err)
	require.False(t, u.BaselineApplied)
	require.Equal(t, int64(500), u.UsedBytes)
	require.True(t, u.Unlimited)
}

func TestAccounting_ComputeUsage_SourceUnavailable(t *testing.T) {
	t.Parallel()

	src := promtest.New()
	src.SetFailing(true)
	e := newTestEngine(t, src, baselineMap{})

	_, err := e.ComputeUsage(context.Background(), &models.Node{ID: 7, Instance: "node-a"})
	require.ErrorIs(t, err, promsource.ErrSourceUnavailable)
}

func TestAccounting_ComputeUsage_BaselineReadError(t *testing.T) {
	t.Parallel()

	src := promtest.New()
	src.SetCounters(testJob, 7, []float64{1}, []float64{1})
	e := newTestEngine(t, src, failingBaselines{})

	_, err := e.ComputeUsage(context.Background(), &models.Node{ID: 7, Instance: "node-a"})
	require.ErrorContains(t, err, "disk on fire")
}

func TestAccounting_ComputeAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	src := promtest.New()
	src.SetCounters(testJob, 1, []float64{100}, []float64{100})
	src.SetCounters(testJob, 2, []float64{50}, []float64{0})

	e := newTestEngine(t, src, baselineMap{})
	nodes := []*models.Node{
		{ID: 1, Instance: "node-a"},
		{ID: 2, Instance: "node-b", LimitMode: models.LimitModeDownload},
		{ID: 3, Instance: "node-c"},
	}
	got := e.ComputeAll(context.Background(), nodes)

	require.Len(t, got, 3)
	for i, nu := range got {
		require.Equal(t, nodes[i].ID, nu.Node.ID)
		require.NoError(t, nu.Err)
	}
	require.Equal(t, int64(200), got[0].Usage.UsedBytes)
	require.Equal(t, int64(50), got[1].Usage.UsedBytes)
	require.Zero(t, got[2].Usage.UsedBytes)
	require.Zero(t, got[2].Usage.Series)
}

func TestAccounting_ComputeUsage_WithDatabase(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC))
	dm, err := database.NewDatabaseManager(filepath.Join(t.TempDir(), "trafficcop.db"), database.Options{Logger: newTestLogger(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	node, err := dm.Register(database.RegisterRequest{Instance: "node-a"})
	require.NoError(t, err)
	require.NoError(t, dm.UpsertBaseline(models.Baseline{Instance: "node-a", MonthKey: "202405", NodeID: node.ID, RxBase: 100, TxBase: 100}))

	src := promtest.New()
	src.SetCounters(testJob, node.ID, []float64{150}, []float64{130})
	e := newTestEngine(t, src, dm)

	u, err := e.ComputeUsage(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, int64(80), u.UsedBytes)
}
