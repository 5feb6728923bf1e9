package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/saintparish4/trafficcop/control-plane/discovery"
	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"github.com/saintparish4/trafficcop/control-plane/notify"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
)

const (
	TaskSyncNodes       = "sync_nodes"
	TaskMonthlyBaseline = "monthly_baseline"
	TaskDailySummary    = "daily_summary"

	DefaultTimezone = "Asia/Shanghai"

	defaultSyncSpec     = "@every 5m"
	defaultBaselineSpec = "10 0 * * *"
	defaultSummarySpec  = "20 0 * * *"
	defaultSummaryTopN  = 10
	defaultTaskTimeout  = 5 * time.Minute
)

// Store is the part of the database the scheduled tasks use
type Store interface {
	NodesDueOn(day int) ([]*models.Node, error)
	ListNodes() ([]*models.Node, error)
	UpsertBaseline(b models.Baseline) error
	AppendHistory(records []models.HistoryRecord) error
}

// Syncer runs one discovery pass
type Syncer interface {
	ReconcileNow(ctx context.Context) (discovery.Report, error)
}

// Config holds configuration for the scheduler
type Config struct {
	Source   promsource.Source
	Store    Store
	Syncer   Syncer
	Notifier notify.Notifier
	Job      string

	// Optional configuration.
	Location     *time.Location
	Clock        clockwork.Clock
	SyncSpec     string
	BaselineSpec string
	SummarySpec  string
	SummaryTopN  int
	TaskTimeout  time.Duration
}

func (c *Config) Validate() error {
	if c.Source == nil {
		return errors.New("counter source is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Job == "" {
		return errors.New("job is required")
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop{}
	}
	if c.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			return fmt.Errorf("load default timezone: %w", err)
		}
		c.Location = loc
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SyncSpec == "" {
		c.SyncSpec = defaultSyncSpec
	}
	if c.BaselineSpec == "" {
		c.BaselineSpec = defaultBaselineSpec
	}
	if c.SummarySpec == "" {
		c.SummarySpec = defaultSummarySpec
	}
	if c.SummaryTopN <= 0 {
		c.SummaryTopN = defaultSummaryTopN
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	for _, spec := range []string{c.SyncSpec, c.BaselineSpec, c.SummarySpec} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	return nil
}

// DailySpec renders a once-a-day cron spec
func DailySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

type task struct {
	name string
	spec string
	run  func(context.Context) error
}

// Scheduler runs the periodic tasks beside the HTTP server. Each task is
// skipped while its previous run is still going and a panicking task is
// recovered and logged.
type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

func New(log *slog.Logger, cfg Config) (*Scheduler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clog := cronLogger{log: log.With("component", "cron")}
	s := &Scheduler{
		log: log,
		cfg: cfg,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}

	tasks := []task{
		{TaskMonthlyBaseline, cfg.BaselineSpec, func(ctx context.Context) error {
			_, err := s.CaptureDueBaselines(ctx)
			return err
		}},
		{TaskDailySummary, cfg.SummarySpec, func(ctx context.Context) error {
			_, err := s.SummarizeDay(ctx)
			return err
		}},
	}
	if cfg.Syncer != nil {
		tasks = append(tasks, task{TaskSyncNodes, cfg.SyncSpec, func(ctx context.Context) error {
			_, err := cfg.Syncer.ReconcileNow(ctx)
			return err
		}})
	}

	for _, t := range tasks {
		t := t
		if _, err := s.cron.AddFunc(t.spec, func() { s.runTask(t.name, t.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", t.name, err)
		}
		log.Info("task scheduled", "task", t.name, "spec", t.spec, "tz", cfg.Location.String())
	}
	return s, nil
}

func (s *Scheduler) runTask(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(name, "error").Inc()
		s.log.Error("task failed", "task", name, "duration", time.Since(start), "error", err)
		return
	}
	metrics.TaskRunsTotal.WithLabelValues(name, "ok").Inc()
	s.log.Debug("task complete", "task", name, "duration", time.Since(start))
}

// Start begins running scheduled tasks in the background
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", "tasks", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running tasks until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns the next run time of each scheduled task
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

// now is the scheduler clock in the configured zone
func (s *Scheduler) now() time.Time {
	return s.cfg.Clock.Now().In(s.cfg.Location)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
