package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"turfwar/internal/config"
	"turfwar/internal/types"
	"turfwar/internal/window"
)

// JobLister returns the jobs that should have triggers.
type JobLister interface {
	ListActive(ctx context.Context) ([]types.JobEntry, error)
}

// Runner executes one scheduled firing.
type Runner interface {
	RunScheduled(ctx context.Context, entry types.JobEntry) RunOutcome
}

// RollupRunner recomputes weekly performance.
type RollupRunner interface {
	Run(ctx context.Context) error
}

// Config holds the Scheduler's dependencies and schedule settings.
type Config struct {
	Jobs     JobLister
	Runner   Runner
	Rollup   RollupRunner // optional
	Settings config.SchedulerConfig
	// RollupSchedule is evaluated in the reporting zone. Ignored when Rollup is nil.
	RollupSchedule string
	Logger         *slog.Logger
}

// Scheduler owns the cron instance. Job triggers are replaced wholesale on
// every Rebuild; maintenance triggers are registered once by Start.
type Scheduler struct {
	cron    *cron.Cron
	jobs    JobLister
	runner  Runner
	rollup  RollupRunner
	logger  *slog.Logger
	stagger time.Duration
	reload  time.Duration

	drop        cron.Schedule
	snipe       cron.Schedule
	rollupSched cron.Schedule

	// rebuildMu serializes rebuilds end to end; mu guards the fields below.
	rebuildMu sync.Mutex
	mu        sync.Mutex
	triggers  []cron.EntryID
	runCtx    context.Context
	started   bool
}

// New parses the configured schedules. Invalid cron expressions are
// reported here rather than at Start.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drop, err := parseIn(cfg.Settings.DropSchedule, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parsing drop schedule: %w", err)
	}
	snipe, err := parseIn(cfg.Settings.SnipeSchedule, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parsing snipe schedule: %w", err)
	}

	s := &Scheduler{
		jobs:    cfg.Jobs,
		runner:  cfg.Runner,
		rollup:  cfg.Rollup,
		logger:  logger,
		stagger: cfg.Settings.StaggerDelay,
		reload:  cfg.Settings.ReloadInterval,
		drop:    drop,
		snipe:   snipe,
		runCtx:  context.Background(),
	}

	if cfg.Rollup != nil {
		s.rollupSched, err = parseIn(cfg.RollupSchedule, window.Location())
		if err != nil {
			return nil, fmt.Errorf("parsing rollup schedule: %w", err)
		}
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s, nil
}

// parseIn parses a five-field cron expression evaluated in loc. A CRON_TZ
// prefix in expr takes precedence.
func parseIn(expr string, loc *time.Location) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && spec.Location == time.Local {
		spec.Location = loc
	}
	return sched, nil
}

// maxStagger bounds the per-entry offset so a snipe firing at :55 still lands
// before the top of the hour.
const maxStagger = 4 * time.Minute

// staggerOffset is entry i's shift, wrapping at maxStagger.
func staggerOffset(i int, delay time.Duration) time.Duration {
	return (time.Duration(i) * delay) % maxStagger
}

// staggeredSchedule shifts every activation of base by offset.
type staggeredSchedule struct {
	base   cron.Schedule
	offset time.Duration
}

func (s staggeredSchedule) Next(t time.Time) time.Time {
	return s.base.Next(t.Add(-s.offset)).Add(s.offset)
}

// Rebuild replaces every job trigger with a fresh set built from the active
// registry entries. Entry i fires i*stagger after each base activation, modulo
// maxStagger. Each trigger gets its own job so a running drop never causes a
// snipe firing to be skipped.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	entries, err := s.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.triggers {
		s.cron.Remove(id)
	}
	s.triggers = s.triggers[:0]

	for i, entry := range entries {
		offset := staggerOffset(i, s.stagger)
		s.triggers = append(s.triggers,
			s.cron.Schedule(staggeredSchedule{base: s.drop, offset: offset}, s.triggerJob(entry.Clone())),
			s.cron.Schedule(staggeredSchedule{base: s.snipe, offset: offset}, s.triggerJob(entry.Clone())),
		)
	}

	s.logger.InfoContext(ctx, "scheduler rebuilt", "jobs", len(entries), "triggers", len(s.triggers))
	return nil
}

func (s *Scheduler) triggerJob(entry types.JobEntry) cron.Job {
	cl := cronLogger{logger: s.logger}
	return cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		s.runner.RunScheduled(ctx, entry)
	}))
}

// Start performs the initial rebuild, registers the maintenance triggers and
// starts the cron loop. Firings run detached from ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	if err := s.Rebuild(ctx); err != nil {
		return err
	}

	cl := cronLogger{logger: s.logger}
	if s.reload > 0 {
		s.cron.Schedule(cron.Every(s.reload), cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			if err := s.Rebuild(s.runCtx); err != nil {
				s.logger.Error("periodic scheduler reload failed", "error", err)
			}
		})))
	}
	if s.rollup != nil {
		s.cron.Schedule(s.rollupSched, cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			if err := s.rollup.Run(s.runCtx); err != nil {
				s.logger.Error("weekly rollup failed", "error", err)
			}
		})))
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "reload_interval", s.reload, "rollup", s.rollup != nil)
	return nil
}

// Stop halts new firings and waits for running ones until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerCount reports the number of registered job triggers.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
