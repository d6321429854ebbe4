// Package cron runs periodic gate jobs, such as the weekly failure report, on
// standard cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/gatekeep/internal/failures"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context, now time.Time) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job     Job
	sched   cronlib.Schedule
	nextRun time.Time
	lastRun time.Time
	lastErr error
}

// Scheduler ticks at a fixed interval and runs every job whose next run time
// has passed. A job that is still due after a missed window runs once.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
}

// Add registers job. Its first run is the first match of its expression
// after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron: job needs a name and a run function")
	}
	sched, err := cronParser.Parse(job.CronExpr)
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == job.Name {
			return fmt.Errorf("cron: job %s already registered", job.Name)
		}
	}
	s.entries = append(s.entries, &entry{job: job, sched: sched, nextRun: sched.Next(s.now())})
	return nil
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name    string
	NextRun time.Time
	LastRun time.Time
	LastErr error
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.entries))
	for i, e := range s.entries {
		out[i] = JobStatus{Name: e.job.Name, NextRun: e.nextRun, LastRun: e.lastRun, LastErr: e.lastErr}
	}
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.Jobs()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once and advances its next run time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.nextRun) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	err := e.job.Run(ctx, now)

	s.mu.Lock()
	e.lastRun, e.lastErr = now, err
	e.nextRun = e.sched.Next(now)
	next := e.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return
	}
	s.logger.Info("cron: job fired", "job", e.job.Name, "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ReportJob summarises the last days of ledger into a Markdown report under
// dir each time it fires.
func ReportJob(expr string, ledger *failures.Ledger, dir string, days int, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     "weekly_failure_report",
		CronExpr: expr,
		Run: func(ctx context.Context, now time.Time) error {
			summary, err := failures.Summarize(ctx, ledger, days, now)
			if err != nil {
				return err
			}
			path, err := failures.WriteReport(dir, summary)
			if err != nil {
				return err
			}
			logger.Info("failure report written", "path", path, "total", summary.Total, "unresolved", len(summary.Unresolved))
			return nil
		},
	}
}
