package cron_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/cron"
	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/telemetry"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNextRunTime(t *testing.T) {
	// Monday 09:00 UTC, every week.
	after := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) // a Wednesday
	next, err := cron.NextRunTime("0 9 * * 1", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	if _, err := cron.NextRunTime("every monday", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_AddValidates(t *testing.T) {
	s := cron.NewScheduler(cron.Config{Logger: telemetry.Discard()})
	run := func(context.Context, time.Time) error { return nil }
	if err := s.Add(cron.Job{Name: "a", CronExpr: "* * * * *", Run: run}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(cron.Job{Name: "a", CronExpr: "* * * * *", Run: run}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := s.Add(cron.Job{Name: "b", CronExpr: "61 * * * *", Run: run}); err == nil {
		t.Fatal("expected invalid expression error")
	}
	if err := s.Add(cron.Job{Name: "c", CronExpr: "* * * * *"}); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestScheduler_TickRunsOnlyDueJobs(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 8, 58, 30, 0, time.UTC)}
	s := cron.NewScheduler(cron.Config{Logger: telemetry.Discard(), Now: clock.Now})

	var weekly, failing atomic.Int32
	if err := s.Add(cron.Job{Name: "weekly", CronExpr: "0 9 * * 1", Run: func(context.Context, time.Time) error {
		weekly.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(cron.Job{Name: "failing", CronExpr: "* * * * *", Run: func(context.Context, time.Time) error {
		failing.Add(1)
		return errors.New("nope")
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx := context.Background()
	s.Tick(ctx)
	if weekly.Load() != 0 || failing.Load() != 0 {
		t.Fatal("nothing is due yet")
	}

	clock.Advance(2 * time.Minute) // 09:00:30
	s.Tick(ctx)
	s.Tick(ctx)
	if weekly.Load() != 1 || failing.Load() != 1 {
		t.Fatalf("weekly=%d failing=%d, want one run each", weekly.Load(), failing.Load())
	}

	for _, j := range s.Jobs() {
		switch j.Name {
		case "weekly":
			if want := time.Date(2026, 10, 26, 9, 0, 0, 0, time.UTC); !j.NextRun.Equal(want) {
				t.Fatalf("weekly next run = %s", j.NextRun)
			}
		case "failing":
			if j.LastErr == nil {
				t.Fatal("failing job should keep its last error")
			}
		}
	}
}

func TestScheduler_StartStop(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 30, 0, time.UTC)}
	s := cron.NewScheduler(cron.Config{Logger: telemetry.Discard(), Interval: 10 * time.Millisecond, Now: clock.Now})
	var runs atomic.Int32
	if err := s.Add(cron.Job{Name: "minutely", CronExpr: "* * * * *", Run: func(context.Context, time.Time) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Start(context.Background())
	clock.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 })
	s.Stop()
	after := runs.Load()
	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("job ran after Stop")
	}
}

func TestReportJob_WritesReport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	ledger, err := failures.NewLedger(filepath.Join(dir, "failures"), failures.Options{
		Now:    func() time.Time { return now.Add(-24 * time.Hour) },
		Logger: telemetry.Discard(),
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if _, err := ledger.Append(ctx, failures.Event{Domain: "files", Severity: "high", Category: "runtime_error"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	reports := filepath.Join(dir, "reports", "weekly")
	job := cron.ReportJob("0 9 * * 1", ledger, reports, 7, telemetry.Discard())
	if err := job.Run(ctx, now); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(reports, "report_2026_10_19.md"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), "Total failures: 1") {
		t.Fatalf("unexpected report:\n%s", data)
	}
}
