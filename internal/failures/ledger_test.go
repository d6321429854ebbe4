package failures_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/gatekeep/internal/failures"
	"github.com/basket/gatekeep/internal/shared"
	"github.com/basket/gatekeep/internal/telemetry"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newLedger(t *testing.T, now func() time.Time) *failures.Ledger {
	t.Helper()
	l, err := failures.NewLedger(filepath.Join(t.TempDir(), "failures"), failures.Options{Now: now, Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func sample(domain, severity string) failures.Event {
	return failures.Event{
		Domain:     domain,
		Component:  failures.ComponentExecutor,
		Severity:   severity,
		Category:   failures.CategoryRuntimeError,
		UserIntent: "do the thing",
		Action:     failures.Action{Name: "run_request"},
		Failure:    failures.Failure{Code: "request_pipeline_error", Message: "boom"},
	}
}

func TestAppend_ShardsByMonthAndNormalises(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)}
	l := newLedger(t, c.Now)

	ev := sample("files", "catastrophic")
	ev.Component = "kernel"
	ev.Category = "weird"
	ev.Resolution.Status = "pending"
	jan, err := l.Append(ctx, ev)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if jan.EventID == "" || jan.SchemaVersion != failures.SchemaVersion {
		t.Fatalf("id or schema version missing: %+v", jan)
	}
	if jan.Component != failures.ComponentExecutor || jan.Severity != failures.SeverityMedium ||
		jan.Category != failures.CategoryUnknown || jan.Resolution.Status != failures.StatusNew {
		t.Fatalf("enums not normalised: %+v", jan)
	}
	if !jan.Action.ArgsRedacted || !jan.Failure.DetailsRedacted {
		t.Fatal("redaction flags must be forced on")
	}

	c.Set(time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC))
	if _, err := l.Append(ctx, sample("files", "low")); err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, name := range []string{"failures_2026-01.jsonl", "failures_2026-02.jsonl"} {
		if _, err := os.Stat(filepath.Join(l.Dir(), name)); err != nil {
			t.Fatalf("missing shard %s: %v", name, err)
		}
	}

	raw, err := os.ReadFile(l.ShardPath(c.Now().AddDate(0, -1, 0)))
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &decoded); err != nil {
		t.Fatalf("shard line is not one JSON object: %v", err)
	}
	if decoded["ts"] != "2026-01-31T23:59:00.000000+00:00" {
		t.Fatalf("ts = %v", decoded["ts"])
	}
	if _, ok := decoded["failure"].(map[string]any)["stack_hash"]; !ok {
		t.Fatal("stack_hash key must be present even when null")
	}
}

func TestUpdateResolution(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := &clock{t: base}
	l := newLedger(t, c.Now)

	if _, err := l.UpdateResolution(ctx, "missing", failures.StatusResolved, "x"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ev, err := l.Append(ctx, sample("calendar", "high"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.UpdateResolution(ctx, ev.EventID, "done", "x"); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}

	// Same clock reading: the update must still sort after the original.
	upd, err := l.UpdateResolution(ctx, ev.EventID, failures.StatusInReview, "looking")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !upd.Time().After(ev.Time()) {
		t.Fatalf("update ts %s not after %s", upd.TS, ev.TS)
	}
	if upd.Resolution.ResolvedTS != nil {
		t.Fatal("resolved_ts set for in_review")
	}

	c.Set(base.Add(time.Hour))
	if _, err := l.UpdateResolution(ctx, ev.EventID, failures.StatusResolved, "fixed in v2"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := l.GetFailure(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Resolution.Status != failures.StatusResolved || got.Resolution.Notes == nil || *got.Resolution.Notes != "fixed in v2" {
		t.Fatalf("resolution not applied: %+v", got.Resolution)
	}
	if got.Resolution.ResolvedTS == nil || *got.Resolution.ResolvedTS != got.TS {
		t.Fatalf("resolved_ts = %v, want %s", got.Resolution.ResolvedTS, got.TS)
	}
	if got.Domain != "calendar" || got.Failure.Code != "request_pipeline_error" {
		t.Fatalf("update did not clone the prior record: %+v", got)
	}

	if _, err := l.UpdateResolution(ctx, ev.EventID, failures.StatusNew, "reopened"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, _ = l.GetFailure(ctx, ev.EventID)
	if got.Resolution.ResolvedTS != nil {
		t.Fatal("resolved_ts must clear when reopened")
	}
}

func TestListFailures_LatestVersionFilteredAndSorted(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{t: base}
	l := newLedger(t, c.Now)

	var ids []string
	for i, d := range []string{"files", "mail", "files", "files"} {
		c.Set(base.Add(time.Duration(i) * time.Minute))
		ev, err := l.Append(ctx, sample(d, "high"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, ev.EventID)
	}
	c.Set(base.Add(10 * time.Minute))
	if _, err := l.UpdateResolution(ctx, ids[2], failures.StatusResolved, "ok"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	start, end := base.Add(-time.Hour), base.Add(time.Hour)
	open, err := l.ListFailures(ctx, start, end, failures.Filter{Domain: "files", Status: failures.StatusNew})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 || open[0].EventID != ids[0] || open[1].EventID != ids[3] {
		t.Fatalf("unexpected open files failures: %+v", open)
	}
	resolved, _ := l.ListFailures(ctx, start, end, failures.Filter{Status: failures.StatusResolved})
	if len(resolved) != 1 || resolved[0].EventID != ids[2] {
		t.Fatalf("unexpected resolved: %+v", resolved)
	}
	all, _ := l.ListFailures(ctx, start, end, failures.Filter{})
	if len(all) != 4 {
		t.Fatalf("expected one entry per event id, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Time().Before(all[i-1].Time()) {
			t.Fatal("results not sorted by ts")
		}
	}

	if _, err := l.ListFailures(ctx, end, start, failures.Filter{}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestListFailures_SkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 5, 5, 0, 0, 0, time.UTC)
	l := newLedger(t, func() time.Time { return now })
	if _, err := l.Append(ctx, sample("files", "low")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(l.ShardPath(now), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	_, _ = f.WriteString("{not json\n{\"event_id\":\"x\",\"ts\":\"yesterday\"}\n")
	_ = f.Close()
	if _, err := l.Append(ctx, sample("mail", "low")); err != nil {
		t.Fatalf("append after corruption: %v", err)
	}

	got, err := l.ListFailures(ctx, now.Add(-time.Hour), now.Add(time.Hour), failures.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || l.Skipped() != 2 {
		t.Fatalf("got %d events, skipped %d", len(got), l.Skipped())
	}
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l := newLedger(t, func() time.Time { return now })
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, sample("files", "low")); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := l.ListFailures(ctx, now, now, failures.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 20 || l.Skipped() != 0 {
		t.Fatalf("got %d events, skipped %d", len(got), l.Skipped())
	}
}

func TestLedger_OversizedRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 5, 5, 0, 0, 0, time.UTC)
	l := newLedger(t, func() time.Time { return now })

	good, err := l.Append(ctx, sample("files", "low"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	big := sample("files", "high")
	big.ExpectedBehavior = strings.Repeat("x", 5<<20)
	big.Tags = make([]string, 100)
	stored, err := l.Append(ctx, big)
	if err != nil {
		t.Fatalf("append oversized: %v", err)
	}
	if n := len([]rune(stored.ExpectedBehavior)); n != failures.MaxTextLength || len(stored.Tags) != failures.MaxTags {
		t.Fatalf("stored %d runes and %d tags", n, len(stored.Tags))
	}

	// A line written by something other than Append is not bounded.
	f, err := os.OpenFile(l.ShardPath(now), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	line, _ := json.Marshal(map[string]string{"event_id": "huge", "ts": failures.FormatTime(now), "expected_behavior": strings.Repeat("y", 5<<20)})
	_, _ = f.Write(append(line, '\n'))
	_ = f.Close()
	if _, err := l.Append(ctx, sample("mail", "low")); err != nil {
		t.Fatalf("append after oversized line: %v", err)
	}

	if _, err := l.GetFailure(ctx, good.EventID); err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := l.ListFailures(ctx, now.Add(-time.Hour), now.Add(time.Hour), failures.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || l.Skipped() != 1 {
		t.Fatalf("got %d events, skipped %d", len(got), l.Skipped())
	}
	if _, err := l.UpdateResolution(ctx, good.EventID, failures.StatusResolved, "fixed"); err != nil {
		t.Fatalf("update resolution: %v", err)
	}
}
