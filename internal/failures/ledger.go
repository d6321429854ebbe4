package failures

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/otel"
	"github.com/basket/gatekeep/internal/shared"
)

const shardGlob = "failures_*.jsonl"

type Options struct {
	Now     func() time.Time
	Logger  *slog.Logger
	Bus     bus.Publisher
	Metrics *otel.Metrics
}

// Ledger stores failure events in monthly JSONL shards under one directory.
// The mutex serialises writers within the process; an advisory file lock
// serialises writers across processes where the platform supports it.
type Ledger struct {
	dir     string
	mu      sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
	bus     bus.Publisher
	metrics *otel.Metrics
	skipped atomic.Int64
}

func NewLedger(dir string, opts Options) (*Ledger, error) {
	if dir == "" {
		return nil, fmt.Errorf("failure ledger: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create failure ledger dir: %w", err)
	}
	l := &Ledger{
		dir:     dir,
		now:     opts.Now,
		logger:  opts.Logger,
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = otel.NoopMetrics()
	}
	l.logger = l.logger.With("component", "failures")
	return l, nil
}

func (l *Ledger) Dir() string { return l.dir }

// Skipped is the number of unreadable lines seen by the last read.
func (l *Ledger) Skipped() int64 { return l.skipped.Load() }

// ShardPath names the shard holding events stamped at t.
func (l *Ledger) ShardPath(t time.Time) string {
	t = t.UTC()
	return filepath.Join(l.dir, fmt.Sprintf("failures_%04d-%02d.jsonl", t.Year(), int(t.Month())))
}

// Append normalises ev, fills in a missing id and timestamp, and writes it as
// one line to the shard for its month. The stored event is returned.
func (l *Ledger) Append(ctx context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, err := l.appendLocked(ev)
	if err != nil {
		return Event{}, err
	}
	l.logger.Info("failure recorded",
		"request_id", shared.RequestID(ctx),
		"event_id", ev.EventID,
		"domain", ev.Domain,
		"component", ev.Component,
		"severity", ev.Severity,
		"category", ev.Category,
	)
	l.metrics.Count(ctx, l.metrics.FailuresRecorded,
		attribute.String("severity", ev.Severity), attribute.String("category", ev.Category))
	l.publish(bus.TopicFailureRecorded, ev)
	return ev, nil
}

func (l *Ledger) appendLocked(ev Event) (Event, error) {
	ev = ev.clone()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TS == "" {
		ev.TS = FormatTime(l.now())
	}
	ts, err := ParseTime(ev.TS)
	if err != nil {
		return Event{}, shared.ValidationError("failures.append", "invalid ts %q", ev.TS)
	}
	ev.normalize()

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal failure event: %w", err)
	}
	unlock, err := lockDir(l.dir)
	if err != nil {
		return Event{}, err
	}
	defer unlock()

	f, err := os.OpenFile(l.ShardPath(ts), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return Event{}, fmt.Errorf("open failure shard: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("write failure event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync failure shard: %w", err)
	}
	return ev, nil
}

// GetFailure returns the latest record for id across all shards. Records
// with equal timestamps resolve to the one written later.
func (l *Ledger) GetFailure(ctx context.Context, id string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(id)
}

func (l *Ledger) getLocked(id string) (Event, error) {
	shards, err := filepath.Glob(filepath.Join(l.dir, shardGlob))
	if err != nil {
		return Event{}, fmt.Errorf("list failure shards: %w", err)
	}
	sort.Strings(shards)

	var (
		latest   Event
		latestTS time.Time
		found    bool
		skipped  int64
	)
	for _, shard := range shards {
		n, err := scanShard(shard, func(ev Event, ts time.Time) {
			if ev.EventID != id {
				return
			}
			if !found || !ts.Before(latestTS) {
				latest, latestTS, found = ev, ts, true
			}
		})
		skipped += n
		if err != nil {
			return Event{}, err
		}
	}
	l.skipped.Store(skipped)
	if !found {
		return Event{}, shared.NotFoundError("failures.get", "failure %s not found", id)
	}
	return latest, nil
}

// ListFailures folds the records stamped within [start, end] to the latest
// version of each event id, keeps those matching f, and returns them in
// timestamp order.
func (l *Ledger) ListFailures(ctx context.Context, start, end time.Time, f Filter) ([]Event, error) {
	if end.Before(start) {
		return nil, shared.ValidationError("failures.list", "end is before start")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	type entry struct {
		ev  Event
		ts  time.Time
		seq int
	}
	latest := map[string]entry{}
	seq := 0
	var skipped int64
	for _, shard := range l.shardsBetween(start, end) {
		n, err := scanShard(shard, func(ev Event, ts time.Time) {
			if ts.Before(start) || ts.After(end) {
				return
			}
			seq++
			if cur, ok := latest[ev.EventID]; ok && ts.Before(cur.ts) {
				return
			}
			latest[ev.EventID] = entry{ev: ev, ts: ts, seq: seq}
		})
		skipped += n
		if err != nil {
			return nil, err
		}
	}
	l.skipped.Store(skipped)

	out := make([]entry, 0, len(latest))
	for _, e := range latest {
		if f.match(e.ev) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ts.Equal(out[j].ts) {
			return out[i].ts.Before(out[j].ts)
		}
		return out[i].seq < out[j].seq
	})
	events := make([]Event, len(out))
	for i, e := range out {
		events[i] = e.ev
	}
	return events, nil
}

// UpdateResolution appends a copy of the latest record for id carrying the
// new status and note. Its ts is strictly after the previous record's, and
// resolved_ts is set only for resolved and wont_fix.
func (l *Ledger) UpdateResolution(ctx context.Context, id, status, note string) (Event, error) {
	if !ValidStatus(status) {
		return Event{}, shared.ValidationError("failures.update_resolution", "invalid status %q", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prior, err := l.getLocked(id)
	if err != nil {
		return Event{}, err
	}
	ts := l.now().UTC()
	if pt := prior.Time(); !ts.After(pt) {
		ts = pt.Add(time.Microsecond)
	}
	next := prior.clone()
	next.TS = FormatTime(ts)
	next.Resolution.Status = status
	next.Resolution.Notes = strPtr(shared.SafeText(note, 500))
	next.Resolution.ResolvedTS = nil
	if status == StatusResolved || status == StatusWontFix {
		next.Resolution.ResolvedTS = strPtr(next.TS)
	}
	stored, err := l.appendLocked(next)
	if err != nil {
		return Event{}, err
	}
	l.logger.Info("failure resolution updated",
		"request_id", shared.RequestID(ctx),
		"event_id", id,
		"status", status,
	)
	l.publish(bus.TopicFailureResolved, stored)
	return stored, nil
}

// shardsBetween lists the existing shard files for each month touched by
// [start, end].
func (l *Ledger) shardsBetween(start, end time.Time) []string {
	start, end = start.UTC(), end.UTC()
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []string
	for !cur.After(last) {
		path := l.ShardPath(cur)
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// maxLineBytes bounds one shard line. Longer lines are counted as skipped
// rather than failing the whole shard.
const maxLineBytes = 1 << 20

// scanShard calls fn for every decodable line and returns how many lines it
// had to skip.
func scanShard(path string, fn func(Event, time.Time)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open failure shard: %w", err)
	}
	defer f.Close()

	var skipped int64
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		raw, oversized, err := readLine(r)
		if oversized {
			skipped++
		} else if raw = bytes.TrimSpace(raw); len(raw) > 0 {
			if ev, ts, ok := decodeLine(raw); ok {
				fn(ev, ts)
			} else {
				skipped++
			}
		}
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			return skipped, fmt.Errorf("read failure shard %s: %w", filepath.Base(path), err)
		}
	}
}

// readLine returns the next line without its size bound being exceeded. An
// oversized line is consumed and reported with a nil slice.
func readLine(r *bufio.Reader) (line []byte, oversized bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > maxLineBytes {
				oversized, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err != bufio.ErrBufferFull {
			return line, oversized, err
		}
	}
}

func decodeLine(raw []byte) (Event, time.Time, bool) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventID == "" {
		return Event{}, time.Time{}, false
	}
	ts, err := ParseTime(ev.TS)
	if err != nil {
		return Event{}, time.Time{}, false
	}
	ev.normalize()
	return ev, ts, true
}

func (l *Ledger) publish(topic string, ev Event) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(topic, bus.FailureEvent{
		EventID:  ev.EventID,
		Domain:   ev.Domain,
		Severity: ev.Severity,
		Status:   ev.Resolution.Status,
	})
}
