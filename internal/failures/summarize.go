package failures

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Count is one row of a tally.
type Count struct {
	Key   string
	Count int
}

// Summary is the weekly failure digest.
type Summary struct {
	Start      time.Time
	End        time.Time
	Total      int
	BySeverity []Count
	ByStatus   []Count
	ByCategory []Count
	Patterns   []Count
	Unresolved []Event
}

// Summarize tallies the latest version of every failure recorded in the
// days before now.
func Summarize(ctx context.Context, l *Ledger, days int, now time.Time) (Summary, error) {
	if days <= 0 {
		days = 7
	}
	end := now.UTC()
	start := end.AddDate(0, 0, -days)
	events, err := l.ListFailures(ctx, start, end, Filter{})
	if err != nil {
		return Summary{}, err
	}

	severity, status, category, pattern := map[string]int{}, map[string]int{}, map[string]int{}, map[string]int{}
	s := Summary{Start: start, End: end, Total: len(events)}
	for _, ev := range events {
		severity[ev.Severity]++
		status[ev.Resolution.Status]++
		category[ev.Category]++
		pattern[patternKey(ev)]++
		if ev.Resolution.Status == StatusNew || ev.Resolution.Status == StatusInReview {
			s.Unresolved = append(s.Unresolved, ev)
		}
	}
	s.BySeverity = tally(severity)
	s.ByStatus = tally(status)
	s.ByCategory = tally(category)
	s.Patterns = tally(pattern)
	return s, nil
}

// patternKey groups recurring failures by code and stack hash.
func patternKey(ev Event) string {
	key := ev.Failure.Code
	if key == "" {
		key = ev.Category
	}
	if ev.Failure.StackHash != nil && len(*ev.Failure.StackHash) >= 12 {
		key += "@" + (*ev.Failure.StackHash)[:12]
	}
	return key
}

// tally orders counts by count descending, then key.
func tally(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// RenderMarkdown formats the summary as a Markdown report.
func (s Summary) RenderMarkdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Failure report (%s to %s)\n\n", s.Start.Format("2006-01-02"), s.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Total failures: %d\n", s.Total)
	section := func(title string, rows []Count) {
		fmt.Fprintf(&b, "\n## %s\n", title)
		if len(rows) == 0 {
			b.WriteString("- none\n")
			return
		}
		for _, r := range rows {
			fmt.Fprintf(&b, "- %s: %d\n", r.Key, r.Count)
		}
	}
	section("Totals by severity", s.BySeverity)
	section("Totals by status", s.ByStatus)
	section("Totals by category", s.ByCategory)
	section("Top repeated failure patterns", s.Patterns)

	b.WriteString("\n## Unresolved failures\n")
	if len(s.Unresolved) == 0 {
		b.WriteString("- none\n")
	}
	for _, ev := range s.Unresolved {
		fmt.Fprintf(&b, "- %s: %s/%s %s (%s)\n", ev.EventID, ev.Domain, ev.Component, ev.Failure.Code, ev.Severity)
	}
	return b.String()
}

// WriteReport writes the rendered summary to dir/report_YYYY_MM_DD.md, named
// for the end of the summarised window.
func WriteReport(dir string, s Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, "report_"+s.End.Format("2006_01_02")+".md")
	if err := os.WriteFile(path, []byte(s.RenderMarkdown()), 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
