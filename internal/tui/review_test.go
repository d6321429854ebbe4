package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m reviewModel, msgs ...tea.Msg) (reviewModel, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(reviewModel)
	}
	return m, cmd
}

func sampleItems() []Item {
	return []Item{
		{ID: "p1", Type: "preference", Domain: "style", Source: "manual_review", Content: "prefers dark mode"},
		{ID: "p2", Type: "preference", Domain: "wifi", Source: "manual_review", Content: "password: hunter22", Refusal: []string{"secret_content"}},
		{ID: "p3", Type: "fact", Domain: "home", Source: "chat", Content: "lives near the park"},
	}
}

func TestReview_Init(t *testing.T) {
	if cmd := newReviewModel(nil).Init(); cmd != nil {
		t.Error("Init() should return nil")
	}
}

func TestReview_Navigate(t *testing.T) {
	m, _ := press(t, newReviewModel(sampleItems()), tea.KeyMsg{Type: tea.KeyUp})
	if m.cursor != 0 {
		t.Fatalf("cursor should stay at 0, got %d", m.cursor)
	}
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown}, runes("j"), runes("j"))
	if m.cursor != 2 {
		t.Fatalf("cursor should stop at last item, got %d", m.cursor)
	}
	m, _ = press(t, m, runes("k"))
	if m.cursor != 1 {
		t.Fatalf("cursor after k = %d, want 1", m.cursor)
	}
}

func TestReview_MarkAdvancesAndClears(t *testing.T) {
	m, _ := press(t, newReviewModel(sampleItems()), runes("a"), runes("r"))
	if m.verdicts["p1"] != VerdictApprove || m.verdicts["p2"] != VerdictReject {
		t.Fatalf("verdicts = %v", m.verdicts)
	}
	if m.cursor != 2 {
		t.Fatalf("cursor = %d, want 2", m.cursor)
	}
	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyUp}, runes("u"))
	if _, ok := m.verdicts["p2"]; ok {
		t.Fatalf("u should clear the verdict: %v", m.verdicts)
	}
}

func TestReview_SubmitAndCancel(t *testing.T) {
	m, cmd := press(t, newReviewModel(sampleItems()), runes("a"), tea.KeyMsg{Type: tea.KeyEnter})
	if !m.done || m.quit || cmd == nil {
		t.Fatalf("enter should submit and quit: done=%v quit=%v cmd=%v", m.done, m.quit, cmd)
	}
	if m.View() != "" {
		t.Fatal("view should be empty after submit")
	}

	m, cmd = press(t, newReviewModel(sampleItems()), tea.KeyMsg{Type: tea.KeyEsc})
	if !m.quit || cmd == nil {
		t.Fatal("esc should cancel")
	}
}

func TestReview_EmptyQueue(t *testing.T) {
	m, _ := press(t, newReviewModel(nil), runes("a"), runes("r"), runes("u"), tea.KeyMsg{Type: tea.KeyDown})
	if len(m.verdicts) != 0 || m.cursor != 0 {
		t.Fatalf("empty queue changed state: %+v", m)
	}
	v, err := Review(context.Background(), strings.NewReader(""), &strings.Builder{}, nil)
	if err != nil || v != nil {
		t.Fatalf("Review(nil) = %v, %v", v, err)
	}
}

func TestReview_ViewShowsSelectedDetail(t *testing.T) {
	m, _ := press(t, newReviewModel(sampleItems()), tea.KeyMsg{Type: tea.KeyDown})
	view := m.View()
	for _, want := range []string{"Pending memory proposals (3)", "id=p2", "policy would refuse: secret_content"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "id=p1") {
		t.Fatalf("detail shown for an unselected item:\n%s", view)
	}
}

func TestStatusTag(t *testing.T) {
	for _, s := range []string{"PASS", "FAIL", "WARN", "SKIP"} {
		if !strings.Contains(StatusTag(s), s) {
			t.Errorf("StatusTag(%q) lost the label", s)
		}
	}
	if StatusTag("OTHER") != "OTHER" {
		t.Error("unknown status should be unstyled")
	}
}
