// Package tui holds the interactive terminal views.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/gatekeep/internal/shared"
)

// ErrCanceled is returned by Review when the reviewer leaves without
// submitting.
var ErrCanceled = errors.New("review canceled")

// Verdict is the reviewer's decision for one proposal.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Item is one pending proposal as shown in the review queue. Refusal lists
// the reasons the memory policy would refuse it; empty means it would pass.
type Item struct {
	ID      string
	Type    string
	Domain  string
	Source  string
	Content string
	Refusal []string
}

type reviewModel struct {
	items    []Item
	cursor   int
	verdicts map[string]Verdict
	done     bool
	quit     bool
}

func newReviewModel(items []Item) reviewModel {
	return reviewModel{items: items, verdicts: make(map[string]Verdict)}
}

func (m reviewModel) Init() tea.Cmd {
	return nil
}

func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "esc", "q":
		m.quit = true
		return m, tea.Quit
	case "enter", "ctrl+m":
		m.done = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "a":
		m.mark(VerdictApprove)
	case "r":
		m.mark(VerdictReject)
	case " ", "u":
		if len(m.items) > 0 {
			delete(m.verdicts, m.items[m.cursor].ID)
		}
	}
	return m, nil
}

// mark records v for the selected item and moves to the next one.
func (m *reviewModel) mark(v Verdict) {
	if len(m.items) == 0 {
		return
	}
	m.verdicts[m.items[m.cursor].ID] = v
	if m.cursor < len(m.items)-1 {
		m.cursor++
	}
}

func (m reviewModel) View() string {
	if m.quit || m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n  " + titleStyle.Render(fmt.Sprintf("Pending memory proposals (%d)", len(m.items))) + "\n\n")

	for i, it := range m.items {
		cursor := "  "
		if i == m.cursor {
			cursor = focusStyle.Render("> ")
		}
		mark := "[ ]"
		switch m.verdicts[it.ID] {
		case VerdictApprove:
			mark = approveStyle.Render("[+]")
		case VerdictReject:
			mark = rejectStyle.Render("[-]")
		}
		fmt.Fprintf(&b, "  %s%s %-20s %-12s %s\n", cursor, mark, it.Type, it.Domain, shared.Truncate(it.Content, 48))

		if i == m.cursor {
			b.WriteString(dimStyle.Render(fmt.Sprintf("        id=%s source=%s", it.ID, it.Source)) + "\n")
			b.WriteString("        " + it.Content + "\n")
			if len(it.Refusal) > 0 {
				b.WriteString("        " + warnStyle.Render("policy would refuse: "+strings.Join(it.Refusal, ", ")) + "\n")
			}
		}
	}

	b.WriteString(dimStyle.Render("\n  [a] Approve  [r] Reject  [u] Clear  [Up/Down] Navigate  [Enter] Submit  [Esc] Cancel") + "\n")
	return b.String()
}

// Review runs the review queue on in/out and returns the verdicts the
// reviewer submitted, keyed by proposal id. Items without a verdict are
// absent from the map.
func Review(ctx context.Context, in io.Reader, out io.Writer, items []Item) (map[string]Verdict, error) {
	if len(items) == 0 {
		return nil, nil
	}
	p := tea.NewProgram(newReviewModel(items),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	m, ok := final.(reviewModel)
	if !ok || m.quit {
		return nil, ErrCanceled
	}
	return m.verdicts, nil
}
