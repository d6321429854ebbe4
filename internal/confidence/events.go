package confidence

import (
	"strings"
	"time"

	"github.com/basket/gatekeep/internal/shared"
)

// EventType is the outcome a confidence event reports.
type EventType string

const (
	EventAccept   EventType = "accept"
	EventConfirm  EventType = "confirm"
	EventSuccess  EventType = "success"
	EventReject   EventType = "reject"
	EventOverride EventType = "override"
	EventFailure  EventType = "failure"
	EventClarify  EventType = "clarify"
)

// Step sizes per unit weight. Negative outcomes move a score further than
// positive ones.
const (
	PositiveStep = 0.08
	NegativeStep = 0.14
)

var positiveEvents = map[EventType]bool{EventAccept: true, EventConfirm: true, EventSuccess: true}
var negativeEvents = map[EventType]bool{EventReject: true, EventOverride: true, EventFailure: true, EventClarify: true}

func (t EventType) IsPositive() bool { return positiveEvents[t] }
func (t EventType) IsNegative() bool { return negativeEvents[t] }
func (t EventType) Valid() bool      { return t.IsPositive() || t.IsNegative() }

// ParseEventType accepts an event type name in any case.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", shared.ValidationError("confidence.parse_event", "unknown event type %q", s)
	}
	return t, nil
}

// Event is a single observation applied to a score.
type Event struct {
	Key        string
	Type       EventType
	Weight     float64
	OccurredAt time.Time
	Meta       map[string]any
}

// NormalizeEvent validates key and type, clamps negative weights to zero,
// converts the timestamp to UTC (zero means now) and ensures Meta is non-nil.
func NormalizeEvent(ev Event, now time.Time) (Event, error) {
	if err := ValidateKey(ev.Key); err != nil {
		return Event{}, err
	}
	if !ev.Type.Valid() {
		return Event{}, shared.ValidationError("confidence.normalize_event", "unknown event type %q", ev.Type)
	}
	if ev.Weight < 0 {
		ev.Weight = 0
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	if ev.Meta == nil {
		ev.Meta = map[string]any{}
	}
	return ev, nil
}

// Delta is the signed score change an event of type t and weight w produces.
func Delta(t EventType, w float64) float64 {
	if w < 0 {
		w = -w
	}
	switch {
	case t.IsPositive():
		return PositiveStep * w
	case t.IsNegative():
		return -NegativeStep * w
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
