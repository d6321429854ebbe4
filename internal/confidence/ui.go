package confidence

import (
	"context"
	"slices"
	"strings"

	"github.com/basket/gatekeep/internal/shared"
)

const uiLayoutPrefix = NamespaceUI + ".layout."

// LayoutActionKeys is the closed set of UI layout actions that may be scored.
var LayoutActionKeys = []string{
	"ui.layout.pin_reminders",
	"ui.layout.pin_alerts",
	"ui.layout.freeze_layout",
	"ui.layout.collapse_context",
	"ui.layout.expand_timeline",
}

// Feedback is a UI-level signal that maps onto a confidence event.
type Feedback string

const (
	FeedbackOverrideDragBack  Feedback = "ui.user_override_drag_back"
	FeedbackDismiss           Feedback = "ui.user_dismiss"
	FeedbackPinManual         Feedback = "ui.user_pin_manual"
	FeedbackAcknowledgedAlert Feedback = "ui.acknowledged_alert"
	FeedbackExpand            Feedback = "ui.user_expand"
	FeedbackNoComplaint       Feedback = "ui.no_complaint_timeout"
)

type feedbackSpec struct {
	event  EventType
	weight float64
}

var feedbackTable = map[Feedback]feedbackSpec{
	FeedbackOverrideDragBack:  {EventOverride, 1.5},
	FeedbackDismiss:           {EventReject, 1.0},
	FeedbackPinManual:         {EventConfirm, 1.0},
	FeedbackAcknowledgedAlert: {EventAccept, 0.5},
	FeedbackExpand:            {EventAccept, 0.75},
	FeedbackNoComplaint:       {EventSuccess, 0.25},
}

// ResolveFeedback maps a UI feedback name to its event type and weight.
func ResolveFeedback(f Feedback) (EventType, float64, error) {
	spec, ok := feedbackTable[f]
	if !ok {
		return "", 0, shared.ValidationError("confidence.ui_feedback", "unknown UI feedback %q", f)
	}
	return spec.event, spec.weight, nil
}

type UIOptions struct {
	// AllowArbitraryKeys admits any "ui.layout.*" key, not only LayoutActionKeys.
	AllowArbitraryKeys bool
}

// ValidateLayoutKey checks key against the layout action set.
func ValidateLayoutKey(key string, opts UIOptions) error {
	if slices.Contains(LayoutActionKeys, key) {
		return nil
	}
	if opts.AllowArbitraryKeys && strings.HasPrefix(key, uiLayoutPrefix) && len(key) > len(uiLayoutPrefix) {
		return nil
	}
	return shared.ValidationError("confidence.ui_key", "unknown UI layout action key %q", key)
}

// RecordUIEvent applies UI feedback to a layout action key.
func (e *Engine) RecordUIEvent(ctx context.Context, key string, f Feedback, meta map[string]any, opts UIOptions) (Score, error) {
	if err := ValidateLayoutKey(key, opts); err != nil {
		return Score{}, err
	}
	typ, weight, err := ResolveFeedback(f)
	if err != nil {
		return Score{}, err
	}
	return e.ApplyEvent(ctx, Event{Key: key, Type: typ, Weight: weight, Meta: meta})
}

// GetUIScore reads the score of a layout action key.
func (e *Engine) GetUIScore(ctx context.Context, key string, opts UIOptions) (Score, error) {
	if err := ValidateLayoutKey(key, opts); err != nil {
		return Score{}, err
	}
	return e.GetScore(ctx, key)
}
