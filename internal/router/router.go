// Package router classifies raw input into an intent and, for built-in
// system intents, a one-step plan.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/gatekeep/internal/confidence"
	"github.com/basket/gatekeep/internal/plan"
	"github.com/basket/gatekeep/internal/policy"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	IntentHelp    = policy.IntentHelp
	IntentStatus  = policy.IntentStatus
	IntentUnknown = policy.IntentUnknown
	IntentMemory  = "memory"
	IntentAction  = "action"

	DomainSystem = "system"
	DomainMemory = "memory"
)

// rule maps any of its phrases, matched as substrings of the lowercased
// input, to an intent. Rules are tried in order.
type rule struct {
	intent  string
	domain  string
	tool    string
	action  string
	phrases []string
}

var rules = []rule{
	{intent: IntentMemory, domain: DomainMemory, phrases: []string{"remember that", "save that", "don't forget that", "please remember", "remember "}},
	{intent: IntentStatus, domain: DomainSystem, tool: "system", action: "status", phrases: []string{"system status", "status check", "system health", "health check"}},
	{intent: IntentHelp, domain: DomainSystem, tool: "system", action: "help", phrases: []string{"help", "what can you do", "list commands"}},
}

// Route is the outcome of classifying one input.
type Route struct {
	Intent string
	Domain string
	// Matched is the phrase that selected the intent, empty for action and
	// unknown routes.
	Matched string
	// Confidence is the current router score for Domain.
	Confidence float64
	// Plan is set for routed system intents.
	Plan *plan.Plan
}

// Scorer reads and updates confidence scores.
type Scorer interface {
	GetScore(ctx context.Context, key string) (confidence.Score, error)
	ApplyEvent(ctx context.Context, ev confidence.Event) (confidence.Score, error)
}

type Options struct {
	Logger *slog.Logger
}

type Router struct {
	scorer  Scorer
	planner plan.Planner
	logger  *slog.Logger
}

// New returns a router. A nil scorer reports zero confidence and ignores
// feedback.
func New(scorer Scorer, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{scorer: scorer, logger: logger.With("component", "router")}
}

// Classify returns the intent, domain and matching phrase for input without
// touching any score.
func Classify(input string) (intent, domain, matched string) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	for _, r := range rules {
		for _, phrase := range r.phrases {
			if strings.Contains(normalized, phrase) {
				return r.intent, r.domain, phrase
			}
		}
	}
	return IntentUnknown, "", ""
}

// Route classifies input. When the caller already supplies steps the route is
// an action in domain and no plan is built here; otherwise system intents get
// a one-step plan.
func (r *Router) Route(ctx context.Context, input, domain string, hasSteps bool) (Route, error) {
	if strings.TrimSpace(input) == "" {
		return Route{}, shared.ValidationError("router.route", "input must be provided")
	}

	var route Route
	if hasSteps {
		route = Route{Intent: IntentAction, Domain: strings.TrimSpace(domain)}
	} else {
		intent, dom, matched := Classify(input)
		route = Route{Intent: intent, Domain: dom, Matched: matched}
		if rl, ok := ruleFor(intent); ok && rl.tool != "" {
			p, err := r.planner.BuildPlan(input, dom, []plan.PlanStep{{Tool: rl.tool, Action: rl.action}}, plan.BuildOptions{Origin: plan.OriginRouter})
			if err != nil {
				return Route{}, err
			}
			route.Plan = &p
		}
	}

	if route.Domain != "" && r.scorer != nil {
		score, err := r.scorer.GetScore(ctx, confidence.RouterDomainKey(route.Domain))
		if err != nil {
			return Route{}, err
		}
		route.Confidence = score.Value
	}
	r.logger.Debug("routed", "request_id", shared.RequestID(ctx), "intent", route.Intent, "domain", route.Domain, "confidence", route.Confidence)
	return route, nil
}

// Feedback applies an outcome for domain to its router score.
func (r *Router) Feedback(ctx context.Context, domain string, t confidence.EventType, weight float64, meta map[string]any) (confidence.Score, error) {
	if r.scorer == nil || strings.TrimSpace(domain) == "" {
		return confidence.Score{}, nil
	}
	return r.scorer.ApplyEvent(ctx, confidence.Event{
		Key:    confidence.RouterDomainKey(domain),
		Type:   t,
		Weight: weight,
		Meta:   meta,
	})
}

func ruleFor(intent string) (rule, bool) {
	for _, r := range rules {
		if r.intent == intent {
			return r, true
		}
	}
	return rule{}, false
}
