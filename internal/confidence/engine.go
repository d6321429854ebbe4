// Package confidence scores routing and UI decisions from observed outcomes.
// Scores live in a durable store; every write also appends the triggering
// event to an append-only journal.
package confidence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/gatekeep/internal/bus"
	"github.com/basket/gatekeep/internal/persistence"
)

// Score is the persisted state of one key.
type Score = persistence.ConfidenceScore

// ScoreStore is the durable backing of the engine.
type ScoreStore interface {
	GetScore(ctx context.Context, key string, now time.Time) (persistence.ConfidenceScore, error)
	UpdateScore(ctx context.Context, key string, value float64, now time.Time, ev *persistence.ConfidenceEvent) (persistence.ConfidenceScore, error)
}

type Options struct {
	// DecayEnabled pulls scores toward 0.5 with elapsed time since the last write.
	DecayEnabled bool
	// DecayRate is the fraction of the distance to 0.5 recovered per hour.
	DecayRate float64
	Now       func() time.Time
	Logger    *slog.Logger
	Bus       bus.Publisher
}

// Engine applies events to scores. One mutex covers every read-modify-write.
type Engine struct {
	mu        sync.Mutex
	store     ScoreStore
	decay     bool
	decayRate float64
	now       func() time.Time
	logger    *slog.Logger
	bus       bus.Publisher
}

func NewEngine(store ScoreStore, opts Options) *Engine {
	e := &Engine{
		store:     store,
		decay:     opts.DecayEnabled,
		decayRate: opts.DecayRate,
		now:       opts.Now,
		logger:    opts.Logger,
		bus:       opts.Bus,
	}
	if e.decayRate < 0 {
		e.decayRate = 0
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "confidence")
	return e
}

// GetScore returns the current score for key, creating the durable default on
// first access. With decay enabled the returned value is decayed from the
// last write; the stored value and journal are left untouched.
func (e *Engine) GetScore(ctx context.Context, key string) (Score, error) {
	if err := ValidateKey(key); err != nil {
		return Score{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLocked(ctx, key)
}

func (e *Engine) currentLocked(ctx context.Context, key string) (Score, error) {
	now := e.now()
	score, err := e.store.GetScore(ctx, key, now)
	if err != nil {
		return Score{}, err
	}
	if e.decay {
		score.Value = Decay(score.Value, score.UpdatedAt, now, e.decayRate)
	}
	return score, nil
}

// ApplyEvent normalises ev, applies its delta to the current score and
// persists the new score together with the event.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event) (Score, error) {
	ev, err := NormalizeEvent(ev, e.now())
	if err != nil {
		return Score{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.currentLocked(ctx, ev.Key)
	if err != nil {
		return Score{}, err
	}
	next := clamp01(current.Value + Delta(ev.Type, ev.Weight))
	updated, err := e.store.UpdateScore(ctx, ev.Key, next, e.now(), &persistence.ConfidenceEvent{
		Key:        ev.Key,
		EventType:  string(ev.Type),
		Weight:     ev.Weight,
		OccurredAt: ev.OccurredAt,
		Meta:       ev.Meta,
	})
	if err != nil {
		return Score{}, err
	}

	ns := Namespace(ev.Key)
	e.logger.Debug("confidence updated", "namespace", ns, "key", ev.Key, "event_type", string(ev.Type),
		"from", current.Value, "to", updated.Value, "samples", updated.Samples)
	if e.bus != nil {
		e.bus.Publish(bus.TopicConfidenceScore, bus.ConfidenceEvent{Namespace: ns, Key: updated.Key, Value: updated.Value, Samples: updated.Samples})
	}
	return updated, nil
}

// ApplyEvents applies events in order and returns the final score per key.
// Processing stops at the first error; earlier events stay applied.
func (e *Engine) ApplyEvents(ctx context.Context, events []Event) (map[string]Score, error) {
	out := make(map[string]Score, len(events))
	for _, ev := range events {
		score, err := e.ApplyEvent(ctx, ev)
		if err != nil {
			return out, err
		}
		out[score.Key] = score
	}
	return out, nil
}

// Decay moves value toward 0.5 by min(1, rate*elapsedHours) of the distance.
func Decay(value float64, updatedAt, now time.Time, rate float64) float64 {
	if rate <= 0 || updatedAt.IsZero() {
		return value
	}
	hours := now.Sub(updatedAt).Hours()
	if hours <= 0 {
		return value
	}
	factor := rate * hours
	if factor > 1 {
		factor = 1
	}
	return clamp01(value + (persistence.DefaultScoreValue-value)*factor)
}
