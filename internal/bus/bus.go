// Package bus carries gate lifecycle events between components in one
// process. Nothing published here is durable; the audit store and the
// failure ledger are the records of truth.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with one of its
// prefixes. A subscription with no prefixes receives everything.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

// Ch returns the receive side of the subscription. It is closed by
// Unsubscribe or Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Publisher is the publishing half of the bus, accepted by gate components.
type Publisher interface {
	Publish(topic string, payload any)
}

// Bus fans events out to subscriptions without ever blocking the publisher.
type Bus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription queue length. Values below one
// are ignored.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{bufferSize: DefaultBufferSize, subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in the given topic prefixes. Empty prefixes
// are treated as match-all. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.bufferSize)}
	for _, p := range prefixes {
		if p == "" {
			sub.prefixes = nil
			break
		}
		sub.prefixes = append(sub.prefixes, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscription. A full queue
// drops the event for that subscription only. Publishing on a nil or
// closed bus is a no-op.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close unsubscribes everyone. Later publishes are discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
