// Package bus provides the in-process broadcast channel that carries
// core events to connected UI clients.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Envelope is the JSON wire format for every pushed event.
type Envelope struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Envelope types. The gateway rejects anything else.
const (
	TypeSystem       = "system"
	TypeDeploy       = "deploy"
	TypeTask         = "task"
	TypeTimer        = "timer"
	TypeNotification = "notification"
	TypeLogs         = "logs"
	TypeResponse     = "response"
	TypeError        = "error"
)

// subscriberBuffer is the per-subscriber channel depth. A slow subscriber
// drops events rather than blocking publishers.
const subscriberBuffer = 64

// Subscription receives every envelope published after it was created.
type Subscription struct {
	ch     chan Envelope
	cancel func()
	once   sync.Once
}

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Bus fans out envelopes to all current subscribers in publication order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Envelope, subscriberBuffer)}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", "total", count)
	return sub
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an envelope to every subscriber. Sends are non-blocking,
// so the read lock is held for the whole fan-out; channels only close under
// the write lock, which keeps sends off closed channels. Timestamp is filled
// in if empty.
func (b *Bus) Publish(env Envelope) {
	if env.Timestamp == "" {
		env.Timestamp = time.Now().Format(time.RFC3339)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				"type", env.Type, "event", env.Event)
		}
	}
}

// PublishEvent is shorthand for Publish with the common fields.
func (b *Bus) PublishEvent(envType, event string, data map[string]any) {
	b.Publish(Envelope{Type: envType, Event: event, Data: data})
}
