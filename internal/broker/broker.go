// Package broker fans session notifications out to subscribed client
// connections. Subscriptions are per session per connection; a connection may
// follow any number of sessions at once.
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Subscriber receives notifications for sessions it follows. Notify must be
// safe for concurrent use; an error drops the subscriber from the session.
type Subscriber interface {
	ID() string
	Notify(method string, params json.RawMessage) error
}

// Broker routes per-session notifications to subscribers.
type Broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]Subscriber // session id -> conn id -> subscriber
}

func New(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger.With("component", "broker"),
		subs:   make(map[string]map[string]Subscriber),
	}
}

// Subscribe adds sub to the session's audience. Subscribing twice replaces
// the previous registration.
func (b *Broker) Subscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[sessionID]
	if !ok {
		m = make(map[string]Subscriber)
		b.subs[sessionID] = m
	}
	m[sub.ID()] = sub
}

// Unsubscribe removes one connection from one session.
func (b *Broker) Unsubscribe(sessionID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sessionID, connID)
}

// DropClient removes a connection from every session it follows. Called when
// the connection closes.
func (b *Broker) DropClient(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID := range b.subs {
		b.removeLocked(sessionID, connID)
	}
}

// DropSession removes the whole audience of a session.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sessionID)
}

func (b *Broker) removeLocked(sessionID, connID string) {
	m, ok := b.subs[sessionID]
	if !ok {
		return
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(b.subs, sessionID)
	}
}

// Publish marshals v once and delivers it to every subscriber of the
// session. Subscribers whose Notify fails are dropped; delivery to the rest
// continues.
func (b *Broker) Publish(sessionID, method string, v any) {
	params, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal notification", "method", method, "error", err)
		return
	}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs[sessionID]))
	for _, sub := range b.subs[sessionID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Notify(method, params); err != nil {
			b.logger.Debug("dropping subscriber", "conn_id", sub.ID(), "session_id", sessionID, "error", err)
			b.Unsubscribe(sessionID, sub.ID())
		}
	}
}

// SubscriberCount reports the size of a session's audience.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
