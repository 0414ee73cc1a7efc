// Package events fans structured session lifecycle events out to the host
// UI layer.
package events

import (
	"log/slog"
	"sync"
)

// Type identifies an event kind.
type Type string

const (
	SessionStarted    Type = "session_started"
	SessionUpdate     Type = "session_update"
	SessionError      Type = "session_error"
	SessionExit       Type = "session_exit"
	PermissionRequest Type = "permission_request"
	TerminalOutput    Type = "terminal_output"
	TerminalExit      Type = "terminal_exit"
)

// Event is one structured notification for the host UI.
type Event struct {
	Type       Type   `json:"type"`
	TaskID     string `json:"taskId,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// Subscription receives events until Close is called.
type Subscription struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// Emitter fans events out to any number of subscribers. A subscriber whose
// buffer is full has events dropped rather than blocking the session that
// emitted them.
type Emitter struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewEmitter creates an emitter whose subscribers get channels buffered to
// the given size.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber.
func (e *Emitter) Subscribe() *Subscription {
	sub := &Subscription{
		ch:   make(chan Event, e.buffer),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()
	return sub
}

// Emit delivers an event to every live subscriber.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			e.mu.Lock()
			delete(e.subs, sub)
			e.mu.Unlock()
			continue
		default:
		}

		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event subscriber buffer full, dropping event",
				"type", ev.Type, "sessionID", ev.SessionID)
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
