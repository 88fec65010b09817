package notifications

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event types pushed to live clients.
const (
	EventTicketUpdated = "ticket:updated"
	EventEmailUpdated  = "email:updated"
	EventEmailNew      = "email:new"
)

// Event tells subscribers a conversation changed.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID int64     `json:"organization_id"`
	TicketID       string    `json:"ticket_id,omitempty"`
	ThreadID       string    `json:"email_thread_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier receives change events. Delivery is best effort: callers log
// failures and never roll back the change that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Fanout delivers each event to every notifier and joins their errors.
func Fanout(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, event Event) error {
		var errs []error
		for _, n := range notifiers {
			if n == nil {
				continue
			}
			if err := n.Notify(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// MemoryNotifier records events; used by tests and when no hub is running.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryNotifier returns an empty recorder.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Notify implements Notifier.
func (m *MemoryNotifier) Notify(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryNotifier) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the recorded event types in order.
func (m *MemoryNotifier) Types() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
