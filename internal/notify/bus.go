// Package notify carries typed change events from committed writes to
// live stream subscribers. Producers publish strictly after commit, so
// a subscriber that sees an event can always read the referenced row.
package notify

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// EventType tags the notification payload.
type EventType string

const (
	CreatePost     EventType = "CreatePost"
	DeletePost     EventType = "DeletePost"
	CreateReaction EventType = "CreateReaction"
	DeleteReaction EventType = "DeleteReaction"
	AcceptFollow   EventType = "AcceptFollow"
	RejectFollow   EventType = "RejectFollow"
	CreateFollower EventType = "CreateFollower"
	DeleteFollower EventType = "DeleteFollower"
	CreateReport   EventType = "CreateReport"
	UpdateUser     EventType = "UpdateUser"
	DeleteUser     EventType = "DeleteUser"
	Mentioned      EventType = "Mentioned"
	Quoted         EventType = "Quoted"
)

// Event is one notification. Exactly one id field is set, matching the
// type; ids are in their external ULID form.
type Event struct {
	Type     EventType `json:"type"`
	PostID   string    `json:"postId,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	ReportID string    `json:"reportId,omitempty"`
}

// ForPost builds a post-scoped event.
func ForPost(t EventType, id uuid.UUID) Event {
	return Event{Type: t, PostID: model.IDString(id)}
}

// ForUser builds a user-scoped event.
func ForUser(t EventType, id uuid.UUID) Event {
	return Event{Type: t, UserID: model.IDString(id)}
}

// ForReport builds a report-scoped event.
func ForReport(t EventType, id uuid.UUID) Event {
	return Event{Type: t, ReportID: model.IDString(id)}
}

const subscriberBuffer = 16

// Bus is an in-process fan-out channel. Publish never blocks: a
// subscriber that cannot keep up loses events and must reconcile by
// polling, which the admin API supports anyway.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a listener. The cancel func is idempotent and
// closes the returned channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans an event out to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("notification dropped for slow subscriber", "subscriber", id, "type", e.Type)
		}
	}
}

// Close shuts the bus down, closing every subscriber channel. Used on
// graceful shutdown so SSE streams end cleanly.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
