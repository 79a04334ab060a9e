// Package events provides an owner-scoped SSE event broadcaster for file-system
// change notifications.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/deskfs/internal/metrics"
)

const (
	EventCreate    = "create"
	EventModify    = "modify"
	EventRename    = "rename"
	EventMove      = "move"
	EventDelete    = "delete"
	EventBootstrap = "bootstrap"
	EventReconcile = "reconcile"
)

// Event represents a file-system change in one owner's tree.
type Event struct {
	Type      string `json:"type"`
	Owner     string `json:"-"`
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
	NodeType  string `json:"nodeType,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Affected  int    `json:"affected,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events to the
// subscribers of the event's owner.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string // channel -> owner
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber for owner's events and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(owner string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = owner
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to the owner's subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, owner := range b.subscribers {
		if owner != event.Owner {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
