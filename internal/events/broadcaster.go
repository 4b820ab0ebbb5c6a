// Package events provides a per-tenant change feed streamed over SSE.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Kek20703/CloudStorage/internal/metrics"
)

const (
	EventCreate = "create"
	EventMkdir  = "mkdir"
	EventDelete = "delete"
	EventMove   = "move"
)

// Event represents a change to a tenant's resources. Paths are relative
// to the tenant root.
type Event struct {
	Type      string `json:"type"`
	TenantID  int64  `json:"-"`
	Path      string `json:"path"`
	NewPath   string `json:"newPath,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events to the
// subscribers of the owning tenant.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]int64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]int64),
	}
}

// Subscribe registers a subscriber for tenantID's events and returns its
// channel. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(tenantID int64) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to the tenant's subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, tenant := range b.subscribers {
		if tenant != event.TenantID {
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
