// Package relay fans listener activity out to Server-Sent Events clients.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Feed names published by the listener.
const (
	FeedSnapshot       = "snapshot"
	FeedPeerConnect    = "peer_connected"
	FeedPeerDisconnect = "peer_disconnected"
	FeedResync         = "resync"
)

// Event is a single SSE message. Payload is sent verbatim as the data line
// and must not contain newlines.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	published   atomic.Int64
	dropped     atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The returned channel is buffered and
// closed by Unsubscribe.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking. Slow
// clients lose the event.
func (b *Broker) Publish(evt Event) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishJSON marshals v and publishes it on feed. Nil brokers are allowed.
func (b *Broker) PublishJSON(feed string, v any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("relay payload marshal failed", "feed", feed, "error", err)
		return
	}
	b.Publish(Event{Feed: feed, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns how many events were offered to subscribers.
func (b *Broker) Published() int64 { return b.published.Load() }

// Dropped returns how many per-subscriber deliveries were skipped.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
