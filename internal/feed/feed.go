// Package feed broadcasts table-change events to live subscribers such as the
// admin dashboard change stream.
package feed

import (
	"context"
	"sync"
	"time"
)

// Op labels the mutation that produced an event.
type Op string

const (
	// OpCreated marks a record insertion.
	OpCreated Op = "created"
	// OpUpdated marks a record mutation.
	OpUpdated Op = "updated"
	// OpDeleted marks a record removal.
	OpDeleted Op = "deleted"
)

// Event describes one committed mutation.
type Event struct {
	Table string    `json:"table"`
	Op    Op        `json:"op"`
	ID    int64     `json:"id"`
	At    time.Time `json:"at"`
}

const subscriberBuffer = 64

// Broadcaster fans mutation events out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses events rather than stalling
// the mutation path.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Publish delivers ev to every live subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener that receives events until ctx is cancelled
// or the returned cancel function runs. The channel closes on unsubscribe.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Close tears down every subscription. Further publishes are dropped.
func (b *Broadcaster) Close() {
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
