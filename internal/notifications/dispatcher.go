package notifications

import (
	"context"
	"sync"
	"time"
)

// Event is the in-process form of a notification, fanned out to live
// subscribers (SSE streams, UI polling bridges).
type Event struct {
	RecipientID string
	Kind        Kind
	RecordID    string
	Message     string
	Timestamp   time.Time
}

// Dispatcher fans events out per recipient. Sends never block: a slow
// subscriber misses events rather than stalling the lock path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one recipient. The returned cleanup is
// idempotent and also runs when the context ends.
func (d *Dispatcher) Subscribe(ctx context.Context, recipientID string) (<-chan Event, func()) {
	if recipientID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(recipientID, sub)
	cleanup := func() {
		d.unregister(recipientID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every live subscriber of its recipient.
func (d *Dispatcher) Publish(event Event) {
	if event.RecipientID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subs := d.subscribers[event.RecipientID]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(recipientID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[recipientID]; !ok {
		d.subscribers[recipientID] = make(map[int64]*subscriber)
	}
	d.subscribers[recipientID][sub.id] = sub
}

func (d *Dispatcher) unregister(recipientID string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[recipientID]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, recipientID)
		}
	}
	d.mu.Unlock()
}
