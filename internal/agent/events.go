// File: internal/agent/events.go
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind is the wire name of a progress event.
type EventKind string

const (
	EventThinking     EventKind = "thinking"
	EventStep         EventKind = "step"
	EventStepError    EventKind = "step_error"
	EventTaskComplete EventKind = "task_complete"
	EventTaskError    EventKind = "task_error"
	EventReady        EventKind = "ready"
)

// Event is one progress notification. Seq and Timestamp are stamped by the bus.
type Event struct {
	Kind      EventKind
	TaskID    string
	Seq       uint64
	Timestamp time.Time

	Step    *StepRecord // step
	Message string      // step_error, task_error
	Summary string      // task_complete
}

// Data returns the event's fields as sent on the stream, without the envelope.
func (e Event) Data() map[string]any {
	data := map[string]any{}
	switch e.Kind {
	case EventStep:
		if e.Step != nil {
			data["number"] = e.Step.Number
			data["description"] = e.Step.Description
		}
	case EventStepError, EventTaskError:
		data["message"] = e.Message
	case EventTaskComplete:
		data["summary"] = e.Summary
	}
	return data
}

// Payload is Data plus the task id; this is the SSE data line.
func (e Event) Payload() map[string]any {
	data := e.Data()
	data["task_id"] = e.TaskID
	return data
}

// Envelope is the framing used on the WebSocket stream.
type Envelope struct {
	Type      EventKind      `json:"type"`
	TaskID    string         `json:"task_id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Envelope wraps the event for the WebSocket stream.
func (e Event) Envelope() Envelope {
	return Envelope{Type: e.Kind, TaskID: e.TaskID, Seq: e.Seq, Timestamp: e.Timestamp, Data: e.Data()}
}

// EventBus fans events out from the task loop to any number of readers.
// Publish never blocks: a reader that falls behind loses events rather than
// stalling the loop.
type EventBus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
	closed      bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[uint64]chan Event),
	}
}

// Subscribe registers a reader. The returned function removes it and closes
// its channel; it is safe to call more than once and after Close.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish stamps the event and offers it to every reader.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	ev.Seq = b.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, event dropped",
				zap.Uint64("subscriber", id),
				zap.String("event", string(ev.Kind)),
				zap.Uint64("seq", ev.Seq))
		}
	}
}

// Dropped is the number of deliveries skipped because a reader was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount reports the number of live readers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every reader channel. Later publishes are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
