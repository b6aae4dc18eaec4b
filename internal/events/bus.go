// Package events provides the in-process event bus and the append-only
// audit log for orchestration events.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventDelegated is published when a task is delegated to a worker.
	EventDelegated EventType = "task_delegated"
	// EventTaskCompleted is published when a delegation reaches a terminal state.
	EventTaskCompleted EventType = "task_completed"
	// EventCheckpoint is published when the supervisor saves a checkpoint.
	EventCheckpoint EventType = "checkpoint_saved"
	// EventEscalated is published when a supervised task escalates.
	EventEscalated EventType = "task_escalated"
	// EventSessionStarted is published when a worker session starts.
	EventSessionStarted EventType = "session_started"
	// EventSessionDied is published when a worker process dies unexpectedly.
	EventSessionDied EventType = "session_died"
	// EventPlanApproved is published when a draft plan is approved.
	EventPlanApproved EventType = "plan_approved"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Events are delivered
// asynchronously via buffered channels; a full subscriber channel drops
// the event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. Delivery runs in a dedicated goroutine per subscriber.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// channel full, drop rather than block the publisher
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
