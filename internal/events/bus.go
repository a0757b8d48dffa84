// Package events provides a publish/subscribe event bus for operational
// observability. Its vocabulary covers the orchestrator, mailer,
// inbound reader and scheduler; in this tree only cmd/workflowd
// publishes, and no component subscribes. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the workflow orchestrator.
	SourceOrchestrator = "orchestrator"
	// SourceMailer identifies events from the outbound mailer adapter.
	SourceMailer = "mailer"
	// SourceInbound identifies events from the inbound reply reader.
	SourceInbound = "inbound"
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventClaimed signals the orchestrator claimed a pending event
	// for dispatch. Data: event_id, type, attempt.
	KindEventClaimed = "event_claimed"
	// KindEventCompleted signals a handler finished an event
	// successfully. Data: event_id, type, duration_ms.
	KindEventCompleted = "event_completed"
	// KindEventWaitingUser signals a handler suspended an event pending
	// a human reply. Data: event_id, type.
	KindEventWaitingUser = "event_waiting_user"
	// KindEventFailed signals a handler returned an error or exhausted
	// its retry budget. Data: event_id, type, attempt, error.
	KindEventFailed = "event_failed"
	// KindEventRetryScheduled signals a failed event was requeued for
	// a future retry attempt. Data: event_id, type, attempt, delay_ms.
	KindEventRetryScheduled = "event_retry_scheduled"

	// KindNotificationSent signals the mailer delivered a message for a
	// WAITING_USER event. Data: event_id, account, to.
	KindNotificationSent = "notification_sent"
	// KindNotificationFailed signals the mailer failed to deliver a
	// message. Data: event_id, account, error.
	KindNotificationFailed = "notification_failed"

	// KindReplyReceived signals the inbound reader published a
	// UserReplyReceived event from a correlated reply. Data: event_id,
	// account, message_id.
	KindReplyReceived = "reply_received"
	// KindReplyUncorrelated signals an inbound message carried no
	// resolvable reference marker and was dropped. Data: account,
	// message_id, subject.
	KindReplyUncorrelated = "reply_uncorrelated"

	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished executing.
	// Data: task (the task name), dispatched.
	KindTaskComplete = "task_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
