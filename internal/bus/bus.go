// Package bus is a small in-process pub/sub bus carrying runtime lifecycle
// events: heartbeat executions, tool dispatches, approvals, notifications.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Heartbeat lifecycle topics.
const (
	TopicHeartbeatStarted   = "heartbeat.started"
	TopicHeartbeatCompleted = "heartbeat.completed"
	TopicHeartbeatSkipped   = "heartbeat.skipped"
)

// Agent loop topics.
const (
	TopicToolDispatched    = "tool.dispatched"
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// User-facing notification topic; the notify skill publishes here and the
// active channels deliver.
const TopicNotification = "notify.message"

// TopicStreamToken carries model output chunks as they arrive, for channels
// that render responses progressively.
const TopicStreamToken = "stream.token"

// HeartbeatEvent is published at the start and end of a heartbeat run.
type HeartbeatEvent struct {
	RunID    string
	Source   string // "interval", "manual", "reminder", "message", "notification"
	Outcome  string // empty on started
	Duration time.Duration
}

// ToolDispatchedEvent is published after each tool call completes.
type ToolDispatchedEvent struct {
	SessionID string
	SkillID   string
	Tool      string
	IsError   bool
	Duration  time.Duration
}

// ApprovalEvent is published when a tool call hits the approval gate and
// again when the gate resolves.
type ApprovalEvent struct {
	SessionID   string
	Tool        string
	Description string
	Approved    bool // resolved events only
}

// NotificationEvent is a user-visible message raised by a skill or the
// heartbeat runner.
type NotificationEvent struct {
	Title string
	Body  string
}

// StreamTokenEvent is one chunk of streaming model output.
type StreamTokenEvent struct {
	SessionID string
	Chunk     string
}

// Subscription is an active topic-prefix subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events matching the topic prefix.
// An empty prefix matches all topics. The channel holds 100 events; slow
// consumers miss events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: a full
// subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
