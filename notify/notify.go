// Package notify provides fire-and-forget event publication for task
// lifecycle events. Delivery is at-least-once; ordering is preserved per
// task, never across tasks.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies the type of a task event.
type EventKind string

const (
	EventTaskStarted     EventKind = "task_started"
	EventNodeCompleted   EventKind = "node_completed"
	EventPlanCreated     EventKind = "plan_created"
	EventPlanUpdated     EventKind = "plan_updated"
	EventReviewRequested EventKind = "review_requested"
	EventReviewResolved  EventKind = "review_resolved"
	EventStrategyRetry   EventKind = "strategy_retry"
	EventTaskCompleted   EventKind = "task_completed"
	EventTaskFailed      EventKind = "task_failed"
	EventTaskCancelled   EventKind = "task_cancelled"
)

// Event is one published task event. Seq is monotonically increasing per
// task, assigned at publish time.
type Event struct {
	TaskID    string         `json:"task_id"`
	Kind      EventKind      `json:"kind"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier publishes task events. Publish must not block the caller on slow
// consumers.
type Notifier interface {
	Publish(ctx context.Context, taskID string, kind EventKind, payload map[string]any)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, EventKind, map[string]any) {}

// Bus is an in-memory Notifier with per-task ordered delivery to buffered
// subscriber channels. Slow subscribers drop the oldest undelivered event
// rather than blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // taskID -> subscribers; "" subscribes to all
	seqs    map[string]*uint64
	bufSize int
	logger  *zap.Logger
	closed  bool
}

// NewBus creates an event bus. bufSize is the per-subscriber channel buffer.
func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string][]chan Event),
		seqs:    make(map[string]*uint64),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "event_bus")),
	}
}

// Publish delivers an event to all subscribers of the task and to wildcard
// subscribers, in publish order.
func (b *Bus) Publish(ctx context.Context, taskID string, kind EventKind, payload map[string]any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	seq := b.seqs[taskID]
	if seq == nil {
		seq = new(uint64)
		b.seqs[taskID] = seq
	}
	ev := Event{
		TaskID:    taskID,
		Kind:      kind,
		Seq:       atomic.AddUint64(seq, 1),
		Payload:   payload,
		Timestamp: time.Now(),
	}
	targets := make([]chan Event, 0, len(b.subs[taskID])+len(b.subs[""]))
	targets = append(targets, b.subs[taskID]...)
	targets = append(targets, b.subs[""]...)
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// 缓冲满时丢弃最旧事件，保证发布方不被阻塞。
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.logger.Warn("subscriber buffer full, dropped oldest event",
				zap.String("task_id", taskID),
				zap.String("kind", string(kind)),
			)
		}
	}
}

// Subscribe returns a channel of events for the given task. Pass an empty
// taskID to receive events for all tasks. The returned cancel func removes
// the subscription and closes the channel.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[taskID]
		for i, c := range list {
			if c == ch {
				b.subs[taskID] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan Event)
}
