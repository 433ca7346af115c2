// Package bridge correlates outstanding task IDs to single-consumer
// response channels. It decouples the dispatcher (awaiter) from the
// WebSocket transport (producer): the transport delivers worker messages by
// task ID without knowing who is waiting.
package bridge

import (
	"log/slog"
	"sync"
)

// MessageKind discriminates worker messages flowing over a task channel.
type MessageKind string

// Message kinds. Result, Error, and the sentinels are terminal.
const (
	KindProgress      MessageKind = "progress"
	KindPartialResult MessageKind = "partial_result"
	KindResult        MessageKind = "result"
	KindError         MessageKind = "error"

	// KindDisconnected is injected when the worker's connection drops or is
	// evicted while the task is outstanding.
	KindDisconnected MessageKind = "disconnected"

	// KindCancelled is injected when the owning event is cancelled.
	KindCancelled MessageKind = "cancelled"
)

// TaskMessage is one message from a worker about an outstanding task.
type TaskMessage struct {
	Kind      MessageKind
	Text      string
	Status    string
	Output    string
	SessionID string
	Source    string
	Retryable bool
}

// Terminal reports whether no further messages follow this one.
func (m TaskMessage) Terminal() bool {
	switch m.Kind {
	case KindResult, KindError, KindDisconnected, KindCancelled:
		return true
	}
	return false
}

// taskChannelBuffer sizes each task channel. Progress messages are small
// and the consumer drains promptly; the buffer only absorbs short bursts.
const taskChannelBuffer = 32

type entry struct {
	ch      chan TaskMessage
	eventID string
	closed  bool
}

// Bridge is the correlation table. Safe for concurrent use.
type Bridge struct {
	mu    sync.Mutex
	tasks map[string]*entry
}

// New creates an empty Bridge.
func New() *Bridge {
	return &Bridge{tasks: make(map[string]*entry)}
}

// Open registers a task and returns its single-consumer channel. The
// eventID ties the task to its owning event for CancelByEvent.
func (b *Bridge) Open(taskID, eventID string) <-chan TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &entry{
		ch:      make(chan TaskMessage, taskChannelBuffer),
		eventID: eventID,
	}
	b.tasks[taskID] = e
	return e.ch
}

// Deliver enqueues a worker message for the task. Messages for unknown or
// closed tasks are dropped with a warning (orphan messages — the worker
// answered after the dispatcher gave up).
func (b *Bridge) Deliver(taskID string, msg TaskMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tasks[taskID]
	if !ok || e.closed {
		slog.Warn("Dropping orphan task message", "task_id", taskID, "kind", msg.Kind)
		return
	}
	select {
	case e.ch <- msg:
	default:
		slog.Warn("Task channel full, dropping message", "task_id", taskID, "kind", msg.Kind)
	}
}

// Close removes the task and closes its channel. Buffered messages remain
// readable by the consumer until the channel drains.
func (b *Bridge) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tasks[taskID]
	if !ok {
		return
	}
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	delete(b.tasks, taskID)
}

// InjectSentinel enqueues a synthetic terminal message. Used by the
// registry on disconnect and by cancellation.
func (b *Bridge) InjectSentinel(taskID string, kind MessageKind) {
	b.Deliver(taskID, TaskMessage{Kind: kind})
}

// CancelByEvent injects the Cancelled sentinel into every open task channel
// owned by the given event. Returns the number of tasks signalled.
func (b *Bridge) CancelByEvent(eventID string) int {
	b.mu.Lock()
	ids := make([]string, 0, 1)
	for taskID, e := range b.tasks {
		if e.eventID == eventID && !e.closed {
			ids = append(ids, taskID)
		}
	}
	b.mu.Unlock()

	for _, taskID := range ids {
		b.InjectSentinel(taskID, KindCancelled)
	}
	return len(ids)
}

// Outstanding reports whether the task is still registered.
func (b *Bridge) Outstanding(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[taskID]
	return ok
}
