package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/darwin-ops/brain/pkg/bridge"
)

// ErrUnavailable is returned when no idle worker of the requested role is
// connected.
var ErrUnavailable = errors.New("no available agent")

// AgentConn is the transport side of a worker connection. Implemented by
// the WebSocket wrapper in conn.go; tests substitute fakes.
type AgentConn interface {
	WriteJSON(ctx context.Context, v any) error
	Close(reason string)
}

// Entry describes one connected worker.
type Entry struct {
	AgentID        string
	Role           string
	CLI            string
	Model          string
	Caps           []string
	Busy           bool
	CurrentEventID string
	CurrentTaskID  string
	ConnectedAt    time.Time

	conn AgentConn
}

// Deliverer is the subset of the task bridge the registry needs to hand
// worker messages and disconnect sentinels to.
type Deliverer interface {
	Deliver(taskID string, msg bridge.TaskMessage)
	InjectSentinel(taskID string, kind bridge.MessageKind)
}

// Registry is the table of live workers. All operations are atomic under
// an internal lock; hot paths are O(#agents) at worst.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*Entry
	bridge  Deliverer
	writeTO time.Duration
}

// New creates a Registry that forwards task messages to the given bridge.
func New(b Deliverer) *Registry {
	return &Registry{
		agents:  make(map[string]*Entry),
		bridge:  b,
		writeTO: 10 * time.Second,
	}
}

// Register adds a worker. A worker reconnecting under the same agent ID
// evicts the old entry: its transport closes and any outstanding task gets
// the Disconnected sentinel so the awaiting dispatcher fails fast.
func (r *Registry) Register(e *Entry, conn AgentConn) {
	r.mu.Lock()
	old, existed := r.agents[e.AgentID]
	e.conn = conn
	e.ConnectedAt = time.Now()
	r.agents[e.AgentID] = e
	r.mu.Unlock()

	if existed {
		r.evict(old, "replaced by reconnect")
	}
	slog.Info("Agent registered",
		"agent_id", e.AgentID, "role", e.Role, "cli", e.CLI, "replaced", existed)
}

// Unregister removes a worker, closing its transport and orphaning any
// outstanding task. No-op for unknown IDs.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.evict(e, "unregistered")
	slog.Info("Agent unregistered", "agent_id", agentID, "role", e.Role)
}

// evict closes the transport and injects the disconnect sentinel for any
// task the entry was working. Called outside r.mu.
func (r *Registry) evict(e *Entry, reason string) {
	if e.CurrentTaskID != "" {
		r.bridge.InjectSentinel(e.CurrentTaskID, bridge.KindDisconnected)
	}
	if e.conn != nil {
		e.conn.Close(reason)
	}
}

// PickAvailable returns an idle worker of the given role. When
// preferAgentID names an idle worker it wins (session affinity).
func (r *Registry) PickAvailable(role, preferAgentID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferAgentID != "" {
		if e, ok := r.agents[preferAgentID]; ok && !e.Busy && e.Role == role {
			return e, nil
		}
	}
	for _, e := range r.agents {
		if e.Role == role && !e.Busy {
			return e, nil
		}
	}
	return nil, ErrUnavailable
}

// MarkBusy transitions a worker to busy on the given event/task.
func (r *Registry) MarkBusy(agentID, eventID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.Busy = true
		e.CurrentEventID = eventID
		e.CurrentTaskID = taskID
	}
}

// MarkIdle clears a worker's busy state.
func (r *Registry) MarkIdle(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.Busy = false
		e.CurrentEventID = ""
		e.CurrentTaskID = ""
	}
}

// GetByEvent finds the worker currently busy with the given event, or nil.
func (r *Registry) GetByEvent(eventID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.agents {
		if e.Busy && e.CurrentEventID == eventID {
			return e
		}
	}
	return nil
}

// Get returns the entry for an agent ID, or nil.
func (r *Registry) Get(agentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[agentID]
}

// List snapshots all entries (for the dashboard).
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.agents))
	for _, e := range r.agents {
		snapshot := *e
		snapshot.conn = nil
		out = append(out, snapshot)
	}
	return out
}

// Send writes a protocol message to a worker's transport.
func (r *Registry) Send(ctx context.Context, agentID string, msg *Message) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	r.mu.Unlock()
	if !ok {
		return ErrUnavailable
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTO)
	defer cancel()
	return e.conn.WriteJSON(writeCtx, msg)
}

// SendCancel asks the worker running the given task to stop. Best effort.
func (r *Registry) SendCancel(ctx context.Context, agentID, taskID string) {
	if err := r.Send(ctx, agentID, &Message{Type: TypeCancel, TaskID: taskID}); err != nil {
		slog.Warn("Failed to send cancel to agent", "agent_id", agentID, "task_id", taskID, "error", err)
	}
}

// HandleMessage routes one worker message onto the bridge. Unknown types
// are logged and dropped.
func (r *Registry) HandleMessage(agentID string, msg *Message) {
	switch msg.Type {
	case TypeProgress:
		r.bridge.Deliver(msg.TaskID, bridge.TaskMessage{
			Kind:   bridge.KindProgress,
			Text:   msg.MessageText,
			Source: msg.Source,
		})
	case TypePartialResult:
		r.bridge.Deliver(msg.TaskID, bridge.TaskMessage{
			Kind: bridge.KindPartialResult,
			Text: msg.Content,
		})
	case TypeResult:
		r.bridge.Deliver(msg.TaskID, bridge.TaskMessage{
			Kind:      bridge.KindResult,
			Status:    msg.Status,
			Output:    msg.Output,
			SessionID: msg.SessionID,
			Source:    msg.Source,
		})
	case TypeError:
		r.bridge.Deliver(msg.TaskID, bridge.TaskMessage{
			Kind:      bridge.KindError,
			Text:      msg.MessageText,
			Retryable: msg.Retryable,
		})
	case TypePing, TypePong:
		// Liveness only; handled at the connection layer.
	default:
		raw, _ := json.Marshal(msg)
		slog.Warn("Unknown agent message type", "agent_id", agentID, "message", string(raw))
	}
}
