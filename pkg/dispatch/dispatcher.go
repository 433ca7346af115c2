package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-ops/brain/pkg/bridge"
	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/models"
	"github.com/darwin-ops/brain/pkg/registry"
)

// selectionPoll is how often the dispatcher re-checks the registry while
// waiting for a worker to free up.
const selectionPoll = 250 * time.Millisecond

// Mode selects what the worker is asked to do and which action tag its
// result turn carries.
const (
	ModeExecute     = "execute"
	ModeVerify      = "verify"
	ModeInvestigate = "investigate"
)

// actionForMode maps a dispatch mode to the result turn's action tag.
func actionForMode(mode string) string {
	switch mode {
	case ModeVerify:
		return models.ActionVerify
	case ModeInvestigate:
		return models.ActionInvestigate
	default:
		return models.ActionExecute
	}
}

// SessionAffinity pins a dispatch to the worker (and CLI session) that
// handled the event before, when that worker is idle.
type SessionAffinity struct {
	AgentID   string
	SessionID string
}

// Result is a successful task outcome.
type Result struct {
	Status      string
	Output      string
	SessionID   string
	Source      string
	AgentID     string
	RoutingTurn int
}

// Store is the blackboard subset the dispatcher writes through.
type Store interface {
	AppendTurn(ctx context.Context, id string, turn models.Turn) (int, error)
	MarkTurnStatus(ctx context.Context, id string, turnNumber int, status models.MessageStatus) error
}

// AgentPool is the registry subset used for selection and transport.
type AgentPool interface {
	PickAvailable(role, preferAgentID string) (*registry.Entry, error)
	MarkBusy(agentID, eventID, taskID string)
	MarkIdle(agentID string)
	Send(ctx context.Context, agentID string, msg *registry.Message) error
	SendCancel(ctx context.Context, agentID, taskID string)
}

// TaskBridge is the bridge subset the dispatcher consumes.
type TaskBridge interface {
	Open(taskID, eventID string) <-chan bridge.TaskMessage
	Close(taskID string)
}

// Dispatcher sends one task to one worker and waits for the outcome.
type Dispatcher struct {
	store  Store
	pool   AgentPool
	bridge TaskBridge
	sink   broadcast.Sink
	guard  *Guard
	cfg    *config.DispatchConfig
}

// New creates a Dispatcher.
func New(store Store, pool AgentPool, taskBridge TaskBridge, sink broadcast.Sink, guard *Guard, cfg *config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		store:  store,
		pool:   pool,
		bridge: taskBridge,
		sink:   sink,
		guard:  guard,
		cfg:    cfg,
	}
}

// DispatchToAgent routes a prompt to an idle worker of the given role and
// blocks until the task resolves. The routing turn tracks the worker's
// receipt in the same SENT → DELIVERED → EVALUATED model as user-facing
// turns: first progress delivers it, the result evaluates it.
func (d *Dispatcher) DispatchToAgent(ctx context.Context, role, eventID, prompt, mode string, affinity *SessionAffinity) (*Result, error) {
	// 1. Security: scan before any I/O.
	if err := d.guard.Scan(prompt); err != nil {
		slog.Warn("Dispatch blocked by security pre-check", "event_id", eventID, "role", role)
		return nil, err
	}

	// 2. Selection, with a bounded wait for a worker to free up.
	prefer := ""
	sessionID := ""
	if affinity != nil {
		prefer = affinity.AgentID
		sessionID = affinity.SessionID
	}
	entry, err := d.selectAgent(ctx, role, prefer)
	if err != nil {
		return nil, err
	}

	// 3. Task ID and bridge channel.
	taskID := uuid.New().String()
	ch := d.bridge.Open(taskID, eventID)
	defer d.bridge.Close(taskID)

	// 4. Routing turn.
	routingTurn, err := d.store.AppendTurn(ctx, eventID, models.Turn{
		Actor:      models.ActorBrain,
		Action:     models.ActionRoute,
		Thoughts:   prompt,
		WaitingFor: role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append routing turn: %w", err)
	}
	d.broadcastTurn(eventID, models.Turn{
		Turn:       routingTurn,
		Actor:      models.ActorBrain,
		Action:     models.ActionRoute,
		Thoughts:   prompt,
		WaitingFor: role,
	})

	// 5. Send.
	d.pool.MarkBusy(entry.AgentID, eventID, taskID)
	defer d.pool.MarkIdle(entry.AgentID)

	err = d.pool.Send(ctx, entry.AgentID, &registry.Message{
		Type:      registry.TypeTask,
		TaskID:    taskID,
		EventID:   eventID,
		Prompt:    prompt,
		Mode:      mode,
		SessionID: sessionID,
	})
	if err != nil {
		slog.Warn("Failed to send task to agent", "agent_id", entry.AgentID, "task_id", taskID, "error", err)
		return nil, &AgentError{Message: "failed to reach agent: " + err.Error()}
	}

	log := slog.With("event_id", eventID, "task_id", taskID, "agent_id", entry.AgentID, "role", role)
	log.Info("Task dispatched", "mode", mode)

	// 6. Consume until a terminal message or deadline.
	return d.consume(ctx, ch, consumeState{
		log:         log,
		role:        role,
		mode:        mode,
		eventID:     eventID,
		taskID:      taskID,
		agentID:     entry.AgentID,
		routingTurn: routingTurn,
		deadline:    d.cfg.TaskTimeout(role, mode),
	})
}

// selectAgent polls the registry until a worker is free or the selection
// wait elapses.
func (d *Dispatcher) selectAgent(ctx context.Context, role, prefer string) (*registry.Entry, error) {
	deadline := time.Now().Add(d.cfg.SelectionWait)
	for {
		entry, err := d.pool.PickAvailable(role, prefer)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, registry.ErrUnavailable) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: role %s", ErrAgentUnavailable, role)
		}
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(selectionPoll):
		}
	}
}

type consumeState struct {
	log         *slog.Logger
	role        string
	mode        string
	eventID     string
	taskID      string
	agentID     string
	routingTurn int
	deadline    time.Duration
}

func (d *Dispatcher) consume(ctx context.Context, ch <-chan bridge.TaskMessage, st consumeState) (*Result, error) {
	timeout := time.NewTimer(st.deadline)
	defer timeout.Stop()

	delivered := false
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, &AgentError{Message: "task channel closed"}
			}
			res, err, done := d.handleMessage(ctx, msg, &st, &delivered)
			if done {
				return res, err
			}

		case <-timeout.C:
			st.log.Warn("Task deadline exceeded", "deadline", st.deadline)
			d.pool.SendCancel(ctx, st.agentID, st.taskID)
			return nil, &AgentError{Message: "timeout", Retryable: true}

		case <-ctx.Done():
			d.pool.SendCancel(ctx, st.agentID, st.taskID)
			return nil, ErrCancelled
		}
	}
}

// handleMessage processes one bridge message. done=true means the dispatch
// is finished with the returned result/error.
func (d *Dispatcher) handleMessage(ctx context.Context, msg bridge.TaskMessage, st *consumeState, delivered *bool) (*Result, error, bool) {
	switch msg.Kind {
	case bridge.KindProgress:
		// First progress: the worker has the task — routing turn delivered.
		if !*delivered {
			*delivered = true
			d.advanceRoutingTurn(ctx, st, models.StatusDelivered)
		}
		turn := models.Turn{
			Actor:  models.Actor(st.role),
			Action: models.ActionProgress,
			Result: msg.Text,
		}
		n, err := d.store.AppendTurn(ctx, st.eventID, turn)
		if err != nil {
			st.log.Warn("Failed to append progress turn", "error", err)
		} else {
			turn.Turn = n
			d.broadcastTurn(st.eventID, turn)
		}
		return nil, nil, false

	case bridge.KindPartialResult:
		// Streamed output chunks are not recorded; the final result turn
		// carries the full output.
		return nil, nil, false

	case bridge.KindResult:
		d.advanceRoutingTurn(ctx, st, models.StatusEvaluated)
		turn := models.Turn{
			Actor:  models.Actor(st.role),
			Action: actionForMode(st.mode),
			Result: msg.Output,
		}
		n, err := d.store.AppendTurn(ctx, st.eventID, turn)
		if err != nil {
			st.log.Warn("Failed to append result turn", "error", err)
		} else {
			turn.Turn = n
			d.broadcastTurn(st.eventID, turn)
		}
		st.log.Info("Task completed", "status", msg.Status)
		return &Result{
			Status:      msg.Status,
			Output:      msg.Output,
			SessionID:   msg.SessionID,
			Source:      msg.Source,
			AgentID:     st.agentID,
			RoutingTurn: st.routingTurn,
		}, nil, true

	case bridge.KindError:
		st.log.Warn("Task failed", "retryable", msg.Retryable, "message", msg.Text)
		return nil, &AgentError{Message: msg.Text, Retryable: msg.Retryable}, true

	case bridge.KindDisconnected:
		st.log.Warn("Agent disconnected mid-task")
		return nil, &AgentError{Message: "agent disconnected"}, true

	case bridge.KindCancelled:
		return nil, ErrCancelled, true

	default:
		st.log.Warn("Unknown bridge message kind", "kind", msg.Kind)
		return nil, nil, false
	}
}

// advanceRoutingTurn moves the routing turn's read-receipt forward and
// broadcasts the change. Store-side monotonicity makes re-delivery a
// harmless no-op.
func (d *Dispatcher) advanceRoutingTurn(ctx context.Context, st *consumeState, status models.MessageStatus) {
	if err := d.store.MarkTurnStatus(ctx, st.eventID, st.routingTurn, status); err != nil {
		st.log.Warn("Failed to advance routing turn", "status", status, "error", err)
		return
	}
	d.sink.MessageStatus(st.eventID, status, []int{st.routingTurn})
}

// broadcastTurn pushes an appended turn to the UI with the store-assigned
// number and the same defaults the store applies on append.
func (d *Dispatcher) broadcastTurn(eventID string, turn models.Turn) {
	if turn.Status == "" {
		turn.Status = models.StatusSent
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	d.sink.TurnAppended(eventID, turn)
}
