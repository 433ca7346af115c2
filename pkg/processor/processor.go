// Package processor drives one LLM reasoning turn for one event: chat
// session lifecycle, function-call routing, turn accumulation, and status
// mutation. At most one pass runs per event at a time.
package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/dispatch"
	"github.com/darwin-ops/brain/pkg/llm"
	"github.com/darwin-ops/brain/pkg/models"
)

// Defer windows applied when a pass cannot make progress.
const (
	// retryDefer is applied when a worker reports a retryable failure.
	retryDefer = 5 * time.Minute

	// llmFailDefer is applied when both the chat stream and the stateless
	// fallback fail.
	llmFailDefer = time.Minute
)

// Store is the blackboard subset the processor mutates.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	AppendTurn(ctx context.Context, id string, turn models.Turn) (int, error)
	MarkTurnsEvaluated(ctx context.Context, id string) (int, error)
	SetEventStatus(ctx context.Context, id string, status models.EventStatus, guard *models.EventStatus) error
	SetDeferUntil(ctx context.Context, id string, until *time.Time) error
}

// AgentDispatcher is the single path to a worker.
type AgentDispatcher interface {
	DispatchToAgent(ctx context.Context, role, eventID, prompt, mode string, affinity *dispatch.SessionAffinity) (*dispatch.Result, error)
}

// TaskCanceller fans a cancellation out to outstanding bridge channels.
type TaskCanceller interface {
	CancelByEvent(eventID string) int
}

// Notifier is the user side channel behind notify_user_slack.
type Notifier interface {
	Notify(ctx context.Context, email, message string) error
}

// Memory serves the read-only enrichment tools from archived history.
type Memory interface {
	ServiceLookup(ctx context.Context, name string) (string, error)
	ConsultMemory(ctx context.Context, query string) (string, error)
}

// eventState is the per-event scratchpad. busy realizes the per-event
// mutex: a pass refuses to start while another holds it.
type eventState struct {
	busy           bool
	waitingForUser bool
	lastProcessed  time.Time
	sessionID      string
	lastSentTurns  int
	affinity       *dispatch.SessionAffinity
	cancel         context.CancelFunc
}

// Processor owns the per-event reasoning loop and its in-memory state.
// All in-memory state is best effort: a restart resets it and the startup
// migration re-derives what matters.
type Processor struct {
	store      Store
	chat       llm.ChatPort
	dispatcher AgentDispatcher
	tasks      TaskCanceller
	notifier   Notifier
	memory     Memory
	sink       broadcast.Sink
	cfg        *config.LLMConfig

	mu     sync.Mutex
	events map[string]*eventState
}

// New creates a Processor.
func New(store Store, chat llm.ChatPort, dispatcher AgentDispatcher, tasks TaskCanceller, notifier Notifier, memory Memory, sink broadcast.Sink, cfg *config.LLMConfig) *Processor {
	return &Processor{
		store:      store,
		chat:       chat,
		dispatcher: dispatcher,
		tasks:      tasks,
		notifier:   notifier,
		memory:     memory,
		sink:       sink,
		cfg:        cfg,
		events:     make(map[string]*eventState),
	}
}

// state returns the scratchpad for an event, creating it on first use.
// Caller must hold p.mu.
func (p *Processor) state(id string) *eventState {
	st, ok := p.events[id]
	if !ok {
		st = &eventState{}
		p.events[id] = st
	}
	return st
}

// WaitingForUser reports whether the event is paused on user input.
func (p *Processor) WaitingForUser(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.events[id]
	return ok && st.waitingForUser
}

// ClearWaitingForUser resumes an event paused on user input. Called by the
// ingestion path when a user message arrives.
func (p *Processor) ClearWaitingForUser(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.events[id]; ok {
		st.waitingForUser = false
	}
}

// LastProcessed returns when the event was last processed, if ever.
func (p *Processor) LastProcessed(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.events[id]
	if !ok || st.lastProcessed.IsZero() {
		return time.Time{}, false
	}
	return st.lastProcessed, true
}

// Cancel interrupts any in-flight pass for the event: the LLM stream is
// cancelled via context, outstanding dispatches get the Cancelled sentinel,
// and the chat session is torn down. Event status is left untouched.
func (p *Processor) Cancel(id string) {
	p.mu.Lock()
	st, ok := p.events[id]
	var cancel context.CancelFunc
	var sessionID string
	if ok {
		cancel = st.cancel
		sessionID = st.sessionID
		st.sessionID = ""
		st.lastSentTurns = 0
		st.waitingForUser = false
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if n := p.tasks.CancelByEvent(id); n > 0 {
		slog.Info("Cancelled outstanding tasks", "event_id", id, "tasks", n)
	}
	if sessionID != "" {
		p.chat.CloseChat(sessionID)
	}
}

// Forget drops all in-memory state for an event. Called after close.
func (p *Processor) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.events, id)
}

// Process runs one reasoning pass for the event. A pass already running
// for the same event makes this a no-op; the scheduler re-enters on a
// later tick.
func (p *Processor) Process(ctx context.Context, id string) {
	p.mu.Lock()
	st := p.state(id)
	if st.busy {
		p.mu.Unlock()
		return
	}
	st.busy = true
	st.lastProcessed = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		st.busy = false
		st.cancel = nil
		p.mu.Unlock()
	}()

	p.run(ctx, id)
}

// run is the body of a pass. It never returns an error: every failure
// becomes a turn, a tool result, or a deferral.
func (p *Processor) run(ctx context.Context, id string) {
	log := slog.With("event_id", id)

	e, err := p.store.GetEvent(ctx, id)
	if err != nil {
		log.Warn("Failed to load event for processing", "error", err)
		return
	}
	if e.Status.IsTerminal() {
		return
	}

	// First processing activates the event.
	if e.Status == models.EventStatusNew {
		guard := models.EventStatusNew
		if err := p.store.SetEventStatus(ctx, id, models.EventStatusActive, &guard); err != nil {
			log.Warn("Failed to activate event", "error", err)
		} else {
			e.Status = models.EventStatusActive
		}
	}

	sessionID, delta, err := p.prepareSend(ctx, e)
	if err != nil {
		log.Warn("Failed to open chat session", "error", err)
		p.deferEvent(ctx, id, llmFailDefer, "llm unavailable: "+err.Error())
		p.finishPass(ctx, id)
		return
	}

	stream, err := p.chat.ChatSend(ctx, sessionID, delta)
	if err != nil {
		log.Warn("Chat send failed, falling back to stateless generate", "error", err)
		p.discardSession(id)
		p.fallbackGenerate(ctx, e)
		p.finishPass(ctx, id)
		return
	}

	p.consume(ctx, e, sessionID, stream)
	p.finishPass(ctx, id)
}

// prepareSend resolves the chat session and the message to send: the full
// event context on a fresh session, the turn delta on a reused one.
func (p *Processor) prepareSend(ctx context.Context, e *models.Event) (sessionID, message string, err error) {
	p.mu.Lock()
	st := p.state(e.ID)
	sessionID = st.sessionID
	lastSent := st.lastSentTurns
	p.mu.Unlock()

	if sessionID == "" {
		sessionID, err = p.chat.CreateChat(ctx, systemPrompt, llm.ChatParams{Tools: toolDefs()})
		if err != nil {
			return "", "", err
		}
		lastSent = 0
	}

	message = renderContext(e, lastSent)

	p.mu.Lock()
	st.sessionID = sessionID
	st.lastSentTurns = len(e.Conversation)
	p.mu.Unlock()
	return sessionID, message, nil
}

// discardSession drops the chat session after a stream failure. Sessions
// are never retried; the next pass rebuilds from full context.
func (p *Processor) discardSession(id string) {
	p.mu.Lock()
	st := p.state(id)
	sessionID := st.sessionID
	st.sessionID = ""
	st.lastSentTurns = 0
	p.mu.Unlock()
	if sessionID != "" {
		p.chat.CloseChat(sessionID)
	}
}

// fallbackGenerate is the one-shot stateless path after a stream failure.
// A second failure defers the event briefly.
func (p *Processor) fallbackGenerate(ctx context.Context, e *models.Event) {
	text, err := p.chat.Generate(ctx, systemPrompt, renderContext(e, 0))
	if err != nil {
		slog.Warn("Stateless fallback failed, deferring event", "event_id", e.ID, "error", err)
		p.deferEvent(ctx, e.ID, llmFailDefer, "llm unavailable")
		return
	}
	if text != "" {
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:    models.ActorBrain,
			Action:   models.ActionThink,
			Thoughts: text,
		})
	}
}

// consume drains response streams, executing tool calls up to the chain
// cap. Chained (read-only) tools feed their result back and continue on
// the continuation stream; terminal tools report, then drain without
// executing further effects.
func (p *Processor) consume(ctx context.Context, e *models.Event, sessionID string, stream llm.Stream) {
	log := slog.With("event_id", e.ID)

	var text string
	terminal := false
	chains := 0

	for stream != nil {
		chunk, err := stream.Recv()
		if err != nil {
			_ = stream.Close()
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				log.Info("Processing pass cancelled")
				return
			}
			log.Warn("LLM stream failed mid-response", "error", err)
			p.discardSession(e.ID)
			return
		}

		text += chunk.Text
		if chunk.Done {
			_ = stream.Close()
			break
		}
		if chunk.FunctionCall == nil {
			continue
		}

		call := chunk.FunctionCall
		var result string
		if terminal {
			// A terminal effect already ran this pass; acknowledge so the
			// session history stays consistent, but execute nothing.
			result = "no further actions are taken this pass"
		} else {
			var isTerminal bool
			result, isTerminal = p.execTool(ctx, e, call)
			terminal = terminal || isTerminal
			if ctx.Err() != nil {
				_ = stream.Close()
				return
			}
		}

		chains++
		if chains >= p.maxToolChains() {
			log.Warn("Tool chain cap reached", "chains", chains)
			_ = stream.Close()
			break
		}

		_ = stream.Close()
		next, err := p.chat.ChatReportToolResult(ctx, sessionID, call.ToolUseID, result)
		if err != nil {
			log.Warn("Failed to report tool result", "error", err)
			p.discardSession(e.ID)
			break
		}
		stream = next
	}

	if text != "" && !terminal {
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:    models.ActorBrain,
			Action:   models.ActionThink,
			Thoughts: text,
		})
	}
}

func (p *Processor) maxToolChains() int {
	if p.cfg != nil && p.cfg.MaxToolChains > 0 {
		return p.cfg.MaxToolChains
	}
	return config.DefaultMaxToolChains
}

// finishPass marks every turn EVALUATED and mirrors it to the UI. Runs
// even after close: evaluation is allowed on terminal events.
func (p *Processor) finishPass(ctx context.Context, id string) {
	n, err := p.store.MarkTurnsEvaluated(ctx, id)
	if err != nil {
		slog.Warn("Failed to mark turns evaluated", "event_id", id, "error", err)
		return
	}
	if n > 0 {
		p.sink.MessageStatus(id, models.StatusEvaluated, nil)
	}
}

// deferEvent pushes the event out of the scheduler's sight for the given
// window and records why.
func (p *Processor) deferEvent(ctx context.Context, id string, d time.Duration, reason string) {
	until := time.Now().Add(d)
	if err := p.store.SetDeferUntil(ctx, id, &until); err != nil {
		slog.Warn("Failed to defer event", "event_id", id, "error", err)
		return
	}
	p.appendAndBroadcast(ctx, id, models.Turn{
		Actor:    models.ActorBrain,
		Action:   models.ActionDefer,
		Thoughts: reason,
		Result:   "deferred until " + until.UTC().Format(time.RFC3339),
	})
}

// appendAndBroadcast writes a turn and pushes it to the UI.
func (p *Processor) appendAndBroadcast(ctx context.Context, id string, turn models.Turn) {
	n, err := p.store.AppendTurn(ctx, id, turn)
	if err != nil {
		slog.Warn("Failed to append turn", "event_id", id, "actor", turn.Actor, "action", turn.Action, "error", err)
		return
	}
	turn.Turn = n
	if turn.Status == "" {
		turn.Status = models.StatusSent
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	p.sink.TurnAppended(id, turn)
}

// AppendConfirm appends an aligner re-verification trigger unless a prior
// confirm is still awaiting evaluation. Reports whether a turn was written.
func (p *Processor) AppendConfirm(ctx context.Context, id, summary string) (bool, error) {
	e, err := p.store.GetEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if e.HasPendingConfirm() {
		return false, nil
	}
	p.appendAndBroadcast(ctx, id, models.Turn{
		Actor:    models.ActorAligner,
		Action:   models.ActionConfirm,
		Thoughts: summary,
	})
	return true, nil
}
