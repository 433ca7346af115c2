package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/darwin-ops/brain/pkg/dispatch"
	"github.com/darwin-ops/brain/pkg/llm"
	"github.com/darwin-ops/brain/pkg/models"
)

// Tool names the model may call.
const (
	toolSelectAgent       = "select_agent"
	toolAskAgentForState  = "ask_agent_for_state"
	toolRequestApproval   = "request_user_approval"
	toolWaitForUser       = "wait_for_user"
	toolDeferEvent        = "defer_event"
	toolCloseEvent        = "close_event"
	toolNotifyUserSlack   = "notify_user_slack"
	toolLookupService     = "lookup_service"
	toolConsultDeepMemory = "consult_deep_memory"
)

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// toolDefs declares the full function surface to the model.
func toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        toolSelectAgent,
			Description: "Dispatch a task to an agent of the given role and wait for its result.",
			InputSchema: objectSchema([]string{"role", "task"}, map[string]any{
				"role": stringProp("Agent role: architect, sysadmin, developer, or qe."),
				"task": stringProp("The task prompt for the agent."),
				"mode": stringProp("Optional mode: execute (default), verify, or investigate."),
			}),
		},
		{
			Name:        toolAskAgentForState,
			Description: "Ask an agent a read-only question about current system state.",
			InputSchema: objectSchema([]string{"role", "question"}, map[string]any{
				"role":     stringProp("Agent role to ask."),
				"question": stringProp("The question; the agent must not change anything."),
			}),
		},
		{
			Name:        toolRequestApproval,
			Description: "Pause the event until a human approves or rejects the proposed action.",
			InputSchema: objectSchema([]string{"question"}, map[string]any{
				"question": stringProp("What to approve, phrased as a yes/no question."),
				"context":  stringProp("Supporting evidence for the approver."),
			}),
		},
		{
			Name:        toolWaitForUser,
			Description: "Pause the event until the user replies.",
			InputSchema: objectSchema([]string{"summary"}, map[string]any{
				"summary": stringProp("Summary of the current state and what input is needed."),
			}),
		},
		{
			Name:        toolDeferEvent,
			Description: "Put the event aside and revisit after a delay.",
			InputSchema: objectSchema([]string{"duration_s", "reason"}, map[string]any{
				"duration_s": map[string]any{"type": "integer", "description": "Delay in seconds."},
				"reason":     stringProp("Why the event is being deferred."),
			}),
		},
		{
			Name:        toolCloseEvent,
			Description: "Close the event. Terminal: no further processing happens.",
			InputSchema: objectSchema([]string{"summary"}, map[string]any{
				"summary": stringProp("Final summary of what happened and what was done."),
				"outcome": stringProp("One word outcome: resolved, no-action, or failed."),
			}),
		},
		{
			Name:        toolNotifyUserSlack,
			Description: "Send the user a Slack notification.",
			InputSchema: objectSchema([]string{"email", "message"}, map[string]any{
				"email":   stringProp("The user's email address."),
				"message": stringProp("The notification text."),
			}),
		},
		{
			Name:        toolLookupService,
			Description: "Look up operational history for a service. Read-only.",
			InputSchema: objectSchema([]string{"name"}, map[string]any{
				"name": stringProp("Service name."),
			}),
		},
		{
			Name:        toolConsultDeepMemory,
			Description: "Search archived events for similar past incidents. Read-only.",
			InputSchema: objectSchema([]string{"query"}, map[string]any{
				"query": stringProp("Free-text search query."),
			}),
		},
	}
}

// execTool runs one function call. The returned text goes back to the
// model as the tool result; terminal means the call settled this pass's
// business and no further effects should run.
func (p *Processor) execTool(ctx context.Context, e *models.Event, call *llm.FunctionCall) (result string, terminal bool) {
	log := slog.With("event_id", e.ID, "tool", call.Name)
	log.Info("Executing tool call")

	var args struct {
		Role      string `json:"role"`
		Task      string `json:"task"`
		Mode      string `json:"mode"`
		Question  string `json:"question"`
		Context   string `json:"context"`
		Summary   string `json:"summary"`
		DurationS int    `json:"duration_s"`
		Reason    string `json:"reason"`
		Outcome   string `json:"outcome"`
		Email     string `json:"email"`
		Message   string `json:"message"`
		Name      string `json:"name"`
		Query     string `json:"query"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		log.Warn("Malformed tool arguments", "error", err)
		return "malformed tool arguments: " + err.Error(), false
	}

	switch call.Name {
	case toolSelectAgent:
		return p.toolDispatch(ctx, e, args.Role, args.Task, dispatchMode(args.Mode))

	case toolAskAgentForState:
		return p.toolDispatch(ctx, e, args.Role, args.Question, dispatch.ModeInvestigate)

	case toolRequestApproval:
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:           models.ActorBrain,
			Action:          models.ActionWait,
			Thoughts:        args.Question,
			Evidence:        args.Context,
			WaitingFor:      string(models.ActorUser),
			PendingApproval: true,
		})
		guard := e.Status
		if err := p.store.SetEventStatus(ctx, e.ID, models.EventStatusWaitingApproval, &guard); err != nil {
			log.Warn("Failed to enter approval wait", "error", err)
			return "failed to pause for approval: " + err.Error(), false
		}
		return "approval requested; the event is paused until the user responds", true

	case toolWaitForUser:
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:      models.ActorBrain,
			Action:     models.ActionWait,
			Thoughts:   args.Summary,
			WaitingFor: string(models.ActorUser),
		})
		p.mu.Lock()
		p.state(e.ID).waitingForUser = true
		p.mu.Unlock()
		return "waiting for the user; processing resumes on their next message", true

	case toolDeferEvent:
		if args.DurationS <= 0 {
			return "duration_s must be positive", false
		}
		p.deferEvent(ctx, e.ID, time.Duration(args.DurationS)*time.Second, args.Reason)
		return "event deferred", true

	case toolCloseEvent:
		return p.toolClose(ctx, e, args.Summary, args.Outcome), true

	case toolNotifyUserSlack:
		if err := p.notifier.Notify(ctx, args.Email, args.Message); err != nil {
			log.Warn("Slack notification failed", "error", err)
			return "notification failed: " + err.Error(), false
		}
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:  models.ActorBrain,
			Action: models.ActionNotify,
			Result: args.Message,
		})
		return "user notified", true

	case toolLookupService:
		p.sink.ToolActivity(e.ID, toolLookupService)
		out, err := p.memory.ServiceLookup(ctx, args.Name)
		if err != nil {
			return "lookup failed: " + err.Error(), false
		}
		return out, false

	case toolConsultDeepMemory:
		p.sink.ToolActivity(e.ID, toolConsultDeepMemory)
		out, err := p.memory.ConsultMemory(ctx, args.Query)
		if err != nil {
			return "memory search failed: " + err.Error(), false
		}
		return out, false

	default:
		log.Warn("Unknown tool requested")
		return "unknown tool: " + call.Name, false
	}
}

func dispatchMode(mode string) string {
	switch mode {
	case dispatch.ModeVerify, dispatch.ModeInvestigate:
		return mode
	default:
		return dispatch.ModeExecute
	}
}

// toolDispatch routes select_agent and ask_agent_for_state through the
// dispatcher and translates its error taxonomy into tool results.
func (p *Processor) toolDispatch(ctx context.Context, e *models.Event, role, prompt, mode string) (string, bool) {
	if role == "" || prompt == "" {
		return "role and task are required", false
	}

	p.mu.Lock()
	affinity := p.state(e.ID).affinity
	p.mu.Unlock()

	res, err := p.dispatcher.DispatchToAgent(ctx, role, e.ID, prompt, mode, affinity)
	if err == nil {
		p.mu.Lock()
		p.state(e.ID).affinity = &dispatch.SessionAffinity{AgentID: res.AgentID, SessionID: res.SessionID}
		p.mu.Unlock()
		return "agent " + role + " finished with status " + res.Status + ":\n" + res.Output, true
	}

	switch {
	case errors.Is(err, dispatch.ErrSecurityBlocked):
		p.appendAndBroadcast(ctx, e.ID, models.Turn{
			Actor:    models.ActorBrain,
			Action:   models.ActionThink,
			Thoughts: "dispatch blocked by security pre-check: " + err.Error(),
		})
		return "the task was blocked by the security pre-check; rephrase without destructive commands", false

	case errors.Is(err, dispatch.ErrAgentUnavailable):
		return "no " + role + " agent is available right now; pick another role, defer, or wait", false

	case errors.Is(err, dispatch.ErrCancelled):
		return "dispatch cancelled", true

	case dispatch.IsRetryable(err):
		slog.Info("Retryable agent failure, deferring event", "event_id", e.ID, "error", err)
		p.deferEvent(ctx, e.ID, retryDefer, "agent failure, will retry: "+err.Error())
		return "transient agent failure; the event is deferred for retry", true

	default:
		return "agent failed: " + err.Error(), false
	}
}

// toolClose settles the event: close turn, status transition, session and
// scratchpad teardown.
func (p *Processor) toolClose(ctx context.Context, e *models.Event, summary, outcome string) string {
	if summary == "" {
		summary = "closed"
	}
	p.appendAndBroadcast(ctx, e.ID, models.Turn{
		Actor:    models.ActorBrain,
		Action:   models.ActionClose,
		Result:   summary,
		Evidence: outcome,
	})
	if err := p.store.SetEventStatus(ctx, e.ID, models.EventStatusClosed, nil); err != nil {
		slog.Warn("Failed to close event", "event_id", e.ID, "error", err)
		return "failed to close the event: " + err.Error()
	}

	p.mu.Lock()
	sessionID := p.state(e.ID).sessionID
	p.mu.Unlock()
	if sessionID != "" {
		p.chat.CloseChat(sessionID)
	}
	p.Forget(e.ID)

	p.sink.EventClosed(e.ID)
	slog.Info("Event closed", "event_id", e.ID, "outcome", outcome)
	return "event closed"
}
