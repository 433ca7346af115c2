package models

import "time"

// EventSource identifies where an event originated.
type EventSource string

// Event source constants.
const (
	SourceAutonomousDetector EventSource = "autonomous-detector"
	SourceUserChat           EventSource = "user-chat"
	SourceUserSlack          EventSource = "user-slack"
	SourceExternalAPI        EventSource = "external-api"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

// Event status constants. CLOSED is terminal.
const (
	EventStatusNew             EventStatus = "NEW"
	EventStatusActive          EventStatus = "ACTIVE"
	EventStatusWaitingApproval EventStatus = "WAITING_APPROVAL"
	EventStatusDeferred        EventStatus = "DEFERRED"
	EventStatusResolved        EventStatus = "RESOLVED"
	EventStatusClosed          EventStatus = "CLOSED"
)

// validTransitions lists the allowed event status graph:
// NEW → ACTIVE → {WAITING_APPROVAL, DEFERRED, RESOLVED} → CLOSED.
// The intermediate states may also return to ACTIVE.
var validTransitions = map[EventStatus][]EventStatus{
	EventStatusNew:             {EventStatusActive, EventStatusClosed},
	EventStatusActive:          {EventStatusWaitingApproval, EventStatusDeferred, EventStatusResolved, EventStatusClosed},
	EventStatusWaitingApproval: {EventStatusActive, EventStatusClosed},
	EventStatusDeferred:        {EventStatusActive, EventStatusClosed},
	EventStatusResolved:        {EventStatusActive, EventStatusClosed},
	EventStatusClosed:          {},
}

// IsTerminal reports whether the status admits no further transitions.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusClosed
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s EventStatus) CanTransitionTo(target EventStatus) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// EventInput captures the signal that created an event.
type EventInput struct {
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the central aggregate: a ticket representing an autonomous
// anomaly or a user request, carrying an append-only conversation.
type Event struct {
	ID           string      `json:"id"`
	Source       EventSource `json:"source"`
	Status       EventStatus `json:"status"`
	Service      string      `json:"service,omitempty"`
	Input        EventInput  `json:"input"`
	Conversation []Turn      `json:"conversation"`
	DeferUntil   *time.Time  `json:"defer_until,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	FirstTurnAt  *time.Time  `json:"first_turn_at,omitempty"`
}

// NextTurnNumber returns the turn index the next append will receive.
func (e *Event) NextTurnNumber() int {
	return len(e.Conversation) + 1
}

// TurnByNumber returns a pointer to the turn with the given 1-based number,
// or nil when out of range.
func (e *Event) TurnByNumber(n int) *Turn {
	if n < 1 || n > len(e.Conversation) {
		return nil
	}
	return &e.Conversation[n-1]
}

// HasUnseen reports whether any turn is still in SENT.
func (e *Event) HasUnseen() bool {
	for i := range e.Conversation {
		if e.Conversation[i].Status == StatusSent {
			return true
		}
	}
	return false
}

// HasUnread reports whether any turn has been delivered but not yet
// evaluated by the brain.
func (e *Event) HasUnread() bool {
	for i := range e.Conversation {
		if e.Conversation[i].Status == StatusDelivered {
			return true
		}
	}
	return false
}

// LastAgentResultAt returns the timestamp of the most recent turn authored
// by an agent with a result payload, or the zero time when none exists.
// The timeout circuit breaker uses this to grant a grace extension.
func (e *Event) LastAgentResultAt() time.Time {
	for i := len(e.Conversation) - 1; i >= 0; i-- {
		t := &e.Conversation[i]
		if t.Actor != ActorBrain && t.Actor != ActorUser && t.Actor != ActorSystem && t.Result != "" {
			return t.Timestamp
		}
	}
	return time.Time{}
}

// HasPendingConfirm reports whether a prior aligner confirm turn is still
// awaiting evaluation. Used to deduplicate re-verification triggers.
func (e *Event) HasPendingConfirm() bool {
	for i := range e.Conversation {
		t := &e.Conversation[i]
		if t.Actor == ActorAligner && t.Action == ActionConfirm && t.Status != StatusEvaluated {
			return true
		}
	}
	return false
}
