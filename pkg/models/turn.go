package models

import "time"

// Actor identifies who authored a conversation turn.
type Actor string

// Actor constants.
const (
	ActorUser      Actor = "user"
	ActorBrain     Actor = "brain"
	ActorArchitect Actor = "architect"
	ActorSysadmin  Actor = "sysadmin"
	ActorDeveloper Actor = "developer"
	ActorQE        Actor = "qe"
	ActorAligner   Actor = "aligner"
	ActorArchivist Actor = "archivist"
	ActorSystem    Actor = "system"
)

// MessageStatus is the read-receipt state of a turn. It advances
// monotonically SENT → DELIVERED → EVALUATED and never regresses.
type MessageStatus string

// Message status constants, in lifecycle order.
const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusEvaluated MessageStatus = "EVALUATED"
)

// statusRank orders message statuses for monotonicity checks.
var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusEvaluated: 2,
}

// Rank returns the position of the status in the lifecycle ordering.
// Unknown statuses rank below SENT.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// CanAdvanceTo reports whether a transition from s to target is monotonic.
// Transitions to the current status (or an earlier one) are not advances.
func (s MessageStatus) CanAdvanceTo(target MessageStatus) bool {
	return target.Rank() > s.Rank()
}

// Turn is one entry in an event's conversation log. Content fields are
// immutable after append; only Status may change, and only forward.
type Turn struct {
	Turn            int           `json:"turn"`
	Actor           Actor         `json:"actor"`
	Action          string        `json:"action"`
	Thoughts        string        `json:"thoughts,omitempty"`
	Result          string        `json:"result,omitempty"`
	Plan            string        `json:"plan,omitempty"`
	Evidence        string        `json:"evidence,omitempty"`
	WaitingFor      string        `json:"waiting_for,omitempty"`
	PendingApproval bool          `json:"pending_approval,omitempty"`
	Status          MessageStatus `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Common action tags. Action is free-form; these are the ones the brain
// itself writes.
const (
	ActionThink       Action = "think"
	ActionRoute       Action = "route"
	ActionProgress    Action = "progress"
	ActionExecute     Action = "execute"
	ActionVerify      Action = "verify"
	ActionInvestigate Action = "investigate"
	ActionWait        Action = "wait"
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionDefer       Action = "defer"
	ActionNotify      Action = "notify"
	ActionClose       Action = "close"
	ActionConfirm     Action = "confirm"
	ActionObservation Action = "observation"
)

// Action tags a turn with what it does.
type Action = string
