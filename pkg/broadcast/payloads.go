// Package broadcast pushes typed state-change messages to UI clients over
// WebSocket. The core components talk to the Sink interface; the Hub is the
// concrete fan-out.
package broadcast

import "github.com/darwin-ops/brain/pkg/models"

// Push message types.
const (
	TypeTurn          = "turn"
	TypeMessageStatus = "message_status"
	TypeEventCreated  = "event_created"
	TypeEventClosed   = "event_closed"
	TypeToolActivity  = "tool_activity"
)

// TurnPayload announces an appended conversation turn.
type TurnPayload struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id"`
	Turn    models.Turn `json:"turn"`
}

// MessageStatusPayload announces turn status advances. Turns lists the
// affected turn numbers; a nil slice means every turn ("all").
type MessageStatusPayload struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Turns   any    `json:"turns"`
}

// EventLifecyclePayload announces event creation or closure.
type EventLifecyclePayload struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// ToolActivityPayload is a transient signal that the brain is running a
// read-only tool (lookup_service, consult_deep_memory). No turn is written
// for these; the payload lets UIs show activity anyway.
type ToolActivityPayload struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Tool    string `json:"tool"`
}

// Sink is the push API consumed by the scheduler, processor, and
// dispatcher. Implementations must not block the caller on slow clients.
type Sink interface {
	TurnAppended(eventID string, turn models.Turn)
	MessageStatus(eventID string, status models.MessageStatus, turns []int)
	EventCreated(eventID string)
	EventClosed(eventID string)
	ToolActivity(eventID, tool string)
}

// NopSink discards everything. Used in tests and when no UI is attached.
type NopSink struct{}

func (NopSink) TurnAppended(string, models.Turn)                  {}
func (NopSink) MessageStatus(string, models.MessageStatus, []int) {}
func (NopSink) EventCreated(string)                               {}
func (NopSink) EventClosed(string)                                {}
func (NopSink) ToolActivity(string, string)                       {}
