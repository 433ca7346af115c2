package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatusCanAdvanceTo(t *testing.T) {
	tests := []struct {
		name   string
		from   MessageStatus
		to     MessageStatus
		expect bool
	}{
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"sent to evaluated", StatusSent, StatusEvaluated, true},
		{"delivered to evaluated", StatusDelivered, StatusEvaluated, true},
		{"delivered to sent", StatusDelivered, StatusSent, false},
		{"evaluated to delivered", StatusEvaluated, StatusDelivered, false},
		{"same status", StatusDelivered, StatusDelivered, false},
		{"unknown target", StatusSent, MessageStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestEventStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   EventStatus
		to     EventStatus
		expect bool
	}{
		{"new to active", EventStatusNew, EventStatusActive, true},
		{"active to waiting approval", EventStatusActive, EventStatusWaitingApproval, true},
		{"active to deferred", EventStatusActive, EventStatusDeferred, true},
		{"active to resolved", EventStatusActive, EventStatusResolved, true},
		{"resolved to closed", EventStatusResolved, EventStatusClosed, true},
		{"waiting approval back to active", EventStatusWaitingApproval, EventStatusActive, true},
		{"closed is terminal", EventStatusClosed, EventStatusActive, false},
		{"new cannot skip to resolved", EventStatusNew, EventStatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, EventStatusClosed.IsTerminal())
	assert.False(t, EventStatusActive.IsTerminal())
}

func TestEventUnreadHelpers(t *testing.T) {
	e := &Event{
		Conversation: []Turn{
			{Turn: 1, Actor: ActorAligner, Action: ActionObservation, Status: StatusEvaluated},
			{Turn: 2, Actor: ActorBrain, Action: ActionThink, Status: StatusDelivered},
		},
	}
	assert.False(t, e.HasUnseen())
	assert.True(t, e.HasUnread())
	assert.Equal(t, 3, e.NextTurnNumber())

	e.Conversation = append(e.Conversation, Turn{Turn: 3, Actor: ActorUser, Status: StatusSent})
	assert.True(t, e.HasUnseen())

	assert.Nil(t, e.TurnByNumber(0))
	assert.Nil(t, e.TurnByNumber(4))
	assert.Equal(t, 2, e.TurnByNumber(2).Turn)
}

func TestLastAgentResultAt(t *testing.T) {
	now := time.Now()
	e := &Event{
		Conversation: []Turn{
			{Turn: 1, Actor: ActorSysadmin, Result: "checked nodes", Timestamp: now.Add(-2 * time.Minute)},
			{Turn: 2, Actor: ActorBrain, Action: ActionThink, Thoughts: "ok", Timestamp: now.Add(-1 * time.Minute)},
		},
	}
	assert.Equal(t, now.Add(-2*time.Minute), e.LastAgentResultAt())

	empty := &Event{}
	assert.True(t, empty.LastAgentResultAt().IsZero())
}

func TestHasPendingConfirm(t *testing.T) {
	e := &Event{
		Conversation: []Turn{
			{Turn: 1, Actor: ActorAligner, Action: ActionConfirm, Status: StatusEvaluated},
		},
	}
	assert.False(t, e.HasPendingConfirm())

	e.Conversation = append(e.Conversation, Turn{Turn: 2, Actor: ActorAligner, Action: ActionConfirm, Status: StatusSent})
	assert.True(t, e.HasPendingConfirm())
}
