package blackboard

import (
	"fmt"
	"time"

	"github.com/darwin-ops/brain/pkg/models"
)

// Mutation helpers applied to an event document inside the store's
// read-modify-write critical section. They are pure with respect to the
// store: all I/O concerns live in store.go.

// appendTurn assigns the next contiguous turn number and appends. The
// assigned number is returned. Writes after close are rejected.
func appendTurn(e *models.Event, turn models.Turn, now time.Time) (int, error) {
	if e.Status.IsTerminal() {
		return 0, ErrClosed
	}
	turn.Turn = e.NextTurnNumber()
	if turn.Status == "" {
		turn.Status = models.StatusSent
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	e.Conversation = append(e.Conversation, turn)
	if e.FirstTurnAt == nil {
		ts := turn.Timestamp
		e.FirstTurnAt = &ts
	}
	return turn.Turn, nil
}

// markTurnsDelivered advances every SENT turn with index ≤ uptoTurn to
// DELIVERED and returns how many advanced. Idempotent.
func markTurnsDelivered(e *models.Event, uptoTurn int) int {
	count := 0
	for i := range e.Conversation {
		t := &e.Conversation[i]
		if t.Turn <= uptoTurn && t.Status == models.StatusSent {
			t.Status = models.StatusDelivered
			count++
		}
	}
	return count
}

// markTurnsEvaluated advances every non-EVALUATED turn to EVALUATED and
// returns how many advanced. Idempotent.
func markTurnsEvaluated(e *models.Event) int {
	count := 0
	for i := range e.Conversation {
		t := &e.Conversation[i]
		if t.Status != models.StatusEvaluated {
			t.Status = models.StatusEvaluated
			count++
		}
	}
	return count
}

// markTurnStatus advances a single turn. A target at or below the current
// status is a no-op (idempotent re-delivery); the status never regresses.
func markTurnStatus(e *models.Event, turnNumber int, status models.MessageStatus) error {
	t := e.TurnByNumber(turnNumber)
	if t == nil {
		return fmt.Errorf("%w: turn %d", ErrNotFound, turnNumber)
	}
	if !t.Status.CanAdvanceTo(status) {
		// Already there or ahead — idempotent no-op.
		return nil
	}
	t.Status = status
	return nil
}

// setEventStatus performs the optimistic status transition. When guard is
// non-nil the current status must equal it.
func setEventStatus(e *models.Event, status models.EventStatus, guard *models.EventStatus) error {
	if guard != nil && e.Status != *guard {
		return fmt.Errorf("%w: expected %s, have %s", ErrInvalidTransition, *guard, e.Status)
	}
	if e.Status == status {
		return nil
	}
	if !e.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
	}
	e.Status = status
	return nil
}
