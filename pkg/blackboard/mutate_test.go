package blackboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-ops/brain/pkg/models"
)

func activeEvent(turns ...models.Turn) *models.Event {
	return &models.Event{
		ID:           "evt-1",
		Status:       models.EventStatusActive,
		Conversation: turns,
	}
}

func TestAppendTurnAssignsContiguousNumbers(t *testing.T) {
	e := activeEvent()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		n, err := appendTurn(e, models.Turn{Actor: models.ActorBrain, Action: models.ActionThink}, now)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	for i, turn := range e.Conversation {
		assert.Equal(t, i+1, turn.Turn)
		assert.Equal(t, models.StatusSent, turn.Status)
	}
	require.NotNil(t, e.FirstTurnAt)
	assert.Equal(t, now, *e.FirstTurnAt)
}

func TestAppendTurnRejectedWhenClosed(t *testing.T) {
	e := activeEvent()
	e.Status = models.EventStatusClosed

	_, err := appendTurn(e, models.Turn{Actor: models.ActorUser}, time.Now())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, e.Conversation)
}

func TestMarkTurnsDeliveredIdempotent(t *testing.T) {
	e := activeEvent(
		models.Turn{Turn: 1, Status: models.StatusEvaluated},
		models.Turn{Turn: 2, Status: models.StatusSent},
		models.Turn{Turn: 3, Status: models.StatusSent},
	)

	assert.Equal(t, 2, markTurnsDelivered(e, 3))
	assert.Equal(t, models.StatusDelivered, e.Conversation[1].Status)
	assert.Equal(t, models.StatusDelivered, e.Conversation[2].Status)
	// Evaluated turns never regress.
	assert.Equal(t, models.StatusEvaluated, e.Conversation[0].Status)

	// Applied twice is identical to applied once.
	assert.Equal(t, 0, markTurnsDelivered(e, 3))
}

func TestMarkTurnsDeliveredRespectsUpto(t *testing.T) {
	e := activeEvent(
		models.Turn{Turn: 1, Status: models.StatusSent},
		models.Turn{Turn: 2, Status: models.StatusSent},
	)
	assert.Equal(t, 1, markTurnsDelivered(e, 1))
	assert.Equal(t, models.StatusSent, e.Conversation[1].Status)
}

func TestMarkTurnsEvaluatedIdempotent(t *testing.T) {
	e := activeEvent(
		models.Turn{Turn: 1, Status: models.StatusSent},
		models.Turn{Turn: 2, Status: models.StatusDelivered},
		models.Turn{Turn: 3, Status: models.StatusEvaluated},
	)

	assert.Equal(t, 2, markTurnsEvaluated(e))
	assert.Equal(t, 0, markTurnsEvaluated(e))
	for _, turn := range e.Conversation {
		assert.Equal(t, models.StatusEvaluated, turn.Status)
	}
}

func TestMarkTurnStatus(t *testing.T) {
	e := activeEvent(models.Turn{Turn: 1, Status: models.StatusSent})

	require.NoError(t, markTurnStatus(e, 1, models.StatusDelivered))
	assert.Equal(t, models.StatusDelivered, e.Conversation[0].Status)

	// Regression is a silent no-op.
	require.NoError(t, markTurnStatus(e, 1, models.StatusSent))
	assert.Equal(t, models.StatusDelivered, e.Conversation[0].Status)

	// Unknown turn.
	assert.ErrorIs(t, markTurnStatus(e, 9, models.StatusDelivered), ErrNotFound)
}

func TestSetEventStatusGuard(t *testing.T) {
	e := activeEvent()

	guard := models.EventStatusActive
	require.NoError(t, setEventStatus(e, models.EventStatusWaitingApproval, &guard))
	assert.Equal(t, models.EventStatusWaitingApproval, e.Status)

	// Guard mismatch: benign CAS failure.
	err := setEventStatus(e, models.EventStatusResolved, &guard)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.EventStatusWaitingApproval, e.Status)
}

func TestSetEventStatusGraph(t *testing.T) {
	e := activeEvent()
	e.Status = models.EventStatusClosed

	err := setEventStatus(e, models.EventStatusActive, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Same-status set is a no-op, not an error.
	require.NoError(t, setEventStatus(e, models.EventStatusClosed, nil))
}
