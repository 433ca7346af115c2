package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-ops/brain/pkg/bridge"
	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/models"
	"github.com/darwin-ops/brain/pkg/registry"
)

type appendedTurn struct {
	eventID string
	turn    models.Turn
}

type statusMark struct {
	turnNumber int
	status     models.MessageStatus
}

// fakeStore records appends and status marks, assigning turn numbers.
type fakeStore struct {
	mu      sync.Mutex
	next    int
	appends []appendedTurn
	marks   []statusMark
}

func (s *fakeStore) AppendTurn(_ context.Context, id string, turn models.Turn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	turn.Turn = s.next
	s.appends = append(s.appends, appendedTurn{eventID: id, turn: turn})
	return s.next, nil
}

func (s *fakeStore) MarkTurnStatus(_ context.Context, _ string, turnNumber int, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, statusMark{turnNumber: turnNumber, status: status})
	return nil
}

func (s *fakeStore) snapshot() ([]appendedTurn, []statusMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appendedTurn(nil), s.appends...), append([]statusMark(nil), s.marks...)
}

// fakePool serves a single scripted worker and records task sends.
type fakePool struct {
	mu       sync.Mutex
	entry    *registry.Entry
	sent     []*registry.Message
	cancels  []string
	busy     bool
	sendErr  error
	denyPick bool
}

func (p *fakePool) PickAvailable(role, prefer string) (*registry.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denyPick || p.entry == nil || p.entry.Role != role {
		return nil, registry.ErrUnavailable
	}
	if prefer != "" && p.entry.AgentID != prefer {
		return nil, registry.ErrUnavailable
	}
	return p.entry, nil
}

func (p *fakePool) MarkBusy(string, string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = true
}

func (p *fakePool) MarkIdle(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
}

func (p *fakePool) Send(_ context.Context, _ string, msg *registry.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePool) SendCancel(_ context.Context, _, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, taskID)
}

func (p *fakePool) lastSent() *registry.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func newTestDispatcher(t *testing.T, pool *fakePool) (*Dispatcher, *fakeStore, *bridge.Bridge) {
	t.Helper()
	store := &fakeStore{}
	br := bridge.New()
	guard, err := NewGuard(nil)
	require.NoError(t, err)
	cfg := &config.DispatchConfig{
		DefaultTimeout: 2 * time.Second,
		SelectionWait:  500 * time.Millisecond,
	}
	return New(store, pool, br, broadcast.NopSink{}, guard, cfg), store, br
}

func sysadminPool() *fakePool {
	return &fakePool{entry: &registry.Entry{AgentID: "agent-1", Role: "sysadmin"}}
}

// runDispatch starts a dispatch in the background and returns the result
// channel plus the task message the worker received.
func runDispatch(t *testing.T, d *Dispatcher, pool *fakePool, prompt string) (chan dispatchOutcome, *registry.Message) {
	t.Helper()
	out := make(chan dispatchOutcome, 1)
	go func() {
		res, err := d.DispatchToAgent(context.Background(), "sysadmin", "ev-1", prompt, ModeExecute, nil)
		out <- dispatchOutcome{res: res, err: err}
	}()

	require.Eventually(t, func() bool { return pool.lastSent() != nil },
		time.Second, 5*time.Millisecond, "task message never sent")
	return out, pool.lastSent()
}

type dispatchOutcome struct {
	res *Result
	err error
}

func TestDispatchSuccess(t *testing.T) {
	pool := sysadminPool()
	d, store, br := newTestDispatcher(t, pool)

	out, sent := runDispatch(t, d, pool, "check load on node-3")
	assert.Equal(t, registry.TypeTask, sent.Type)
	assert.Equal(t, "ev-1", sent.EventID)

	br.Deliver(sent.TaskID, bridge.TaskMessage{Kind: bridge.KindProgress, Text: "looking at node-3"})
	br.Deliver(sent.TaskID, bridge.TaskMessage{
		Kind:      bridge.KindResult,
		Status:    "success",
		Output:    "load average normal",
		SessionID: "sess-9",
	})

	o := <-out
	require.NoError(t, o.err)
	assert.Equal(t, "success", o.res.Status)
	assert.Equal(t, "load average normal", o.res.Output)
	assert.Equal(t, "sess-9", o.res.SessionID)
	assert.Equal(t, "agent-1", o.res.AgentID)

	appends, marks := store.snapshot()
	// Routing turn, progress turn, result turn, in order.
	require.Len(t, appends, 3)
	assert.Equal(t, models.ActionRoute, appends[0].turn.Action)
	assert.Equal(t, models.ActorBrain, appends[0].turn.Actor)
	assert.Equal(t, "sysadmin", appends[0].turn.WaitingFor)
	assert.Equal(t, models.ActionProgress, appends[1].turn.Action)
	assert.Equal(t, models.Actor("sysadmin"), appends[1].turn.Actor)
	assert.Equal(t, models.ActionExecute, appends[2].turn.Action)
	assert.Equal(t, "load average normal", appends[2].turn.Result)

	// Routing turn delivered on first progress, evaluated on result.
	require.Len(t, marks, 2)
	assert.Equal(t, statusMark{turnNumber: o.res.RoutingTurn, status: models.StatusDelivered}, marks[0])
	assert.Equal(t, statusMark{turnNumber: o.res.RoutingTurn, status: models.StatusEvaluated}, marks[1])

	assert.False(t, pool.busy, "worker must return to idle")
	assert.False(t, br.Outstanding(sent.TaskID), "bridge entry must be closed")
}

func TestDispatchResultActionFollowsMode(t *testing.T) {
	pool := sysadminPool()
	d, store, br := newTestDispatcher(t, pool)

	out := make(chan dispatchOutcome, 1)
	go func() {
		res, err := d.DispatchToAgent(context.Background(), "sysadmin", "ev-1", "confirm the fix held", ModeVerify, nil)
		out <- dispatchOutcome{res: res, err: err}
	}()
	require.Eventually(t, func() bool { return pool.lastSent() != nil }, time.Second, 5*time.Millisecond)

	br.Deliver(pool.lastSent().TaskID, bridge.TaskMessage{Kind: bridge.KindResult, Status: "success", Output: "fix held"})
	require.NoError(t, (<-out).err)

	appends, _ := store.snapshot()
	assert.Equal(t, models.ActionVerify, appends[len(appends)-1].turn.Action)
}

func TestDispatchSecurityBlocked(t *testing.T) {
	pool := sysadminPool()
	d, store, _ := newTestDispatcher(t, pool)

	_, err := d.DispatchToAgent(context.Background(), "sysadmin", "ev-1", "rm -rf / on the node", ModeExecute, nil)
	assert.ErrorIs(t, err, ErrSecurityBlocked)

	appends, _ := store.snapshot()
	assert.Empty(t, appends, "blocked prompts must not write turns")
	assert.Nil(t, pool.lastSent(), "blocked prompts must not reach a worker")
}

func TestDispatchNoAgentAvailable(t *testing.T) {
	pool := &fakePool{denyPick: true}
	d, _, _ := newTestDispatcher(t, pool)

	_, err := d.DispatchToAgent(context.Background(), "sysadmin", "ev-1", "check load", ModeExecute, nil)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestDispatchWorkerError(t *testing.T) {
	tests := []struct {
		name      string
		msg       bridge.TaskMessage
		retryable bool
	}{
		{
			name:      "retryable worker error",
			msg:       bridge.TaskMessage{Kind: bridge.KindError, Text: "rate limited", Retryable: true},
			retryable: true,
		},
		{
			name: "fatal worker error",
			msg:  bridge.TaskMessage{Kind: bridge.KindError, Text: "bad workspace"},
		},
		{
			name: "disconnect mid-task",
			msg:  bridge.TaskMessage{Kind: bridge.KindDisconnected},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := sysadminPool()
			d, _, br := newTestDispatcher(t, pool)

			out, sent := runDispatch(t, d, pool, "check load")
			br.Deliver(sent.TaskID, tt.msg)

			o := <-out
			require.Error(t, o.err)
			var ae *AgentError
			require.ErrorAs(t, o.err, &ae)
			assert.Equal(t, tt.retryable, ae.Retryable)
			assert.False(t, pool.busy)
		})
	}
}

func TestDispatchTimeout(t *testing.T) {
	pool := sysadminPool()
	d, _, _ := newTestDispatcher(t, pool)
	d.cfg = &config.DispatchConfig{
		DefaultTimeout: 30 * time.Millisecond,
		SelectionWait:  100 * time.Millisecond,
	}

	out, sent := runDispatch(t, d, pool, "check load")
	o := <-out
	require.Error(t, o.err)
	assert.True(t, IsRetryable(o.err))

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Contains(t, pool.cancels, sent.TaskID, "timeout must cancel the worker task")
}

func TestDispatchCancelledByEvent(t *testing.T) {
	pool := sysadminPool()
	d, _, br := newTestDispatcher(t, pool)

	out, _ := runDispatch(t, d, pool, "check load")
	require.Equal(t, 1, br.CancelByEvent("ev-1"))

	o := <-out
	assert.ErrorIs(t, o.err, ErrCancelled)
}

func TestDispatchSessionAffinity(t *testing.T) {
	pool := sysadminPool()
	d, _, br := newTestDispatcher(t, pool)

	out := make(chan dispatchOutcome, 1)
	go func() {
		res, err := d.DispatchToAgent(context.Background(), "sysadmin", "ev-1", "continue the check", ModeExecute,
			&SessionAffinity{AgentID: "agent-1", SessionID: "sess-9"})
		out <- dispatchOutcome{res: res, err: err}
	}()
	require.Eventually(t, func() bool { return pool.lastSent() != nil }, time.Second, 5*time.Millisecond)

	sent := pool.lastSent()
	assert.Equal(t, "sess-9", sent.SessionID, "affinity session rides on the task message")

	br.Deliver(sent.TaskID, bridge.TaskMessage{Kind: bridge.KindResult, Status: "success"})
	require.NoError(t, (<-out).err)
}
