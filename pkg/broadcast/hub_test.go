package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-ops/brain/pkg/models"
)

type fakeClientConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (c *fakeClientConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeClientConn) CloseNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClientConn) payloads(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]any
		require.NoError(t, json.Unmarshal(w, &m))
		out = append(out, m)
	}
	return out
}

var clientSeq int

func addFakeClient(h *Hub, subs ...string) *fakeClientConn {
	clientSeq++
	conn := &fakeClientConn{}
	c := &client{
		id:            fmt.Sprintf("client-%d", clientSeq),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           context.Background(),
	}
	for _, s := range subs {
		c.subscriptions[s] = true
	}
	h.addClient(c)
	return conn
}

func TestPublishRoutesBySubscription(t *testing.T) {
	h := NewHub()
	global := addFakeClient(h, channelAll)
	scoped := addFakeClient(h, eventChannel("evt-1"))
	other := addFakeClient(h, eventChannel("evt-2"))

	h.EventCreated("evt-1")

	assert.Len(t, global.payloads(t), 1)
	assert.Len(t, scoped.payloads(t), 1)
	assert.Empty(t, other.payloads(t))
}

func TestTurnAppendedPayloadShape(t *testing.T) {
	h := NewHub()
	conn := addFakeClient(h, channelAll)

	h.TurnAppended("evt-1", models.Turn{Turn: 3, Actor: models.ActorBrain, Action: models.ActionThink, Status: models.StatusSent})

	msgs := conn.payloads(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeTurn, msgs[0]["type"])
	assert.Equal(t, "evt-1", msgs[0]["event_id"])
	turn := msgs[0]["turn"].(map[string]any)
	assert.Equal(t, float64(3), turn["turn"])
	assert.Equal(t, "SENT", turn["status"])
}

func TestMessageStatusAllAndExplicitTurns(t *testing.T) {
	h := NewHub()
	conn := addFakeClient(h, channelAll)

	h.MessageStatus("evt-1", models.StatusEvaluated, nil)
	h.MessageStatus("evt-1", models.StatusDelivered, []int{1, 2})

	msgs := conn.payloads(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "evaluated", msgs[0]["status"])
	assert.Equal(t, "all", msgs[0]["turns"])
	assert.Equal(t, "delivered", msgs[1]["status"])
	assert.Equal(t, []any{float64(1), float64(2)}, msgs[1]["turns"])
}

func TestFailingClientIsDropped(t *testing.T) {
	h := NewHub()
	bad := addFakeClient(h, channelAll)
	bad.fail = true
	good := addFakeClient(h, channelAll)

	h.EventClosed("evt-1")

	assert.True(t, bad.closed)
	assert.Len(t, good.payloads(t), 1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Len(t, h.clients, 1)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := NewHub()
	conn := &fakeClientConn{}
	c := &client{id: "c1", conn: conn, subscriptions: map[string]bool{}, ctx: context.Background()}
	h.addClient(c)

	h.handleClientMessage(c, &clientMessage{Action: "subscribe", Channel: eventChannel("evt-1")})
	h.ToolActivity("evt-1", "lookup_service")
	require.Len(t, conn.payloads(t), 1)

	h.handleClientMessage(c, &clientMessage{Action: "unsubscribe", Channel: eventChannel("evt-1")})
	h.ToolActivity("evt-1", "lookup_service")
	assert.Len(t, conn.payloads(t), 1)
}
