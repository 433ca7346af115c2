package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/darwin-ops/brain/pkg/models"
)

// channelAll carries every push message; per-event channels carry only that
// event's messages. Clients subscribe to what they render.
const channelAll = "events"

func eventChannel(eventID string) string { return "event:" + eventID }

// clientConn abstracts the WebSocket write so tests can observe sends.
type clientConn interface {
	Write(ctx context.Context, data []byte) error
	CloseNow()
}

type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsClient) Write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsClient) CloseNow() { _ = c.conn.CloseNow() }

type client struct {
	id            string
	conn          clientConn
	subscriptions map[string]bool
	ctx           context.Context
}

// Hub fans push messages out to subscribed UI connections. Implements Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	writeTimeout time.Duration
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[string]*client),
		writeTimeout: 10 * time.Second,
	}
}

// clientMessage is what UI clients send: channel subscription management.
type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// HandleConnection owns one UI connection. New clients start subscribed to
// the global channel. Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &client{
		id:            uuid.New().String(),
		conn:          &wsClient{conn: conn, writeTimeout: h.writeTimeout},
		subscriptions: map[string]bool{channelAll: true},
		ctx:           ctx,
	}
	h.addClient(c)
	defer h.removeClient(c.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid UI client message", "client_id", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *Hub) handleClientMessage(c *client, msg *clientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		c.subscriptions[msg.Channel] = true
	case "unsubscribe":
		delete(c.subscriptions, msg.Channel)
	default:
		slog.Warn("Unknown UI client action", "client_id", c.id, "action", msg.Action)
	}
}

// publish marshals once and writes to every subscriber of either channel.
// Slow or dead clients are disconnected rather than blocking the caller.
func (h *Hub) publish(eventID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal broadcast payload", "error", err)
		return
	}

	ch := eventChannel(eventID)
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscriptions[channelAll] || c.subscriptions[ch] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.conn.Write(c.ctx, data); err != nil {
			slog.Warn("Dropping slow UI client", "client_id", c.id, "error", err)
			c.conn.CloseNow()
			h.removeClient(c.id)
		}
	}
}

// TurnAppended implements Sink.
func (h *Hub) TurnAppended(eventID string, turn models.Turn) {
	h.publish(eventID, TurnPayload{Type: TypeTurn, EventID: eventID, Turn: turn})
}

// MessageStatus implements Sink. A nil turns slice broadcasts "all".
func (h *Hub) MessageStatus(eventID string, status models.MessageStatus, turns []int) {
	var t any = "all"
	if turns != nil {
		t = turns
	}
	var s string
	switch status {
	case models.StatusDelivered:
		s = "delivered"
	case models.StatusEvaluated:
		s = "evaluated"
	default:
		s = string(status)
	}
	h.publish(eventID, MessageStatusPayload{Type: TypeMessageStatus, EventID: eventID, Status: s, Turns: t})
}

// EventCreated implements Sink.
func (h *Hub) EventCreated(eventID string) {
	h.publish(eventID, EventLifecyclePayload{Type: TypeEventCreated, EventID: eventID})
}

// EventClosed implements Sink.
func (h *Hub) EventClosed(eventID string) {
	h.publish(eventID, EventLifecyclePayload{Type: TypeEventClosed, EventID: eventID})
}

// ToolActivity implements Sink.
func (h *Hub) ToolActivity(eventID, tool string) {
	h.publish(eventID, ToolActivityPayload{Type: TypeToolActivity, EventID: eventID, Tool: tool})
}
