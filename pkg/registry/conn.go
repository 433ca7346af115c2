package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// registerTimeout bounds how long a freshly accepted connection may take to
// send its register message before being dropped.
const registerTimeout = 10 * time.Second

// wsConn adapts a coder/websocket connection to AgentConn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) {
	_ = c.conn.Close(websocket.StatusNormalClosure, reason)
}

// HandleConnection owns one worker connection from upgrade to close. The
// first message must be a register; afterwards the read loop routes task
// messages onto the bridge until the connection drops. Blocks until the
// connection closes.
func (r *Registry) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	ac := &wsConn{conn: conn, writeTimeout: r.writeTO}

	entry, ok := r.awaitRegister(ctx, conn)
	if !ok {
		ac.Close("registration required")
		return
	}
	r.Register(entry, ac)
	defer r.unregisterIfCurrent(entry)

	log := slog.With("agent_id", entry.AgentID, "role", entry.Role)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("Agent connection closed", "error", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Invalid agent message", "error", err)
			continue
		}

		if msg.Type == TypePing {
			if err := ac.WriteJSON(ctx, &Message{Type: TypePong}); err != nil {
				log.Warn("Failed to answer ping", "error", err)
			}
			continue
		}
		r.HandleMessage(entry.AgentID, &msg)
	}
}

// awaitRegister reads the initial register message.
func (r *Registry) awaitRegister(ctx context.Context, conn *websocket.Conn) (*Entry, bool) {
	readCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		slog.Warn("Agent connection dropped before registering", "error", err)
		return nil, false
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeRegister || msg.AgentID == "" || msg.Role == "" {
		slog.Warn("Agent sent invalid register message")
		return nil, false
	}
	return &Entry{
		AgentID: msg.AgentID,
		Role:    msg.Role,
		CLI:     msg.CLI,
		Model:   msg.Model,
		Caps:    msg.Capabilities,
	}, true
}

// unregisterIfCurrent removes the entry only if it is still the one in the
// table. A reconnect under the same agent ID replaces the entry; the old
// connection's deferred cleanup must not tear down the new registration.
func (r *Registry) unregisterIfCurrent(e *Entry) {
	r.mu.Lock()
	current, ok := r.agents[e.AgentID]
	if !ok || current != e {
		r.mu.Unlock()
		return
	}
	delete(r.agents, e.AgentID)
	r.mu.Unlock()

	r.evict(e, "connection closed")
	slog.Info("Agent unregistered", "agent_id", e.AgentID, "role", e.Role)
}
