package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/types"
)

const wsWriteWait = 10 * time.Second

// WebSocket carries messages to a remote agent over a websocket link.
// Inbound frames are surfaced through the registry as message events.
type WebSocket struct {
	agentID  string
	url      string
	registry *Registry

	mu        sync.Mutex
	conn      *websocket.Conn
	reconnect bool
	closed    bool
}

// NewWebSocket creates a websocket transport dialing url for agentID.
// Inbound messages are emitted on registry.
func NewWebSocket(agentID, url string, registry *Registry) *WebSocket {
	return &WebSocket{agentID: agentID, url: url, registry: registry}
}

func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errdefs.DeliveryFailure("transport for %s is closed", t.agentID)
	}
	if t.conn != nil && !t.reconnect {
		return nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindDeliveryFailure, err, "dial %s for agent %s", t.url, t.agentID)
	}
	t.conn = conn
	t.reconnect = false

	go t.readLoop(conn)

	log.WithAgentID(t.agentID).Debug().Str("url", t.url).Msg("websocket transport connected")
	if t.registry != nil {
		go t.registry.Emit(Event{Type: EventConnected, AgentID: t.agentID})
	}
	return nil
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.reconnect = true
			}
			closed := t.closed
			t.mu.Unlock()

			if !closed && t.registry != nil {
				t.registry.Emit(Event{Type: EventDisconnected, AgentID: t.agentID})
			}
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithAgentID(t.agentID).Warn().Err(err).Msg("dropping undecodable inbound frame")
			continue
		}
		if t.registry != nil {
			t.registry.Emit(Event{Type: EventMessage, AgentID: t.agentID, Message: &msg})
		}
	}
}

func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *WebSocket) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.reconnect && !t.closed
}

func (t *WebSocket) Send(ctx context.Context, msg *types.Message) error {
	t.mu.Lock()
	conn := t.conn
	needsDial := conn == nil || t.reconnect
	t.mu.Unlock()

	if needsDial {
		if err := t.Connect(ctx); err != nil {
			return err
		}
		t.mu.Lock()
		conn = t.conn
		t.mu.Unlock()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode message %s", msg.ID)
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn || conn == nil {
		return errdefs.DeliveryFailure("link to %s was replaced mid-send", t.agentID)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.reconnect = true
		return errdefs.Wrap(errdefs.KindDeliveryFailure, err, "write %s to agent %s", msg.ID, t.agentID)
	}
	return nil
}

// ShouldReconnect classifies network and websocket close errors as
// transient link loss.
func (t *WebSocket) ShouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsUnexpectedCloseError(err) {
		return true
	}
	var netErr net.Error
	return errdefs.IsDeliveryFailure(err) || asNetError(err, &netErr)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (t *WebSocket) MarkForReconnect() {
	t.mu.Lock()
	t.reconnect = true
	t.mu.Unlock()
}
