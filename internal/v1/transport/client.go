// Package transport is the WebSocket edge: one Client per connection
// pumping JSON envelopes in and out, and a Hub that authenticates,
// upgrades, and attaches each connection to a room. It implements
// room.Sender so the room actor never holds a connection reference.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/metrics"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// wsConnection is the narrow surface Client needs from *websocket.Conn,
// kept as an interface so tests can fake it.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// priorityKinds are broadcast on the low-latency channel; everything
// else shares the best-effort channel.
var priorityKinds = map[schema.Kind]bool{
	schema.KindStateSync:      true,
	schema.KindFSMTransition:  true,
	schema.KindError:          true,
	schema.KindReplayResponse: true,
}

// Client represents one authenticated connection to a room.
type Client struct {
	conn     wsConnection
	RoomCode types.RoomCode
	PlayerID types.PlayerID
	Role     types.ConnectionRole

	onEnvelope func(env schema.Envelope)
	onClose    func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	send         chan []byte
	prioritySend chan []byte
}

// newClient wraps an established connection. onEnvelope is invoked from
// readPump's goroutine for every validated inbound envelope; onClose is
// invoked once, from whichever pump exits first.
func newClient(conn wsConnection, roomCode types.RoomCode, playerID types.PlayerID, role types.ConnectionRole, onEnvelope func(schema.Envelope), onClose func()) *Client {
	return &Client{
		conn:         conn,
		RoomCode:     roomCode,
		PlayerID:     playerID,
		Role:         role,
		onEnvelope:   onEnvelope,
		onClose:      onClose,
		send:         make(chan []byte, 64),
		prioritySend: make(chan []byte, 64),
	}
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// readPump decodes inbound envelopes until the connection errors or
// closes, then triggers the shared close path.
func (c *Client) readPump() {
	defer c.triggerClose()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env schema.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues("malformed").Inc()
			continue
		}
		if err := schema.Validate(&env); err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues(string(env.Type)).Inc()
			c.Send(schema.Envelope{
				Type: schema.KindError, RoomCode: string(c.RoomCode), Timestamp: time.Now(),
			}, schema.Error{Code: string(types.ErrValidationFailed), Message: err.Error()})
			continue
		}
		c.onEnvelope(env)
	}
}

// writePump serializes outbound writes to the connection, draining the
// priority channel before the best-effort one, and sends periodic pings
// to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(data) {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(data) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.GetLogger().Warn("client write failed", zap.String("player_id", string(c.PlayerID)), zap.Error(err))
		return false
	}
	return true
}

// Send marshals payload into env and enqueues it. Used by the transport
// layer for locally-originated replies (e.g. intent_result) the room
// never sees.
func (c *Client) Send(env schema.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.GetLogger().Error("failed to marshal outbound payload", zap.Error(err))
		return
	}
	env.Payload = raw
	c.sendEnvelope(env)
}

// sendEnvelope enqueues an already-built envelope, choosing the priority
// or best-effort channel by message kind. Drops rather than blocks when
// a channel is full, logging the loss. This is what room.Sender calls
// through, since the room builds its own envelopes.
func (c *Client) sendEnvelope(env schema.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.GetLogger().Error("failed to marshal outbound envelope", zap.Error(err))
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ch := c.send
	if priorityKinds[env.Type] {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		logging.GetLogger().Warn("client send channel full, dropping message",
			zap.String("player_id", string(c.PlayerID)), zap.String("kind", string(env.Type)))
	}
}

func (c *Client) triggerClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Disconnect forcibly closes the underlying connection, unblocking both
// pumps.
func (c *Client) Disconnect() {
	c.conn.Close()
}
