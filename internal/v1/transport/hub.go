package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/metrics"
	"github.com/partyhall/roomengine/internal/v1/ratelimit"
	"github.com/partyhall/roomengine/internal/v1/registry"
	"github.com/partyhall/roomengine/internal/v1/room"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/security"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// hostActions are intent actions intercepted by the transport layer and
// routed directly to a Room's lifecycle methods instead of the plugin
// pipeline.
var hostActions = map[string]bool{
	"start_game": true, "end_round": true, "show_scoreboard": true,
	"next_round": true, "end_game": true, "return_to_lobby": true,
	"pause": true, "resume": true,
}

type clientKey struct {
	room   types.RoomCode
	player types.PlayerID
}

// Hub authenticates and upgrades inbound WebSocket connections, attaches
// them to a room, and implements room.Sender so rooms never hold a
// connection reference directly. Grounded on the teacher's Hub, with the
// protobuf frame format swapped for JSON envelopes.
type Hub struct {
	mu       sync.RWMutex
	clients  map[clientKey]*Client
	registry *registry.Registry

	validator      types.TokenValidator
	limiter        *ratelimit.Limiter
	security       security.Sink
	allowedOrigins []string
	devMode        bool
}

// NewHub builds a Hub. SetRegistry must be called once the registry
// exists, since the registry's RoomDeps closure in turn needs a Sender
// scoped by this Hub.
func NewHub(validator types.TokenValidator, limiter *ratelimit.Limiter, sec security.Sink, allowedOrigins []string, devMode bool) *Hub {
	return &Hub{
		clients:        make(map[clientKey]*Client),
		validator:      validator,
		limiter:        limiter,
		security:       sec,
		allowedOrigins: allowedOrigins,
		devMode:        devMode,
	}
}

// SetRegistry wires the dispatcher the Hub routes connections through.
func (h *Hub) SetRegistry(reg *registry.Registry) {
	h.registry = reg
}

// SenderFor returns a room.Sender scoped to one room code, handed to
// room.Deps when the registry constructs that room.
func (h *Hub) SenderFor(code types.RoomCode) room.Sender {
	return roomSender{hub: h, code: code}
}

type roomSender struct {
	hub  *Hub
	code types.RoomCode
}

func (s roomSender) SendTo(playerID types.PlayerID, env schema.Envelope) error {
	h := s.hub
	h.mu.RLock()
	c, ok := h.clients[clientKey{room: s.code, player: playerID}]
	h.mu.RUnlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "player has no active connection")
	}
	c.sendEnvelope(env)
	return nil
}

func (s roomSender) Broadcast(playerIDs []types.PlayerID, env schema.Envelope) {
	h := s.hub
	h.mu.RLock()
	targets := make([]*Client, 0, len(playerIDs))
	for _, id := range playerIDs {
		if c, ok := h.clients[clientKey{room: s.code, player: id}]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.sendEnvelope(env)
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
}

// ServeWs authenticates a connection request and upgrades it, then
// blocks for the connection's lifetime running its read pump.
func (h *Hub) ServeWs(c *gin.Context) {
	roomCode := types.RoomCode(strings.ToUpper(c.Param("roomCode")))

	token, err := extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	r, ok := h.registry.Get(roomCode)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	if h.limiter != nil && !h.devMode {
		dec, err := h.limiter.Check(c.Request.Context(), claims.Subject, string(roomCode), "connect")
		if err == nil && !dec.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.GetLogger().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	playerID := types.PlayerID(claims.Subject)
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	if err := <-r.Join(types.Player{ID: playerID, Name: name}); err != nil {
		conn.WriteMessage(websocket.CloseMessage, []byte(err.Error()))
		conn.Close()
		return
	}
	h.registry.CancelPendingCleanup(roomCode)
	metrics.RoomPlayers.WithLabelValues(string(roomCode)).Inc()

	var cl *Client
	cl = newClient(conn, roomCode, playerID, claims.Role,
		func(env schema.Envelope) { h.dispatch(r, cl, env) },
		func() { h.onClientClose(r, roomCode, playerID) },
	)

	h.mu.Lock()
	h.clients[clientKey{room: roomCode, player: playerID}] = cl
	h.mu.Unlock()

	go cl.writePump()
	cl.readPump()
}

func (h *Hub) onClientClose(r *room.Room, roomCode types.RoomCode, playerID types.PlayerID) {
	h.mu.Lock()
	delete(h.clients, clientKey{room: roomCode, player: playerID})
	h.mu.Unlock()

	r.Leave(playerID)
	metrics.RoomPlayers.WithLabelValues(string(roomCode)).Dec()
	if r.IsEmpty() {
		h.registry.NotifyEmpty(roomCode)
	}
}

// dispatch routes one validated inbound envelope to the room, recording
// validation failures against the security sink rather than trusting
// the client's own error handling.
func (h *Hub) dispatch(r *room.Room, c *Client, env schema.Envelope) {
	switch env.Type {
	case schema.KindIntent:
		var wire schema.Intent
		if err := unmarshalPayload(env, &wire); err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues("intent").Inc()
			h.logSecurity(c, security.SeverityLow, "validation_failure", map[string]any{"kind": string(env.Type), "error": err.Error()})
			return
		}
		h.handleIntent(r, c, wire)
	case schema.KindAck:
		var wire schema.Ack
		if err := unmarshalPayload(env, &wire); err != nil {
			h.logSecurity(c, security.SeverityLow, "validation_failure", map[string]any{"kind": string(env.Type), "error": err.Error()})
			return
		}
		var sentAt *time.Time
		if wire.ClientTimestamp != nil {
			t := time.UnixMilli(*wire.ClientTimestamp)
			sentAt = &t
		}
		r.HandleAck(c.PlayerID, wire.Version, sentAt)
	case schema.KindReplayRequest:
		var wire schema.ReplayRequest
		if err := unmarshalPayload(env, &wire); err != nil {
			h.logSecurity(c, security.SeverityLow, "validation_failure", map[string]any{"kind": string(env.Type), "error": err.Error()})
			return
		}
		r.HandleReplayRequest(c.PlayerID, wire)
	default:
		metrics.ValidationFailuresTotal.WithLabelValues(string(env.Type)).Inc()
		h.logSecurity(c, security.SeverityLow, "validation_failure", map[string]any{"kind": string(env.Type)})
	}
}

func (h *Hub) handleIntent(r *room.Room, c *Client, wire schema.Intent) {
	if c.Role != types.ConnectionRoleHostControl && hostActions[wire.Action] {
		h.logSecurity(c, security.SeverityHigh, "unauthorized_host_action", map[string]any{"action": wire.Action})
		c.Send(schema.Envelope{Type: schema.KindIntentResult, RoomCode: string(c.RoomCode), Timestamp: time.Now()},
			schema.IntentResult{Success: false, IntentID: wire.ID, Error: string(types.ErrUnauthorized) + ": host-control role required"})
		return
	}

	if hostActions[wire.Action] {
		err := h.runHostAction(r, c.PlayerID, wire)
		result := schema.IntentResult{Success: err == nil, IntentID: wire.ID}
		if err != nil {
			result.Error = err.Error()
		}
		c.Send(schema.Envelope{Type: schema.KindIntentResult, RoomCode: string(c.RoomCode), Timestamp: time.Now()}, result)
		return
	}

	if h.limiter != nil && !h.devMode {
		dec, err := h.limiter.Check(context.Background(), string(c.PlayerID), string(c.RoomCode), wire.Action)
		if err == nil && !dec.Allowed {
			h.logSecurity(c, security.SeverityMedium, "rate_limited", map[string]any{"action": wire.Action, "tier": dec.Tier})
			c.Send(schema.Envelope{Type: schema.KindIntentResult, RoomCode: string(c.RoomCode), Timestamp: time.Now()},
				schema.IntentResult{Success: false, IntentID: wire.ID, Error: string(types.ErrRateLimited)})
			return
		}
	}

	it := types.Intent{
		ID: wire.ID, Type: "intent", PlayerID: c.PlayerID, RoomCode: c.RoomCode,
		Action: wire.Action, Data: wire.Data, Timestamp: time.Now(), Version: wire.Version,
		Status: types.IntentStatusPending, IdemKey: wire.IdemKey,
	}
	r.SubmitIntent(it, func(result types.IntentResult) {
		c.Send(schema.Envelope{Type: schema.KindIntentResult, RoomCode: string(c.RoomCode), Timestamp: time.Now()}, result)
	})
}

func (h *Hub) runHostAction(r *room.Room, hostID types.PlayerID, wire schema.Intent) error {
	switch wire.Action {
	case "start_game":
		gameType, _ := wire.Data["gameType"].(string)
		return r.StartGame(hostID, types.GameType(gameType))
	case "end_round":
		return r.EndRound(hostID)
	case "show_scoreboard":
		return r.ShowScoreboard(hostID)
	case "next_round":
		return r.NextRound(hostID)
	case "end_game":
		return r.EndGame(hostID)
	case "return_to_lobby":
		return r.ReturnToLobby(hostID)
	case "pause":
		return r.Pause(hostID)
	case "resume":
		return r.Resume(hostID)
	default:
		return types.NewError(types.ErrValidationFailed, "unknown host action")
	}
}

func (h *Hub) logSecurity(c *Client, sev security.Severity, action string, payload map[string]any) {
	if h.security == nil {
		return
	}
	h.security.Record(security.Event{
		At: time.Now(), Severity: sev, RoomCode: string(c.RoomCode),
		ActorID: string(c.PlayerID), Action: action, Payload: payload,
	})
}

func unmarshalPayload(env schema.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return err
	}
	return schema.Validate(dst)
}

func extractToken(c *gin.Context) (string, error) {
	if v := c.Query("token"); v != "" {
		return v, nil
	}
	header := c.GetHeader("Sec-WebSocket-Protocol")
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(p)
		if p != "" && p != "access_token" {
			return p, nil
		}
	}
	return "", fmt.Errorf("token not provided")
}

func validateOrigin(r *http.Request, allowed []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
