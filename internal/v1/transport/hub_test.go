package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/plugin/pingpong"
	"github.com/partyhall/roomengine/internal/v1/room"
	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/types"
)

func TestValidateOrigin_EmptyOriginIsAllowed(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/ABCD", nil)
	assert.NoError(t, validateOrigin(req, []string{"http://localhost:3000"}))
}

func TestValidateOrigin_MatchingSchemeAndHostIsAllowed(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/ABCD", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.NoError(t, validateOrigin(req, []string{"http://localhost:3000"}))
}

func TestValidateOrigin_UnlistedOriginIsRejected(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/ABCD", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	assert.Error(t, validateOrigin(req, []string{"http://localhost:3000"}))
}

func TestExtractToken_PrefersQueryParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/ABCD?token=qtok", nil)

	tok, err := extractToken(c)
	require.NoError(t, err)
	assert.Equal(t, "qtok", tok)
}

func TestExtractToken_FallsBackToSecWebSocketProtocol(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/ABCD", nil)
	c.Request.Header.Set("Sec-WebSocket-Protocol", "access_token, htok")

	tok, err := extractToken(c)
	require.NoError(t, err)
	assert.Equal(t, "htok", tok)
}

func TestExtractToken_MissingEverythingErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/ABCD", nil)

	_, err := extractToken(c)
	assert.Error(t, err)
}

func newDispatchRoom(t *testing.T) *room.Room {
	t.Helper()
	reg := plugin.NewRegistry()
	reg.Register(types.GameType("pingpong"), pingpong.New)
	r := room.New("ABCD", "host1", time.Hour, types.Settings{MaxPlayers: 8}, room.Deps{
		Plugins: reg, Sender: noopRoomSender{}, AckTimeout: time.Hour, SyncHz: 1000,
	})
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	require.NoError(t, waitJoin(r, "host1"))
	require.NoError(t, waitJoin(r, "p2"))
	return r
}

func waitJoin(r *room.Room, id types.PlayerID) error {
	return <-r.Join(types.Player{ID: id})
}

type noopRoomSender struct{}

func (noopRoomSender) SendTo(types.PlayerID, schema.Envelope) error { return nil }
func (noopRoomSender) Broadcast([]types.PlayerID, schema.Envelope)  {}

func TestHub_HandleIntentRejectsHostActionFromNonHostRole(t *testing.T) {
	r := newDispatchRoom(t)
	h := NewHub(nil, nil, nil, nil, true)

	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p2", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})
	go c.writePump()

	h.handleIntent(r, c, schema.Intent{ID: "i1", Action: "start_game", Data: map[string]any{"gameType": "pingpong"}})

	assert.Eventually(t, func() bool { return conn.writtenCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_HandleIntentAllowsHostActionFromHostControlRole(t *testing.T) {
	r := newDispatchRoom(t)
	h := NewHub(nil, nil, nil, nil, true)

	conn := newFakeConn()
	c := newClient(conn, "ABCD", "host1", types.ConnectionRoleHostControl, func(schema.Envelope) {}, func() {})
	go c.writePump()

	h.handleIntent(r, c, schema.Intent{ID: "i1", Action: "start_game", Data: map[string]any{"gameType": "pingpong"}})

	assert.Eventually(t, func() bool { return r.Version() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_HandleIntentRoutesOrdinaryActionThroughSubmitIntent(t *testing.T) {
	r := newDispatchRoom(t)
	require.NoError(t, r.StartGame("host1", types.GameType("pingpong")))
	h := NewHub(nil, nil, nil, nil, true)

	conn := newFakeConn()
	c := newClient(conn, "ABCD", "host1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})
	go c.writePump()

	h.handleIntent(r, c, schema.Intent{ID: "i1", Action: "serve"})

	assert.Eventually(t, func() bool { return conn.writtenCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_SenderForSendToUnknownPlayerErrors(t *testing.T) {
	h := NewHub(nil, nil, nil, nil, true)
	sender := h.SenderFor("ABCD")
	err := sender.SendTo("ghost", schema.Envelope{Type: schema.KindStateSync})
	assert.Error(t, err)
}

func TestHub_SenderForBroadcastReachesRegisteredClients(t *testing.T) {
	h := NewHub(nil, nil, nil, nil, true)
	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})
	go c.writePump()

	h.mu.Lock()
	h.clients[clientKey{room: "ABCD", player: "p1"}] = c
	h.mu.Unlock()

	sender := h.SenderFor("ABCD")
	sender.Broadcast([]types.PlayerID{"p1", "ghost"}, schema.Envelope{Type: schema.KindStateSync, Timestamp: time.Now()})

	assert.Eventually(t, func() bool { return conn.writtenCount() > 0 }, time.Second, 5*time.Millisecond)
}
