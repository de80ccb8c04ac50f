package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyhall/roomengine/internal/v1/schema"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// fakeConn is an in-memory wsConnection double, letting tests drive
// readPump/writePump without a real socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	closed   bool
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, assert.AnError
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestClient_ReadPumpDeliversValidEnvelopeToOnEnvelope(t *testing.T) {
	conn := newFakeConn()
	var received schema.Envelope
	done := make(chan struct{})
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(env schema.Envelope) {
		received = env
		close(done)
	}, func() {})

	env := schema.Envelope{Type: schema.KindAck, Timestamp: time.Now(), Payload: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(env)
	conn.inbound <- raw

	go c.readPump()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onEnvelope was never called")
	}
	assert.Equal(t, schema.KindAck, received.Type)
}

func TestClient_ReadPumpRejectsInvalidEnvelopeWithErrorReply(t *testing.T) {
	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {
		t.Fatal("onEnvelope must not be called for an invalid envelope")
	}, func() {})

	go c.writePump()
	env := schema.Envelope{Type: "bogus", Timestamp: time.Now()}
	raw, _ := json.Marshal(env)
	conn.inbound <- raw

	go c.readPump()

	assert.Eventually(t, func() bool { return conn.writtenCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestClient_ReadPumpTriggersOnCloseWhenConnectionErrors(t *testing.T) {
	conn := newFakeConn()
	closed := make(chan struct{})
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() { close(closed) })

	go c.readPump()
	conn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose was never invoked")
	}
}

func TestClient_SendEnvelopeRoutesByPriorityKind(t *testing.T) {
	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})

	c.sendEnvelope(schema.Envelope{Type: schema.KindStateSync, Timestamp: time.Now()})
	c.sendEnvelope(schema.Envelope{Type: schema.KindIntentResult, Timestamp: time.Now()})

	assert.Len(t, c.prioritySend, 1)
	assert.Len(t, c.send, 1)
}

func TestClient_SendEnvelopeDropsAfterClose(t *testing.T) {
	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})
	c.triggerClose()

	c.sendEnvelope(schema.Envelope{Type: schema.KindStateSync, Timestamp: time.Now()})
	assert.Len(t, c.prioritySend, 0)
}

func TestClient_SendMarshalsPayloadIntoEnvelope(t *testing.T) {
	conn := newFakeConn()
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() {})

	c.Send(schema.Envelope{Type: schema.KindIntentResult, Timestamp: time.Now()}, schema.IntentResult{IntentID: "i1"})

	select {
	case data := <-c.send:
		var env schema.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		var res schema.IntentResult
		require.NoError(t, json.Unmarshal(env.Payload, &res))
		assert.Equal(t, "i1", res.IntentID)
	default:
		t.Fatal("expected a queued send")
	}
}

func TestClient_TriggerCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	calls := 0
	c := newClient(conn, "ABCD", "p1", types.ConnectionRolePlayer, func(schema.Envelope) {}, func() { calls++ })

	c.triggerClose()
	c.triggerClose()
	assert.Equal(t, 1, calls)
}
