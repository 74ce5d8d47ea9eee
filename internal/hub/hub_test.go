package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func connect(t *testing.T, h *Hub, conversationID string) *Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	require.NoError(t, h.Register(conn))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.connections[conn.ID]
		return ok
	}, time.Second, time.Millisecond)
	if conversationID != "" {
		h.Bind(conn, conversationID)
	}
	return conn
}

func receive(t *testing.T, conn *Connection) map[string]any {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastReachesBoundConnections(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, "c1")
	b := connect(t, h, "c1")
	other := connect(t, h, "c2")

	assert.Equal(t, 3, h.ConnectionCount())
	assert.Equal(t, 2, h.ConversationCount())

	require.NoError(t, h.BroadcastJSON("c1", map[string]string{"type": "delta"}))
	assert.Equal(t, "delta", receive(t, a)["type"])
	assert.Equal(t, "delta", receive(t, b)["type"])

	select {
	case <-other.Send:
		t.Fatal("message leaked to another conversation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRebindMovesConnection(t *testing.T) {
	h, _ := startHub(t)
	conn := connect(t, h, "c1")
	h.Bind(conn, "c2")

	assert.False(t, h.HasActiveConnections("c1"))
	assert.True(t, h.HasActiveConnections("c2"))
	assert.Equal(t, "c2", conn.ConversationID)
}

func TestNotify(t *testing.T) {
	h, _ := startHub(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.Notify(ctx, "c1", "hello"), ErrNotConnected)

	conn := connect(t, h, "c1")
	require.NoError(t, h.Notify(ctx, "c1", "hello"))
	msg := receive(t, conn)
	assert.Equal(t, TypeMessage, msg["type"])
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "hello", msg["content"])
}

func TestUnregisterClosesSend(t *testing.T) {
	h, _ := startHub(t)
	conn := connect(t, h, "c1")

	h.Unregister(conn)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, time.Second, time.Millisecond)
	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.False(t, h.HasActiveConnections("c1"))
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h, _ := startHub(t)
	conn := connect(t, h, "c1")

	for i := 0; i <= sendBuffer; i++ {
		require.NoError(t, h.Broadcast("c1", []byte(`{}`)))
	}
	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, time.Second, time.Millisecond)
	for range conn.Send {
	}
	assert.False(t, h.HasActiveConnections("c1"))
}

func TestStoppedHub(t *testing.T) {
	h, cancel := startHub(t)
	conn := connect(t, h, "c1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-conn.Send:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.Register(h.NewConnection(nil)), ErrStopped)
	assert.ErrorIs(t, h.Broadcast("c1", []byte(`{}`)), ErrStopped)
}

func TestSendJSON(t *testing.T) {
	h, _ := startHub(t)
	conn := connect(t, h, "")
	require.NoError(t, h.SendJSON(conn, NewBase(TypeHelloAck, "c9")))
	msg := receive(t, conn)
	assert.Equal(t, TypeHelloAck, msg["type"])
	assert.Equal(t, "c9", msg["conversation_id"])

	assert.ErrorIs(t, h.SendJSON(h.NewConnection(nil), map[string]string{}), ErrNotConnected)
}
