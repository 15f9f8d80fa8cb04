package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encounterCollab/backend/internal/collab"
)

func TestHub_BroadcastExcludesSender(t *testing.T) {
	h := NewHub(nil)
	a, _ := newTestConn("a", alice)
	b, _ := newTestConn("b", bob)
	b2, _ := newTestConn("b2", bob)
	other, _ := newTestConn("o", alice)
	for _, c := range []*Conn{a, b, b2} {
		_, _, err := h.Connect(c, "enc-1")
		require.NoError(t, err)
	}
	_, _, err := h.Connect(other, "enc-2")
	require.NoError(t, err)

	n := h.Broadcast("enc-1", newOutbound("operation_applied", "enc-1", nil), "a")
	assert.Equal(t, 2, n)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
	assert.Len(t, drain(b2), 1)
	assert.Empty(t, drain(other))
}

func TestHub_PublishRoutesSessionEvents(t *testing.T) {
	h := NewHub(nil)
	a, _ := newTestConn("a", alice)
	b, _ := newTestConn("b", bob)
	_, _, _ = h.Connect(a, "enc-1")
	_, _, _ = h.Connect(b, "enc-1")

	h.Publish(collab.Event{Type: collab.EventCursorUpdate, ResourceID: "enc-1", ExcludeConnection: "b"})
	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, collab.EventCursorUpdate, msgs[0].Type)
	assert.Equal(t, "enc-1", msgs[0].ResourceID)
	assert.Empty(t, drain(b))
}

func TestHub_SlowConnectionIsolated(t *testing.T) {
	h := NewHub(nil)
	slowT := newFakeTransport()
	slow := NewConn("slow", slowT, alice, ConnOptions{SendQueueSize: 1}, nil)
	fast, _ := newTestConn("fast", bob)
	_, _, _ = h.Connect(slow, "enc-1")
	_, _, _ = h.Connect(fast, "enc-1")

	require.NoError(t, slow.Enqueue(newOutbound("x", "enc-1", nil)))
	n := h.Broadcast("enc-1", newOutbound("operation_applied", "enc-1", nil), "")

	assert.Equal(t, 1, n)
	assert.Len(t, drain(fast), 1)
	assert.True(t, slowT.isClosed())
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection should be closed")
	}

	// 已关闭的连接再投递也不会影响其他连接
	n = h.Broadcast("enc-1", newOutbound("operation_applied", "enc-1", nil), "")
	assert.Equal(t, 1, n)
}

func TestHub_DisconnectReportsLastConnections(t *testing.T) {
	h := NewHub(nil)
	a1, _ := newTestConn("a1", alice)
	a2, _ := newTestConn("a2", alice)
	b, _ := newTestConn("b", bob)
	_, _, _ = h.Connect(a1, "enc-1")
	_, _, _ = h.Connect(a2, "enc-1")
	_, _, _ = h.Connect(b, "enc-1")

	res, ok := h.Disconnect("a1")
	require.True(t, ok)
	assert.False(t, res.LastForUser)
	assert.False(t, res.LastForResource)

	res, ok = h.Disconnect("a2")
	require.True(t, ok)
	assert.True(t, res.LastForUser)
	assert.False(t, res.LastForResource)
	assert.Equal(t, "enc-1", res.ResourceID)

	res, ok = h.Disconnect("b")
	require.True(t, ok)
	assert.True(t, res.LastForUser)
	assert.True(t, res.LastForResource)

	_, ok = h.Disconnect("b")
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.ConnectionCount("enc-1"))
	assert.Empty(t, h.UserConnections(alice.UserID))
}

func TestHub_ReconnectWithSameID(t *testing.T) {
	h := NewHub(nil)
	oldConn, oldT := newTestConn("conn-1", alice)
	_, _, _ = h.Connect(oldConn, "enc-1")

	newConn, _ := newTestConn("conn-1", alice)
	prior, moved, err := h.Connect(newConn, "enc-1")
	require.NoError(t, err)
	assert.Nil(t, moved)
	require.NotNil(t, prior)
	assert.Same(t, oldConn, prior.Conn)
	assert.False(t, prior.LastForResource)
	assert.False(t, prior.LastForUser)
	assert.True(t, oldT.isClosed())

	got, ok := h.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, newConn, got)
	assert.Equal(t, 1, h.ConnectionCount("enc-1"))

	// 旧连接的读循环退出时不会把新连接注销
	_, ok = h.Unregister(oldConn)
	assert.False(t, ok)
	assert.Equal(t, 1, h.Len())
}

func TestHub_RejectsForeignConnectionID(t *testing.T) {
	h := NewHub(nil)
	a, _ := newTestConn("conn-1", alice)
	_, _, _ = h.Connect(a, "enc-1")

	intruder, _ := newTestConn("conn-1", bob)
	_, _, err := h.Connect(intruder, "enc-1")
	assert.ErrorIs(t, err, ErrConnectionIDInUse)

	got, _ := h.Get("conn-1")
	assert.Same(t, a, got)
}

func TestHub_MoveBetweenResources(t *testing.T) {
	h := NewHub(nil)
	a, _ := newTestConn("a", alice)
	_, _, _ = h.Connect(a, "enc-1")

	prior, moved, err := h.Connect(a, "enc-2")
	require.NoError(t, err)
	assert.Nil(t, prior)
	require.NotNil(t, moved)
	assert.Equal(t, "enc-1", moved.ResourceID)
	assert.True(t, moved.LastForResource)
	assert.Equal(t, "enc-2", a.ResourceID())
	assert.Equal(t, 0, h.ConnectionCount("enc-1"))
	assert.Equal(t, 1, h.ConnectionCount("enc-2"))
}

func TestHub_SendTo(t *testing.T) {
	h := NewHub(nil)
	a, _ := newTestConn("a", alice)
	_, _, _ = h.Connect(a, "enc-1")

	require.NoError(t, h.SendTo("a", newOutbound(TypePong, "", nil)))
	assert.ErrorIs(t, h.SendTo("missing", newOutbound(TypePong, "", nil)), ErrConnectionNotFound)
	assert.Equal(t, []string{TypePong}, types(drain(a)))

	a.Close()
	assert.ErrorIs(t, h.SendTo("a", newOutbound(TypePong, "", nil)), ErrConnectionClosed)
}

func TestConn_WriteFailureClosesConnection(t *testing.T) {
	c, tr := newTestConn("a", alice)
	tr.failErr = assert.AnError
	go c.writeLoop()

	require.NoError(t, c.Enqueue(newOutbound(TypePong, "", nil)))
	select {
	case <-c.Done():
	case <-timeoutAfter():
		t.Fatal("connection should close after a failed write")
	}
	assert.ErrorIs(t, c.Enqueue(newOutbound(TypePong, "", nil)), ErrConnectionClosed)
}

func TestNewConn_GeneratesID(t *testing.T) {
	c, _ := newTestConn("", alice)
	assert.NotEmpty(t, c.ID())
	info := c.Info()
	assert.Equal(t, alice.UserID, info.UserID)
	assert.Equal(t, c.ID(), info.ConnectionID)
}
