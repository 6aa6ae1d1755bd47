package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(userID uint) *Client {
	return &Client{UserID: userID, send: make(chan []byte, 4)}
}

func waitForPayload(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(time.Second):
		t.Fatal("等待投递超时")
		return nil
	}
}

func TestHub_DeliverToUserRoutesToRightClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	alice := newTestClient(1)
	bob := newTestClient(2)
	hub.register <- alice
	hub.register <- bob

	hub.DeliverToUser(2, []byte("给 bob 的"))
	require.Equal(t, []byte("给 bob 的"), waitForPayload(t, bob.send))

	select {
	case payload := <-alice.send:
		t.Fatalf("alice 不应收到负载: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DeliverToUnknownUserIsNoop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// 没有任何注册的客户端，投递静默丢弃
	hub.DeliverToUser(99, []byte("没人收"))

	alice := newTestClient(1)
	hub.register <- alice
	hub.DeliverToUser(1, []byte("有人收"))
	require.Equal(t, []byte("有人收"), waitForPayload(t, alice.send))
}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	alice := newTestClient(1)
	bob := newTestClient(2)
	hub.register <- alice
	hub.register <- bob

	hub.Broadcast([]byte("全体消息"))
	require.Equal(t, []byte("全体消息"), waitForPayload(t, alice.send))
	require.Equal(t, []byte("全体消息"), waitForPayload(t, bob.send))
}

func TestHub_NewConnectionReplacesOld(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	old := newTestClient(1)
	hub.register <- old

	replacement := newTestClient(1)
	hub.register <- replacement

	// 旧连接的发送通道被关闭
	_, ok := <-old.send
	require.False(t, ok)

	hub.DeliverToUser(1, []byte("新连接收"))
	require.Equal(t, []byte("新连接收"), waitForPayload(t, replacement.send))

	// 旧连接迟到的注销不影响新连接
	hub.unregister <- old
	hub.DeliverToUser(1, []byte("还能收"))
	require.Equal(t, []byte("还能收"), waitForPayload(t, replacement.send))
}
