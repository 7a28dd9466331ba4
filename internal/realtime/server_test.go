package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []any
	failNext bool
	closed   bool
}

func (f *fakeSender) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("connection reset")
	}
	f.messages = append(f.messages, v)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.messages...)
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestBroadcastReachesOnlySubscribedRoom(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	inRoom := &fakeSender{}
	outOfRoom := &fakeSender{}
	server.register("c1", "user_a", inRoom)
	server.register("c2", "user_b", outOfRoom)
	server.Subscribe("c1", "board_1")
	server.Subscribe("c2", "board_2")

	server.BroadcastToRoom("board_1", map[string]any{"eventType": "board.updated"})

	require.Len(t, inRoom.received(), 1)
	assert.Empty(t, outOfRoom.received())

	message, ok := inRoom.received()[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "update", message["type"])
	assert.Equal(t, "board_1", message["boardId"])
}

func TestSubscribeMovesClientBetweenRooms(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	conn := &fakeSender{}
	server.register("c1", "user_a", conn)
	server.Subscribe("c1", "board_1")
	server.Subscribe("c1", "board_2")

	stats := server.Stats()
	assert.NotContains(t, stats, "board_1", "old room should be removed when emptied")
	assert.Equal(t, 1, stats["board_2"])

	server.BroadcastToRoom("board_1", "stale")
	assert.Empty(t, conn.received(), "client must not receive events from the room it left")
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	conn := &fakeSender{}
	server.register("c1", "user_a", conn)
	server.Subscribe("c1", "board_1")
	server.Unsubscribe("c1", "board_1")

	assert.Empty(t, server.Stats())
}

func TestDeadClientIsEvictedOnBroadcast(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	dead := &fakeSender{failNext: true}
	live := &fakeSender{}
	server.register("c1", "user_a", dead)
	server.register("c2", "user_b", live)
	server.Subscribe("c1", "board_1")
	server.Subscribe("c2", "board_1")

	server.BroadcastToRoom("board_1", "event")

	assert.Equal(t, 1, server.ClientCount())
	assert.True(t, dead.isClosed())
	assert.Equal(t, 1, server.Stats()["board_1"])
	assert.Len(t, live.received(), 1)
}

func TestUnregisterCleansRoomMembership(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	conn := &fakeSender{}
	server.register("c1", "user_a", conn)
	server.Subscribe("c1", "board_1")
	server.unregister("c1")

	assert.Zero(t, server.ClientCount())
	assert.Empty(t, server.Stats())
	assert.True(t, conn.isClosed())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	first := &fakeSender{}
	second := &fakeSender{}
	server.register("c1", "user_a", first)
	server.register("c2", "user_b", second)
	server.Subscribe("c1", "board_1")

	server.Broadcast("shutdown")

	assert.Len(t, first.received(), 1)
	assert.Len(t, second.received(), 1)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	server := NewServer(ServerOptions{})

	first := &fakeSender{}
	second := &fakeSender{}
	server.register("c1", "user_a", first)
	server.register("c2", "user_b", second)

	server.Close()

	assert.Zero(t, server.ClientCount())
	assert.True(t, first.isClosed())
	assert.True(t, second.isClosed())
}

func TestSubscribeUnknownClientIsNoOp(t *testing.T) {
	server := NewServer(ServerOptions{})
	defer server.Close()

	server.Subscribe("ghost", "board_1")
	assert.Empty(t, server.Stats())
}
