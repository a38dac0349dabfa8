package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
	"github.com/vernite/realtime/internal/services/realtime/session/sessiontest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRoom(t *testing.T) (*session.Registry, *sessiontest.Conn, *sessiontest.Conn) {
	t.Helper()
	registry := session.NewRegistry()
	member, memberConn := sessiontest.NewSession("user-1")
	other, otherConn := sessiontest.NewSession("user-2")
	member.Join("room-1")
	require.NoError(t, registry.Add(member))
	require.NoError(t, registry.Add(other))
	return registry, memberConn, otherConn
}

func TestLocalPublishTargetsRoom(t *testing.T) {
	registry, memberConn, otherConn := newRoom(t)
	relay := NewLocal(session.NewBroadcaster(registry))

	report, err := relay.Publish(context.Background(), "room-1", packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, memberConn.Frames(), 1)
	assert.Empty(t, otherConn.Frames())
}

func TestLocalPublishEmptyRoomTargetsEveryone(t *testing.T) {
	registry, memberConn, otherConn := newRoom(t)
	relay := NewLocal(session.NewBroadcaster(registry))

	report, err := relay.Publish(context.Background(), "", packet.Frame{Type: packet.TypeEntityChanged})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, memberConn.Frames(), 1)
	assert.Len(t, otherConn.Frames(), 1)
}

func TestRedisDeliverSkipsOwnEnvelopes(t *testing.T) {
	registry, memberConn, _ := newRoom(t)
	received := 0
	relay := NewRedis(nil, "", session.NewBroadcaster(registry), nil, WithReceiveHook(func() { received++ }))
	assert.Equal(t, "vernite:realtime:broadcast", relay.Channel())

	own, err := json.Marshal(envelope{Origin: relay.instanceID, Room: "room-1", Frame: packet.Frame{Type: packet.TypeMessage}})
	require.NoError(t, err)
	relay.deliver(context.Background(), string(own))
	assert.Empty(t, memberConn.Frames())

	remote, err := json.Marshal(envelope{Origin: "other-instance", Room: "room-1", Frame: packet.Frame{Type: packet.TypeMessage}})
	require.NoError(t, err)
	relay.deliver(context.Background(), string(remote))
	assert.Len(t, memberConn.Frames(), 1)
	assert.Equal(t, 1, received)

	relay.deliver(context.Background(), "{garbage")
	assert.Len(t, memberConn.Frames(), 1)
}

func TestLocalRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewLocal(nil).Run(ctx))
}
