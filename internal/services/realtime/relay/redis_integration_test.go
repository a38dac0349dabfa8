//go:build integration

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vernite/realtime/internal/platform/testutil/containers"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

func TestRedisRelayDeliversAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.NewRedisContainer(t)

	registryA, memberA, _ := newRoom(t)
	registryB, memberB, otherB := newRoom(t)
	relayA := NewRedis(rc.Client, "test", session.NewBroadcaster(registryA), nil)
	relayB := NewRedis(rc.Client, "test", session.NewBroadcaster(registryB), nil)

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return relayB.Run(groupCtx) })
	t.Cleanup(func() {
		cancel()
		_ = group.Wait()
	})

	require.Eventually(t, func() bool {
		subs, err := rc.Client.PubSubNumSub(context.Background(), relayB.Channel()).Result()
		return err == nil && subs[relayB.Channel()] == 1
	}, 5*time.Second, 20*time.Millisecond)

	report, err := relayA.Publish(context.Background(), "room-1", packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)
	require.Equal(t, 1, report.Delivered)
	require.Len(t, memberA.Frames(), 1)

	require.Eventually(t, func() bool { return len(memberB.Frames()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Empty(t, otherB.Frames())
}
