package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
	"github.com/vernite/realtime/internal/services/realtime/session/sessiontest"
)

func TestBroadcastContinuesPastFailures(t *testing.T) {
	r := session.NewRegistry()
	healthy, healthyConn := sessiontest.NewSession("user-1")
	broken, brokenConn := sessiontest.NewSession("user-2")
	closed, closedConn := sessiontest.NewSession("user-3")
	brokenConn.Fail(errors.New("reset by peer"))
	require.NoError(t, closed.Close())
	for _, s := range []*session.Session{healthy, broken, closed} {
		require.NoError(t, r.Add(s))
	}

	var observed session.Report
	b := session.NewBroadcaster(r, session.WithConcurrency(2), session.WithObserver(func(rep session.Report) { observed = rep }))
	report, err := b.Broadcast(context.Background(), session.All(), packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Targeted)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, broken.ID(), report.Failures[0].SessionID)
	assert.Equal(t, "user-2", report.Failures[0].UserID)
	assert.Equal(t, report, observed)

	assert.Len(t, healthyConn.Writes(), 1)
	assert.Empty(t, closedConn.Writes())
	assert.True(t, broken.Closed())
}

func TestBroadcastRespectsPredicate(t *testing.T) {
	r := session.NewRegistry()
	in, inConn := sessiontest.NewSession("user-1")
	out, outConn := sessiontest.NewSession("user-2")
	in.Join("room-1")
	require.NoError(t, r.Add(in))
	require.NoError(t, r.Add(out))

	report, err := session.NewBroadcaster(r).Broadcast(context.Background(), session.InRoom("room-1"), packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, inConn.Writes(), 1)
	assert.Empty(t, outConn.Writes())
}

func TestSendToUserReachesEverySessionOfUser(t *testing.T) {
	r := session.NewRegistry()
	a, aConn := sessiontest.NewSession("user-1")
	b, bConn := sessiontest.NewSession("user-1")
	c, cConn := sessiontest.NewSession("user-2")
	for _, s := range []*session.Session{a, b, c} {
		require.NoError(t, r.Add(s))
	}

	report, err := session.NewBroadcaster(r).SendToUser(context.Background(), "user-1", packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, aConn.Writes(), 1)
	assert.Len(t, bConn.Writes(), 1)
	assert.Empty(t, cConn.Writes())
}

func TestBroadcastToEmptyRegistry(t *testing.T) {
	report, err := session.NewBroadcaster(session.NewRegistry()).Broadcast(context.Background(), session.All(), packet.Frame{Type: packet.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, session.Report{}, report)
}
