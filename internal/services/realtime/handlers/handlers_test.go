package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/requestctx"
	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/relay"
	"github.com/vernite/realtime/internal/services/realtime/session"
	"github.com/vernite/realtime/internal/services/realtime/session/sessiontest"
)

type fixture struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
}

type staticAuthorizer struct {
	allowed bool
	err     error
}

func (a staticAuthorizer) CanJoin(context.Context, string, string) (bool, error) {
	return a.allowed, a.err
}

func newFixture(t *testing.T, authorizer RoomAuthorizer) *fixture {
	t.Helper()
	registry := session.NewRegistry()
	handlers := dispatch.NewRegistry()
	require.NoError(t, Register(handlers, Deps{
		Publisher:  relay.NewLocal(session.NewBroadcaster(registry)),
		Authorizer: authorizer,
	}))
	return &fixture{registry: registry, dispatcher: dispatch.New(handlers, dispatch.Config{})}
}

func (f *fixture) connect(t *testing.T, userID string, rooms ...string) (*session.Session, *sessiontest.Conn) {
	t.Helper()
	s, conn := sessiontest.NewSession(userID)
	for _, room := range rooms {
		s.Join(room)
	}
	require.NoError(t, f.registry.Add(s))
	return s, conn
}

func (f *fixture) send(ctx context.Context, s *session.Session, raw string) error {
	return f.dispatcher.Dispatch(ctx, s, []byte(raw))
}

func lastAck(t *testing.T, conn *sessiontest.Conn) packet.AckPayload {
	t.Helper()
	frame, ok := conn.Last()
	require.True(t, ok)
	require.Equal(t, packet.TypeAck, frame.Type, string(frame.Payload))
	ack, err := sessiontest.DecodePayload[packet.AckPayload](frame)
	require.NoError(t, err)
	return ack
}

func lastErrorCode(t *testing.T, conn *sessiontest.Conn) apperrors.Code {
	t.Helper()
	frame, ok := conn.Last()
	require.True(t, ok)
	require.Equal(t, packet.TypeError, frame.Type)
	payload, err := sessiontest.DecodePayload[packet.ErrorPayload](frame)
	require.NoError(t, err)
	return payload.Code
}

func TestKeepAliveEchoesID(t *testing.T) {
	f := newFixture(t, nil)
	s, conn := f.connect(t, "user-1")

	require.NoError(t, f.send(context.Background(), s, `{"type":"keep_alive","request_id":"k1","payload":{"id":99}}`))
	frame, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, packet.TypeKeepAlive, frame.Type)
	assert.Equal(t, "k1", frame.RequestID)
	payload, err := sessiontest.DecodePayload[packet.KeepAlivePayload](frame)
	require.NoError(t, err)
	assert.Equal(t, int64(99), payload.ID)
}

func TestSendMessageBroadcastsToRoomAndAcks(t *testing.T) {
	f := newFixture(t, nil)
	sender, senderConn := f.connect(t, "user-1", "room-1")
	_, peerConn := f.connect(t, "user-2", "room-1")
	_, outsiderConn := f.connect(t, "user-3", "room-2")

	err := f.send(context.Background(), sender, `{"type":"send_message","request_id":"m1","payload":{"room":"room-1","client_message_id":"c1","body":"  hello  "}}`)
	require.NoError(t, err)

	ack := lastAck(t, senderConn)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, 2, ack.Delivered)
	assert.NotEmpty(t, ack.MessageID)

	frames := peerConn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, packet.TypeMessage, frames[0].Type)
	assert.Equal(t, "room-1", frames[0].Room)
	msg, err := sessiontest.DecodePayload[packet.MessagePayload](frames[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, ack.MessageID, msg.MessageID)
	assert.Empty(t, outsiderConn.Frames())
}

func TestSendMessageDuplicateClientIDIsNotRebroadcast(t *testing.T) {
	f := newFixture(t, nil)
	sender, senderConn := f.connect(t, "user-1", "room-1")
	_, peerConn := f.connect(t, "user-2", "room-1")
	raw := `{"type":"send_message","payload":{"room":"room-1","client_message_id":"c1","body":"hi"}}`

	require.NoError(t, f.send(context.Background(), sender, raw))
	first := lastAck(t, senderConn)
	require.NoError(t, f.send(context.Background(), sender, raw))
	second := lastAck(t, senderConn)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Len(t, peerConn.Frames(), 1)
}

type flakyPublisher struct {
	RoomPublisher
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error) {
	if p.failures > 0 {
		p.failures--
		return session.Report{}, errors.New("redis: connection refused")
	}
	return p.RoomPublisher.Publish(ctx, room, frame)
}

func TestSendMessageRetryAfterRelayFailureIsDelivered(t *testing.T) {
	registry := session.NewRegistry()
	handlers := dispatch.NewRegistry()
	publisher := &flakyPublisher{RoomPublisher: relay.NewLocal(session.NewBroadcaster(registry)), failures: 1}
	require.NoError(t, Register(handlers, Deps{Publisher: publisher}))
	f := &fixture{registry: registry, dispatcher: dispatch.New(handlers, dispatch.Config{})}
	sender, senderConn := f.connect(t, "user-1", "room-1")
	_, peerConn := f.connect(t, "user-2", "room-1")
	raw := `{"type":"send_message","payload":{"room":"room-1","client_message_id":"c1","body":"hi"}}`

	require.Error(t, f.send(context.Background(), sender, raw))
	assert.Equal(t, apperrors.CodeUnavailable, lastErrorCode(t, senderConn))
	assert.Empty(t, peerConn.Frames())

	require.NoError(t, f.send(context.Background(), sender, raw))
	ack := lastAck(t, senderConn)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, 2, ack.Delivered)
	assert.Len(t, peerConn.Frames(), 1)
}

func TestMessagesBoundsRoomLedgers(t *testing.T) {
	h := NewMessages(nil, nil)
	h.maxRooms = 2
	first := h.ledger("room-1")
	h.ledger("room-2")
	h.ledger("room-3")

	assert.Len(t, h.rooms, 2)
	assert.NotContains(t, h.rooms, "room-1")
	assert.NotSame(t, first, h.ledger("room-1"))
	assert.Len(t, h.rooms, 2)
	assert.NotContains(t, h.rooms, "room-2")
}

func TestSendMessageNormalizesBody(t *testing.T) {
	f := newFixture(t, nil)
	sender, _ := f.connect(t, "user-1", "room-1")
	_, peerConn := f.connect(t, "user-2", "room-1")

	// "e" followed by a combining acute accent composes to U+00E9.
	require.NoError(t, f.send(context.Background(), sender, `{"type":"send_message","payload":{"room":"room-1","client_message_id":"c1","body":"cafe\u0301"}}`))
	msg, err := sessiontest.DecodePayload[packet.MessagePayload](peerConn.Frames()[0])
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", msg.Body)
}

func TestSendMessageValidation(t *testing.T) {
	long := strings.Repeat("x", maxMessageBodyRunes+1)
	tests := []struct {
		name    string
		userID  string
		payload string
		code    apperrors.Code
	}{
		{name: "anonymous", userID: "", payload: `{"room":"room-1","client_message_id":"c","body":"hi"}`, code: apperrors.CodeUnauthenticated},
		{name: "missing room", userID: "u", payload: `{"client_message_id":"c","body":"hi"}`, code: apperrors.CodeInvalidArgument},
		{name: "missing client id", userID: "u", payload: `{"room":"room-1","body":"hi"}`, code: apperrors.CodeInvalidArgument},
		{name: "blank body", userID: "u", payload: `{"room":"room-1","client_message_id":"c","body":"   "}`, code: apperrors.CodeInvalidArgument},
		{name: "body too long", userID: "u", payload: `{"room":"room-1","client_message_id":"c","body":"` + long + `"}`, code: apperrors.CodeInvalidArgument},
		{name: "not a member", userID: "u", payload: `{"room":"room-2","client_message_id":"c","body":"hi"}`, code: apperrors.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			s, conn := f.connect(t, tt.userID, "room-1")
			err := f.send(context.Background(), s, `{"type":"send_message","payload":`+tt.payload+`}`)
			require.Error(t, err)
			assert.Equal(t, tt.code, lastErrorCode(t, conn))
		})
	}
}

func TestSendMessageBodyAtLimitIsAccepted(t *testing.T) {
	f := newFixture(t, nil)
	s, conn := f.connect(t, "u", "room-1")
	body := strings.Repeat("é", maxMessageBodyRunes)

	require.NoError(t, f.send(context.Background(), s, `{"type":"send_message","payload":{"room":"room-1","client_message_id":"c","body":"`+body+`"}}`))
	assert.Equal(t, "ok", lastAck(t, conn).Status)
}

func TestJoinRoomUsesHandshakeClaims(t *testing.T) {
	f := newFixture(t, nil)
	s, conn := f.connect(t, "user-1")
	ctx := requestctx.WithIdentity(context.Background(), requestctx.Identity{UserID: "user-1", Rooms: []string{"room-1"}})

	require.NoError(t, f.send(ctx, s, `{"type":"room.join","payload":{"room":"room-1"}}`))
	assert.Equal(t, "joined", lastAck(t, conn).Status)
	assert.True(t, s.InRoom("room-1"))

	require.Error(t, f.send(ctx, s, `{"type":"room.join","payload":{"room":"room-2"}}`))
	assert.Equal(t, apperrors.CodeForbidden, lastErrorCode(t, conn))
	assert.False(t, s.InRoom("room-2"))
}

func TestJoinRoomAuthorizerFailure(t *testing.T) {
	f := newFixture(t, staticAuthorizer{err: errors.New("lookup down")})
	s, conn := f.connect(t, "user-1")

	require.Error(t, f.send(context.Background(), s, `{"type":"room.join","payload":{"room":"room-1"}}`))
	assert.Equal(t, apperrors.CodeUnavailable, lastErrorCode(t, conn))
}

func TestJoinRoomRequiresUser(t *testing.T) {
	f := newFixture(t, staticAuthorizer{allowed: true})
	s, conn := f.connect(t, "")

	require.Error(t, f.send(context.Background(), s, `{"type":"room.join","payload":{"room":"room-1"}}`))
	assert.Equal(t, apperrors.CodeUnauthenticated, lastErrorCode(t, conn))
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t, nil)
	s, conn := f.connect(t, "user-1", "room-1")

	require.NoError(t, f.send(context.Background(), s, `{"type":"room.leave","payload":{"room":"room-1"}}`))
	assert.Equal(t, "left", lastAck(t, conn).Status)
	assert.False(t, s.InRoom("room-1"))

	require.NoError(t, f.send(context.Background(), s, `{"type":"room.leave","payload":{"room":"room-1"}}`))
}

func TestClaimsAuthorizerRejectsMismatchedUser(t *testing.T) {
	ctx := requestctx.WithIdentity(context.Background(), requestctx.Identity{UserID: "user-1", Rooms: []string{"room-1"}})
	allowed, err := ClaimsAuthorizer{}.CanJoin(ctx, "user-2", "room-1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestSentLedgerEvictsOldest(t *testing.T) {
	l := &sentLedger{byKey: map[string]string{}, limit: 2}
	l.reserve("a", "1")
	l.reserve("b", "2")
	l.reserve("c", "3")

	_, dup := l.reserve("a", "4")
	assert.False(t, dup)
	id, dup := l.reserve("c", "5")
	assert.True(t, dup)
	assert.Equal(t, "3", id)
}

func TestSentLedgerReleaseKeepsNewerReservation(t *testing.T) {
	l := &sentLedger{byKey: map[string]string{}, limit: 4}
	l.reserve("a", "1")
	l.release("a", "1")
	_, dup := l.reserve("a", "2")
	assert.False(t, dup)

	l.release("a", "1")
	id, dup := l.reserve("a", "3")
	assert.True(t, dup)
	assert.Equal(t, "2", id)
}
