package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session/sessiontest"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveFrame(packetType, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, packetType+":"+outcome)
	o.mu.Unlock()
}

func errorPayload(t *testing.T, frame packet.Frame) packet.ErrorPayload {
	t.Helper()
	require.Equal(t, packet.TypeError, frame.Type)
	payload, err := sessiontest.DecodePayload[packet.ErrorPayload](frame)
	require.NoError(t, err)
	return payload
}

func newEchoDispatcher(t *testing.T, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	MustRegister(r, packet.TypeKeepAlive, func(ctx context.Context, req Request[packet.KeepAlivePayload]) error {
		frame, err := packet.New(packet.TypeKeepAlive, req.Payload)
		if err != nil {
			return err
		}
		return req.Reply(ctx, frame)
	})
	MustRegister(r, packet.TypeSendMessage, func(context.Context, Request[packet.SendMessagePayload]) error {
		return apperrors.New(apperrors.CodeForbidden, "not a room member")
	})
	MustRegister(r, packet.TypeRoomJoin, func(context.Context, Request[packet.RoomPayload]) error {
		panic("boom")
	})
	MustRegister(r, packet.TypeRoomLeave, func(context.Context, Request[packet.RoomPayload]) error {
		return errors.New("database unavailable")
	})
	return New(r, cfg, opts...)
}

func TestDispatchInvokesHandler(t *testing.T) {
	observer := &recordingObserver{}
	d := newEchoDispatcher(t, Config{}, WithObserver(observer))
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"keep_alive","request_id":"r1","payload":{"id":42}}`))
	require.NoError(t, err)

	frame, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, packet.TypeKeepAlive, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
	assert.JSONEq(t, `{"id":42}`, string(frame.Payload))
	assert.Equal(t, []string{"keep_alive:ok"}, observer.outcomes)
}

func TestDispatchDecodeErrorKeepsConnectionOpen(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{not json`))
	var decodeErr *packet.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	frame, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeDecode, errorPayload(t, frame).Code)
	assert.False(t, s.Closed())

	require.NoError(t, d.Dispatch(context.Background(), s, []byte(`{"type":"keep_alive","payload":{"id":1}}`)))
}

func TestDispatchMalformedPayloadIsDecodeError(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"keep_alive","request_id":"r9","payload":"oops"}`))
	var decodeErr *packet.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	frame, _ := conn.Last()
	assert.Equal(t, "r9", frame.RequestID)
	assert.Equal(t, apperrors.CodeDecode, errorPayload(t, frame).Code)
}

func TestDispatchUnknownType(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"bogus","request_id":"r2"}`))
	var unknown *UnknownPacketTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, packet.Type("bogus"), unknown.Type)

	frame, _ := conn.Last()
	assert.Equal(t, "r2", frame.RequestID)
	assert.Equal(t, apperrors.CodeUnknownPacketType, errorPayload(t, frame).Code)
	assert.False(t, s.Closed())
}

func TestDispatchCodedHandlerError(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"send_message","payload":{}}`))
	var execErr *HandlerExecutionError
	require.ErrorAs(t, err, &execErr)

	frame, _ := conn.Last()
	payload := errorPayload(t, frame)
	assert.Equal(t, apperrors.CodeForbidden, payload.Code)
	assert.Equal(t, "not a room member", payload.Message)
	assert.False(t, payload.Retryable)
}

func TestDispatchUncodedHandlerErrorIsHidden(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"room.leave","payload":{"room":"a"}}`))
	var execErr *HandlerExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.EqualError(t, execErr.Cause, "database unavailable")

	payload := errorPayload(t, mustLast(t, conn))
	assert.Equal(t, apperrors.CodeHandler, payload.Code)
	assert.Equal(t, "handler failed", payload.Message)
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, conn := sessiontest.NewSession("user-1")

	err := d.Dispatch(context.Background(), s, []byte(`{"type":"room.join","payload":{"room":"a"}}`))
	var execErr *HandlerExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "boom", execErr.Panic)
	assert.Equal(t, apperrors.CodeHandler, errorPayload(t, mustLast(t, conn)).Code)
	assert.False(t, s.Closed())
}

func TestDispatchRateLimit(t *testing.T) {
	d := newEchoDispatcher(t, Config{MaxFramesPerSecond: 2})
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }
	s, conn := sessiontest.NewSession("user-1")
	raw := []byte(`{"type":"keep_alive","payload":{"id":1}}`)

	require.NoError(t, d.Dispatch(context.Background(), s, raw))
	require.NoError(t, d.Dispatch(context.Background(), s, raw))
	assert.ErrorIs(t, d.Dispatch(context.Background(), s, raw), ErrRateLimited)
	payload := errorPayload(t, mustLast(t, conn))
	assert.Equal(t, apperrors.CodeResourceExhausted, payload.Code)
	assert.True(t, payload.Retryable)

	now = now.Add(time.Second)
	require.NoError(t, d.Dispatch(context.Background(), s, raw))

	d.Forget(s.ID())
	assert.Empty(t, d.windows)
}

func TestDispatchTouchesSession(t *testing.T) {
	d := newEchoDispatcher(t, Config{})
	s, _ := sessiontest.NewSession("user-1")
	before := s.LastSeen()
	time.Sleep(2 * time.Millisecond)

	_ = d.Dispatch(context.Background(), s, []byte(`garbage`))
	assert.True(t, s.LastSeen().After(before))
}

func TestNewSealsRegistry(t *testing.T) {
	r := NewRegistry()
	New(r, Config{})
	assert.ErrorIs(t, Register(r, packet.TypeKeepAlive, func(context.Context, Request[struct{}]) error { return nil }), ErrSealed)
}

func mustLast(t *testing.T, conn *sessiontest.Conn) packet.Frame {
	t.Helper()
	frame, ok := conn.Last()
	require.True(t, ok)
	return frame
}
