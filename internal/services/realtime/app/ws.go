package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/requestctx"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// wsConn adapts a websocket connection to session.Conn. Frames go out as
// text messages.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Write(raw []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.Message.Send(c.conn, string(raw))
}

func (c wsConn) Close() error { return c.conn.Close() }

func (s *Server) websocketHandler() http.Handler {
	return websocket.Handler(s.serveConn)
}

// serveConn owns one connection for its lifetime: register, read and
// dispatch frames until the peer leaves or the session is reaped.
func (s *Server) serveConn(conn *websocket.Conn) {
	maxFrame := s.cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = packet.DefaultMaxFrameBytes
	}
	conn.MaxPayloadBytes = maxFrame

	req := conn.Request()
	ctx := req.Context()
	identity, _ := requestctx.IdentityFromContext(ctx)

	sess := session.New(wsConn{conn: conn}, session.Options{
		UserID:       identity.UserID,
		RemoteAddr:   remoteAddr(req),
		WriteTimeout: s.cfg.WriteTimeout,
	})
	if err := s.sessions.Add(sess); err != nil {
		s.logger.Error("register session", zap.String("session", sess.String()), zap.Error(err))
		_ = sess.Close()
		return
	}
	s.logger.Debug("session connected", zap.String("session", sess.String()))
	defer func() {
		s.sessions.Remove(sess.ID())
		s.dispatcher.Forget(sess.ID())
		_ = sess.Close()
		s.logger.Debug("session disconnected", zap.String("session", sess.String()))
	}()

	for {
		var raw []byte
		err := websocket.Message.Receive(conn, &raw)
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			s.replyTooLarge(ctx, sess)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !sess.Closed() {
				s.logger.Debug("read frame", zap.String("session", sess.String()), zap.Error(err))
			}
			return
		}
		if err := s.dispatcher.Dispatch(ctx, sess, raw); err != nil {
			s.logger.Debug("dispatch frame", zap.String("session", sess.String()), zap.Error(err))
		}
	}
}

func (s *Server) replyTooLarge(ctx context.Context, sess *session.Session) {
	sess.Touch()
	s.metrics.ObserveFrame("", "decode_error", 0)
	frame := packet.ErrorFrame("", apperrors.CodeDecode, "frame too large")
	if err := sess.Send(ctx, frame); err != nil && !errors.Is(err, session.ErrClosed) {
		s.logger.Debug("send error frame", zap.String("session", sess.String()), zap.Error(err))
	}
}
