// Package session owns live realtime connections: their identity, liveness,
// room membership, and the process-wide registry used for fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vernite/realtime/internal/platform/timeouts"
	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// ErrClosed is returned by writes to a session that has been disconnected.
// Callers drop the frame.
var ErrClosed = errors.New("session closed")

// Conn is the transport under a session. Write must honour deadline and
// must return promptly once Close has been called.
type Conn interface {
	Write(raw []byte, deadline time.Time) error
	Close() error
}

// Options configures a new session.
type Options struct {
	UserID     string
	RemoteAddr string
	// WriteTimeout bounds one frame write. Defaults to timeouts.SocketWrite.
	WriteTimeout time.Duration
	// Now overrides the clock used for liveness.
	Now func() time.Time
}

// Session is one live authenticated connection.
type Session struct {
	id           string
	userID       string
	remoteAddr   string
	connectedAt  time.Time
	writeTimeout time.Duration
	now          func() time.Time

	conn     Conn
	writeMu  sync.Mutex
	closed   atomic.Bool
	lastSeen atomic.Int64

	roomsMu sync.RWMutex
	rooms   map[string]struct{}
}

// New creates a session around conn with a fresh identifier.
func New(conn Conn, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = timeouts.SocketWrite
	}
	s := &Session{
		id:           uuid.NewString(),
		userID:       strings.TrimSpace(opts.UserID),
		remoteAddr:   strings.TrimSpace(opts.RemoteAddr),
		writeTimeout: writeTimeout,
		now:          now,
		conn:         conn,
		rooms:        make(map[string]struct{}),
	}
	s.connectedAt = now()
	s.lastSeen.Store(s.connectedAt.UnixNano())
	return s
}

// ID returns the identifier unique for the lifetime of the connection.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated owner of the session.
func (s *Session) UserID() string { return s.userID }

// RemoteAddr returns the client address captured at handshake.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// LastSeen returns the liveness timestamp.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Touch refreshes liveness to the current time.
func (s *Session) Touch() {
	s.lastSeen.Store(s.now().UnixNano())
}

// Expired reports whether the session has been silent for longer than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastSeen()) > timeout
}

// Join adds the session to room. It reports false when already a member.
func (s *Session) Join(room string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

// Leave removes the session from room. It reports false when not a member.
func (s *Session) Leave(room string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	return true
}

// InRoom reports room membership.
func (s *Session) InRoom(room string) bool {
	s.roomsMu.RLock()
	_, ok := s.rooms[room]
	s.roomsMu.RUnlock()
	return ok
}

// Rooms returns the joined rooms in sorted order.
func (s *Session) Rooms() []string {
	s.roomsMu.RLock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.roomsMu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close disconnects the session. It is safe to call more than once and to
// race with Send.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Send encodes and writes one frame.
func (s *Session) Send(ctx context.Context, frame packet.Frame) error {
	raw, err := packet.Encode(frame)
	if err != nil {
		return err
	}
	return s.SendRaw(ctx, raw)
}

// SendRaw writes an encoded frame. Writes are serialized per session and
// bounded by the earlier of ctx's deadline and the write timeout. A failed
// write closes the session. Writes to a closed session return ErrClosed.
func (s *Session) SendRaw(ctx context.Context, raw []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	deadline := s.now().Add(s.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.Write(raw, deadline); err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		_ = s.Close()
		return fmt.Errorf("write to session %s: %w", s.id, err)
	}
	return nil
}

// String renders the session for logs.
func (s *Session) String() string {
	user := s.userID
	if user == "" {
		user = "anonymous"
	}
	return fmt.Sprintf("[id=%s, ip=%s, user=%s]", s.id, s.remoteAddr, user)
}
