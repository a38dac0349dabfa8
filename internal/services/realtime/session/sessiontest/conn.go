// Package sessiontest provides an in-memory session transport for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// ErrConnClosed is returned by writes after Close.
var ErrConnClosed = errors.New("sessiontest: connection closed")

// Conn records every frame written to it.
type Conn struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
	closed bool
}

// Write records raw unless the connection is closed or failing.
func (c *Conn) Write(raw []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.err != nil {
		return c.err
	}
	c.writes = append(c.writes, append([]byte(nil), raw...))
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Fail makes subsequent writes return err.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Writes returns a copy of every raw write.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames decodes every recorded write.
func (c *Conn) Frames() []packet.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]packet.Frame, 0, len(c.writes))
	for _, raw := range c.writes {
		var frame packet.Frame
		if err := json.Unmarshal(raw, &frame); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Last returns the most recent frame, or false when nothing was written.
func (c *Conn) Last() (packet.Frame, bool) {
	frames := c.Frames()
	if len(frames) == 0 {
		return packet.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset discards recorded writes.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// NewSession returns a session over a fresh recording connection.
func NewSession(userID string) (*session.Session, *Conn) {
	conn := &Conn{}
	return session.New(conn, session.Options{UserID: userID, RemoteAddr: "127.0.0.1"}), conn
}

// DecodePayload unmarshals the payload of frame into T.
func DecodePayload[T any](frame packet.Frame) (T, error) {
	var payload T
	err := json.Unmarshal(frame.Payload, &payload)
	return payload, err
}
