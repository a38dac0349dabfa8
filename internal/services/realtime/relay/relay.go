// Package relay delivers room broadcasts to the sessions of every service
// instance.
package relay

import (
	"context"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// Relay publishes a frame to a room. An empty room targets every session.
// The returned report covers sessions on this instance only.
type Relay interface {
	Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error)
	Run(ctx context.Context) error
}

// Target returns the predicate selecting room members, or every session for
// an empty room.
func Target(room string) session.Predicate {
	if room == "" {
		return session.All()
	}
	return session.InRoom(room)
}

// Local delivers directly to the sessions of this instance.
type Local struct {
	broadcaster *session.Broadcaster
}

// NewLocal returns a single-instance relay.
func NewLocal(broadcaster *session.Broadcaster) *Local {
	return &Local{broadcaster: broadcaster}
}

// Publish broadcasts frame to the local members of room.
func (l *Local) Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error) {
	return l.broadcaster.Broadcast(ctx, Target(room), frame)
}

// Run blocks until ctx is done.
func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
