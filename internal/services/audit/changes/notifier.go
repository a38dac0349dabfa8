package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// Publisher delivers a frame to a room; an empty room reaches every
// session.
type Publisher interface {
	Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error)
}

// Broadcaster announces recorded logs as entity.changed frames.
type Broadcaster struct {
	publisher Publisher
}

// NewBroadcaster returns an audit.Notifier publishing through publisher.
func NewBroadcaster(publisher Publisher) *Broadcaster {
	return &Broadcaster{publisher: publisher}
}

// Notify publishes log to its room.
func (b *Broadcaster) Notify(ctx context.Context, log audit.Log) error {
	frame, err := EntityChangedFrame(log)
	if err != nil {
		return err
	}
	if _, err := b.publisher.Publish(ctx, log.Room, frame); err != nil {
		return fmt.Errorf("publish entity change: %w", err)
	}
	return nil
}

// EntityChangedFrame renders log as an entity.changed frame.
func EntityChangedFrame(log audit.Log) (packet.Frame, error) {
	changes, err := json.Marshal(log.Diffs)
	if err != nil {
		return packet.Frame{}, fmt.Errorf("marshal diffs: %w", err)
	}
	frame, err := packet.New(packet.TypeEntityChanged, packet.EntityChangedPayload{
		AuditID:    log.ID,
		EntityType: log.EntityType,
		EntityID:   log.EntityID,
		Action:     string(log.Action),
		ActorID:    log.ActorID,
		Changes:    changes,
		RecordedAt: log.RecordedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return packet.Frame{}, err
	}
	frame.Room = log.Room
	return frame, nil
}
