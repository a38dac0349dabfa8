package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// DefaultChannelPrefix namespaces relay channels.
const DefaultChannelPrefix = "vernite:realtime"

type envelope struct {
	Origin string       `json:"origin"`
	Room   string       `json:"room,omitempty"`
	Frame  packet.Frame `json:"frame"`
}

// Redis fans room broadcasts out through Redis pub/sub. The publishing
// instance delivers to its own sessions immediately and ignores its own
// messages on the channel, so every session receives a frame once.
type Redis struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	local      *Local
	logger     *zap.Logger
	onReceive  func()
}

// RedisOption customizes a Redis relay.
type RedisOption func(*Redis)

// WithReceiveHook is called for every frame received from another instance.
func WithReceiveHook(hook func()) RedisOption {
	return func(r *Redis) { r.onReceive = hook }
}

// NewRedis builds a relay publishing on "<prefix>:broadcast".
func NewRedis(client redis.UniversalClient, prefix string, broadcaster *session.Broadcaster, logger *zap.Logger, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redis{
		client:     client,
		channel:    prefix + ":broadcast",
		instanceID: uuid.NewString(),
		local:      NewLocal(broadcaster),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string { return r.channel }

// Publish delivers locally and forwards frame to other instances. A publish
// failure is returned alongside the local report.
func (r *Redis) Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error) {
	report, err := r.local.Publish(ctx, room, frame)
	if err != nil {
		return report, err
	}
	raw, err := json.Marshal(envelope{Origin: r.instanceID, Room: room, Frame: frame})
	if err != nil {
		return report, fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return report, fmt.Errorf("publish relay envelope: %w", err)
	}
	return report, nil
}

// Run subscribes to the channel and delivers remote broadcasts until ctx is
// done.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *Redis) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("discard malformed relay envelope", zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if r.onReceive != nil {
		r.onReceive()
	}
	if _, err := r.local.Publish(ctx, env.Room, env.Frame); err != nil {
		r.logger.Warn("deliver relayed frame", zap.String("room", env.Room), zap.Error(err))
	}
}
