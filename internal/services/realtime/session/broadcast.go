package session

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// DefaultBroadcastConcurrency bounds parallel writes during one broadcast.
const DefaultBroadcastConcurrency = 32

// SendFailure records a per-session write failure during fan-out.
type SendFailure struct {
	SessionID string
	UserID    string
	Err       error
}

func (f SendFailure) Error() string {
	return "send to session " + f.SessionID + ": " + f.Err.Error()
}

func (f SendFailure) Unwrap() error { return f.Err }

// Report summarizes one broadcast.
type Report struct {
	Targeted  int
	Delivered int
	// Dropped counts sessions that closed before the frame was written.
	Dropped  int
	Failures []SendFailure
}

// Broadcaster fans frames out to registered sessions.
type Broadcaster struct {
	registry    *Registry
	concurrency int
	logger      *zap.Logger
	observe     func(Report)
}

// BroadcasterOption customizes a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithConcurrency bounds the number of parallel writes.
func WithConcurrency(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithLogger sets the logger used for send failures.
func WithLogger(logger *zap.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every broadcast.
func WithObserver(observe func(Report)) BroadcasterOption {
	return func(b *Broadcaster) { b.observe = observe }
}

// NewBroadcaster returns a broadcaster over registry.
func NewBroadcaster(registry *Registry, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		registry:    registry,
		concurrency: DefaultBroadcastConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast sends frame to every session matching match. A failed send
// never prevents delivery to the remaining targets.
func (b *Broadcaster) Broadcast(ctx context.Context, match Predicate, frame packet.Frame) (Report, error) {
	raw, err := packet.Encode(frame)
	if err != nil {
		return Report{}, err
	}
	return b.fanOut(ctx, b.registry.Snapshot(match), raw), nil
}

// SendToUser sends frame to every session owned by userID.
func (b *Broadcaster) SendToUser(ctx context.Context, userID string, frame packet.Frame) (Report, error) {
	raw, err := packet.Encode(frame)
	if err != nil {
		return Report{}, err
	}
	return b.fanOut(ctx, b.registry.ByUser(userID), raw), nil
}

func (b *Broadcaster) fanOut(ctx context.Context, targets []*Session, raw []byte) Report {
	results := make([]error, len(targets))
	group := errgroup.Group{}
	group.SetLimit(b.concurrency)
	for i, target := range targets {
		group.Go(func() error {
			results[i] = target.SendRaw(ctx, raw)
			return nil
		})
	}
	_ = group.Wait()

	report := Report{Targeted: len(targets)}
	for i, err := range results {
		switch {
		case err == nil:
			report.Delivered++
		case errors.Is(err, ErrClosed):
			report.Dropped++
		default:
			report.Failures = append(report.Failures, SendFailure{
				SessionID: targets[i].ID(),
				UserID:    targets[i].UserID(),
				Err:       err,
			})
			b.logger.Warn("broadcast send failed",
				zap.String("session", targets[i].String()),
				zap.Error(err))
		}
	}
	if b.observe != nil {
		b.observe(report)
	}
	return report
}
