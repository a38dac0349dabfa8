package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vernite/realtime/internal/platform/timeouts"
	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// ReaperConfig configures the keep-alive reaper.
type ReaperConfig struct {
	// Timeout is the maximum silence before a session is reaped.
	Timeout time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// Ping sends a keep_alive frame to every session on each sweep.
	Ping bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reaper periodically removes sessions that stopped sending keep-alives.
type Reaper struct {
	registry    *Registry
	broadcaster *Broadcaster
	cfg         ReaperConfig
	logger      *zap.Logger
	now         func() time.Time
	onReap      func(*Session)
}

// NewReaper builds a reaper. onReap may be nil.
func NewReaper(registry *Registry, broadcaster *Broadcaster, cfg ReaperConfig, logger *zap.Logger, onReap func(*Session)) *Reaper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.KeepAlive
	}
	if cfg.Interval <= 0 {
		cfg.Interval = timeouts.Ping
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		registry:    registry,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
		now:         cfg.Now,
		onReap:      onReap,
	}
}

// Run sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep and, when enabled, one server ping.
func (r *Reaper) Tick(ctx context.Context) {
	now := r.now()
	r.Sweep(now)
	if r.cfg.Ping && r.broadcaster != nil {
		frame, err := packet.New(packet.TypeKeepAlive, packet.KeepAlivePayload{ID: now.UnixMilli()})
		if err != nil {
			r.logger.Error("build ping frame", zap.Error(err))
			return
		}
		if _, err := r.broadcaster.Broadcast(ctx, All(), frame); err != nil {
			r.logger.Warn("ping broadcast failed", zap.Error(err))
		}
	}
}

// Sweep closes and unregisters every session silent for longer than the
// timeout at now. It returns the reaped sessions.
func (r *Reaper) Sweep(now time.Time) []*Session {
	expired := r.registry.Snapshot(func(s *Session) bool {
		return s.Closed() || s.Expired(now, r.cfg.Timeout)
	})
	reaped := make([]*Session, 0, len(expired))
	for _, s := range expired {
		if _, ok := r.registry.Remove(s.ID()); !ok {
			continue
		}
		_ = s.Close()
		reaped = append(reaped, s)
		r.logger.Info("session reaped",
			zap.String("session", s.String()),
			zap.Time("last_seen", s.LastSeen()))
		if r.onReap != nil {
			r.onReap(s)
		}
	}
	return reaped
}
