package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/timeouts"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// ErrRateLimited is returned for frames over the per-connection budget.
var ErrRateLimited = errors.New("frame rate limit exceeded")

// Observer receives per-frame outcomes.
type Observer interface {
	ObserveFrame(packetType, outcome string, elapsed time.Duration)
}

// Config tunes a Dispatcher.
type Config struct {
	MaxFrameBytes      int
	MaxFramesPerSecond int
	HandlerTimeout     time.Duration
}

// Dispatcher decodes raw frames and invokes the bound handler.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time

	windowsMu sync.Mutex
	windows   map[string]*frameWindow
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver sets the per-frame observer.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) { d.observer = observer }
}

// New builds a dispatcher over a sealed registry.
func New(registry *Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = packet.DefaultMaxFrameBytes
	}
	if cfg.MaxFramesPerSecond <= 0 {
		cfg.MaxFramesPerSecond = DefaultMaxFramesPerSecond
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = timeouts.Handler
	}
	registry.Seal()
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/vernite/realtime/internal/services/realtime/dispatch"),
		now:      time.Now,
		windows:  make(map[string]*frameWindow),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one raw inbound message from s. Every failure is answered
// with an error frame to s only and the connection stays open. The returned
// error is for logging and metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, raw []byte) error {
	s.Touch()
	start := d.now()

	frame, err := packet.Decode(raw, d.cfg.MaxFrameBytes)
	if err != nil {
		d.reply(ctx, s, packet.ErrorFrame("", apperrors.CodeDecode, "invalid frame"))
		d.observe("", "decode_error", 0)
		return err
	}

	if !d.window(s.ID()).allow(start) {
		d.reply(ctx, s, packet.ErrorFrame(frame.RequestID, apperrors.CodeResourceExhausted, "rate limit exceeded"))
		d.observe(string(frame.Type), "rate_limited", 0)
		return ErrRateLimited
	}

	handler, ok := d.registry.lookup(frame.Type)
	if !ok {
		err := &UnknownPacketTypeError{Type: frame.Type}
		d.reply(ctx, s, packet.ErrorFrame(frame.RequestID, apperrors.CodeUnknownPacketType, "unsupported packet type"))
		d.observe(string(frame.Type), "unknown_type", 0)
		d.logger.Debug("unknown packet type",
			zap.String("session", s.String()),
			zap.String("type", string(frame.Type)))
		return err
	}

	ctx, span := d.tracer.Start(ctx, "realtime.dispatch "+string(frame.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("realtime.packet_type", string(frame.Type)),
			attribute.String("realtime.session_id", s.ID()),
		))
	defer span.End()

	err = d.invoke(ctx, handler, s, frame)
	elapsed := d.now().Sub(start)
	if err == nil {
		d.observe(string(frame.Type), "ok", elapsed)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var decodeErr *packet.DecodeError
	if errors.As(err, &decodeErr) {
		d.reply(ctx, s, packet.ErrorFrame(frame.RequestID, apperrors.CodeDecode, decodeErr.Reason))
		d.observe(string(frame.Type), "decode_error", elapsed)
		return err
	}

	execErr := asExecutionError(frame.Type, err)
	code := apperrors.GetCode(execErr.Cause)
	message := "handler failed"
	if code == apperrors.CodeUnknown || execErr.Panic != nil {
		code = apperrors.CodeHandler
	} else {
		message = apperrors.PublicMessage(execErr.Cause, message)
	}
	d.reply(ctx, s, packet.ErrorFrame(frame.RequestID, code, message))
	d.observe(string(frame.Type), "handler_error", elapsed)
	if code == apperrors.CodeHandler {
		d.logger.Error("packet handler failed",
			zap.String("session", s.String()),
			zap.String("type", string(frame.Type)),
			zap.Error(execErr))
	}
	return execErr
}

// Forget drops per-connection state for a disconnected session.
func (d *Dispatcher) Forget(sessionID string) {
	d.windowsMu.Lock()
	delete(d.windows, sessionID)
	d.windowsMu.Unlock()
}

func (d *Dispatcher) invoke(ctx context.Context, handler boundHandler, s *session.Session, frame packet.Frame) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &HandlerExecutionError{
				Type:  frame.Type,
				Cause: fmt.Errorf("panic: %v", recovered),
				Panic: recovered,
			}
		}
	}()
	return handler(ctx, s, frame)
}

func (d *Dispatcher) window(sessionID string) *frameWindow {
	d.windowsMu.Lock()
	defer d.windowsMu.Unlock()
	w, ok := d.windows[sessionID]
	if !ok {
		w = &frameWindow{limit: d.cfg.MaxFramesPerSecond}
		d.windows[sessionID] = w
	}
	return w
}

func (d *Dispatcher) reply(ctx context.Context, s *session.Session, frame packet.Frame) {
	if err := s.Send(ctx, frame); err != nil && !errors.Is(err, session.ErrClosed) {
		d.logger.Warn("send error frame failed",
			zap.String("session", s.String()),
			zap.Error(err))
	}
}

func (d *Dispatcher) observe(packetType, outcome string, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveFrame(packetType, outcome, elapsed)
	}
}

func asExecutionError(typ packet.Type, err error) *HandlerExecutionError {
	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &HandlerExecutionError{Type: typ, Cause: err}
}
