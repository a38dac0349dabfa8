// Package dispatch routes decoded inbound frames to the single handler bound
// to their packet type.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

// ErrSealed is returned when registering after the registry was sealed.
var ErrSealed = errors.New("handler registry is sealed")

// Request is one inbound frame with its decoded payload.
type Request[T any] struct {
	Session *session.Session
	Frame   packet.Frame
	Payload T
}

// Reply sends frame to the originating session, addressed to this request.
func (r Request[T]) Reply(ctx context.Context, frame packet.Frame) error {
	return r.Session.Send(ctx, frame.Reply(r.Frame))
}

// Handler processes one inbound frame of payload type T.
type Handler[T any] func(ctx context.Context, req Request[T]) error

// boundHandler erases the payload type once decoding is resolved.
type boundHandler func(ctx context.Context, s *session.Session, frame packet.Frame) error

// Registry maps packet types to handlers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[packet.Type]boundHandler
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[packet.Type]boundHandler)}
}

// Register binds handler to typ. A second binding for the same type fails
// with *DuplicateHandlerError and the first binding is kept.
func Register[T any](r *Registry, typ packet.Type, handler Handler[T]) error {
	if r == nil {
		return errors.New("registry is required")
	}
	if typ == "" {
		return errors.New("packet type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is required", typ)
	}

	bound := func(ctx context.Context, s *session.Session, frame packet.Frame) error {
		var payload T
		if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				return &packet.DecodeError{Reason: fmt.Sprintf("invalid %s payload", typ), Cause: err}
			}
		}
		return handler(ctx, Request[T]{Session: s, Frame: frame, Payload: payload})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.handlers[typ]; exists {
		return &DuplicateHandlerError{Type: typ}
	}
	r.handlers[typ] = bound
	return nil
}

// MustRegister is Register for startup wiring; it panics on failure.
func MustRegister[T any](r *Registry, typ packet.Type, handler Handler[T]) {
	if err := Register(r, typ, handler); err != nil {
		panic(err)
	}
}

// Seal rejects further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Types lists the bound packet types in sorted order.
func (r *Registry) Types() []packet.Type {
	r.mu.RLock()
	types := make([]packet.Type, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	r.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) lookup(typ packet.Type) (boundHandler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[typ]
	r.mu.RUnlock()
	return h, ok
}
