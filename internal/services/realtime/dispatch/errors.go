package dispatch

import (
	"fmt"

	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// DuplicateHandlerError reports a second registration for a packet type.
type DuplicateHandlerError struct {
	Type packet.Type
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler already registered for packet type %q", e.Type)
}

// UnknownPacketTypeError reports a frame whose type has no handler.
type UnknownPacketTypeError struct {
	Type packet.Type
}

func (e *UnknownPacketTypeError) Error() string {
	return fmt.Sprintf("no handler for packet type %q", e.Type)
}

// HandlerExecutionError wraps a failure raised by a handler, including a
// recovered panic.
type HandlerExecutionError struct {
	Type  packet.Type
	Cause error
	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *HandlerExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %q panicked: %v", e.Type, e.Panic)
	}
	return fmt.Sprintf("handler for %q failed: %v", e.Type, e.Cause)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Cause }
