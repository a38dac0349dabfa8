// Package errors provides coded errors that map onto realtime error frames.
package errors

// Code is a machine-readable error code sent to websocket clients.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Frame-level failures.
	CodeDecode            Code = "DECODE_ERROR"
	CodeUnknownPacketType Code = "UNKNOWN_PACKET_TYPE"
	CodeHandler           Code = "HANDLER_ERROR"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"

	// Handler outcomes.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnavailable     Code = "UNAVAILABLE"
)

// Retryable reports whether a client may resend the same frame later.
func (c Code) Retryable() bool {
	switch c {
	case CodeResourceExhausted, CodeUnavailable:
		return true
	default:
		return false
	}
}
