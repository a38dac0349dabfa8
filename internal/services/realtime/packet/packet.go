// Package packet defines the framed messages exchanged over realtime
// connections.
//
// Every websocket message carries exactly one JSON frame with a type
// discriminator. The set of discriminators is closed: inbound types are bound
// to handlers at startup and outbound types are produced only by this service.
package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
)

// Type discriminates frames.
type Type string

// Inbound frame types.
const (
	TypeKeepAlive   Type = "keep_alive"
	TypeSendMessage Type = "send_message"
	TypeRoomJoin    Type = "room.join"
	TypeRoomLeave   Type = "room.leave"
)

// Outbound frame types.
const (
	TypeMessage       Type = "message"
	TypeEntityChanged Type = "entity.changed"
	TypeAck           Type = "ack"
	TypeError         Type = "error"
)

// DefaultMaxFrameBytes bounds the encoded size of one inbound frame.
const DefaultMaxFrameBytes = 16 * 1024

// Frame is one framed message.
type Frame struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame with a JSON-encoded payload.
func New(typ Type, payload any) (Frame, error) {
	frame := Frame{Type: typ}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	frame.Payload = raw
	return frame, nil
}

// Reply returns a copy of f addressed to the request that produced req.
func (f Frame) Reply(req Frame) Frame {
	f.RequestID = req.RequestID
	return f
}

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return "decode frame: " + e.Reason + ": " + e.Cause.Error()
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Decode parses one raw inbound message. maxBytes <= 0 selects
// DefaultMaxFrameBytes.
func Decode(raw []byte, maxBytes int) (Frame, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(raw) > maxBytes {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("frame exceeds %d bytes", maxBytes)}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, &DecodeError{Reason: "empty frame"}
	}

	var frame Frame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return Frame{}, &DecodeError{Reason: "invalid json", Cause: err}
	}
	frame.Type = Type(strings.TrimSpace(string(frame.Type)))
	if frame.Type == "" {
		return Frame{}, &DecodeError{Reason: "type is required"}
	}
	return frame, nil
}

// Encode serializes a frame for the wire.
func Encode(frame Frame) ([]byte, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return raw, nil
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
}

// ErrorFrame builds an error frame answering requestID.
func ErrorFrame(requestID string, code apperrors.Code, message string) Frame {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message, Retryable: code.Retryable()})
	return Frame{Type: TypeError, RequestID: requestID, Payload: raw}
}

// AckPayload is the body of an ack frame.
type AckPayload struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// KeepAlivePayload is exchanged in both directions. Server pings carry the
// send time in unix milliseconds; clients may echo any id.
type KeepAlivePayload struct {
	ID int64 `json:"id"`
}

// SendMessagePayload asks the server to post a chat message to a room.
type SendMessagePayload struct {
	Room            string `json:"room"`
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
}

// RoomPayload names the room of a join or leave request.
type RoomPayload struct {
	Room string `json:"room"`
}

// MessagePayload is a chat message fanned out to a room.
type MessagePayload struct {
	MessageID       string `json:"message_id"`
	Room            string `json:"room"`
	UserID          string `json:"user_id"`
	Body            string `json:"body"`
	SentAt          string `json:"sent_at"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// EntityChangedPayload announces a recorded entity mutation.
type EntityChangedPayload struct {
	AuditID    string          `json:"audit_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	Changes    json.RawMessage `json:"changes"`
	RecordedAt string          `json:"recorded_at"`
}
