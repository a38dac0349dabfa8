package handlers

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

const (
	maxMessageBodyRunes     = 2000
	maxClientMessageIDRunes = 128
	maxIdempotencyRecords   = 4000
	maxRoomLedgers          = 1024
)

// RoomPublisher fans a frame out to the members of a room.
type RoomPublisher interface {
	Publish(ctx context.Context, room string, frame packet.Frame) (session.Report, error)
}

// Messages posts chat messages to rooms.
type Messages struct {
	publisher RoomPublisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	rooms     map[string]*sentLedger
	roomOrder []string
	maxRooms  int
}

// NewMessages builds the send_message handler.
func NewMessages(publisher RoomPublisher, logger *zap.Logger) *Messages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messages{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		rooms:     make(map[string]*sentLedger),
		maxRooms:  maxRoomLedgers,
	}
}

// Send validates and broadcasts one message, then acknowledges it to the
// sender. A repeated client_message_id in the same room is acknowledged
// without broadcasting again. A message whose relay fails is forgotten so
// the client can retry with the same id.
func (h *Messages) Send(ctx context.Context, req dispatch.Request[packet.SendMessagePayload]) error {
	if err := requireUser(req.Session); err != nil {
		return err
	}
	room, err := normalizeRoom(req.Payload.Room)
	if err != nil {
		return err
	}

	clientMessageID := strings.TrimSpace(req.Payload.ClientMessageID)
	if clientMessageID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "client_message_id is required")
	}
	if utf8.RuneCountInString(clientMessageID) > maxClientMessageIDRunes {
		return apperrors.New(apperrors.CodeInvalidArgument, "client_message_id must be at most 128 characters")
	}

	body := norm.NFC.String(strings.TrimSpace(req.Payload.Body))
	if body == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return apperrors.New(apperrors.CodeInvalidArgument, "body must be at most 2000 characters")
	}

	if !req.Session.InRoom(room) {
		return apperrors.New(apperrors.CodeForbidden, "must join room before sending")
	}

	msg := packet.MessagePayload{
		MessageID:       h.newID(),
		Room:            room,
		UserID:          req.Session.UserID(),
		Body:            body,
		SentAt:          h.now().UTC().Format(time.RFC3339),
		ClientMessageID: clientMessageID,
	}
	ledger := h.ledger(room)
	key := req.Session.UserID() + "\x00" + clientMessageID
	existing, duplicate := ledger.reserve(key, msg.MessageID)
	if duplicate {
		return h.ack(ctx, req, packet.AckPayload{Status: "ok", MessageID: existing, Duplicate: true})
	}

	frame, err := packet.New(packet.TypeMessage, msg)
	if err != nil {
		ledger.release(key, msg.MessageID)
		return err
	}
	frame.Room = room
	report, err := h.publisher.Publish(ctx, room, frame)
	if err != nil {
		ledger.release(key, msg.MessageID)
		h.logger.Warn("message relay failed",
			zap.String("room", room),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return apperrors.Wrap(apperrors.CodeUnavailable, "message relay unavailable", err)
	}
	return h.ack(ctx, req, packet.AckPayload{Status: "ok", MessageID: msg.MessageID, Delivered: report.Delivered})
}

func (h *Messages) ack(ctx context.Context, req dispatch.Request[packet.SendMessagePayload], payload packet.AckPayload) error {
	frame, err := packet.New(packet.TypeAck, payload)
	if err != nil {
		return err
	}
	return req.Reply(ctx, frame)
}

func (h *Messages) ledger(room string) *sentLedger {
	h.mu.Lock()
	defer h.mu.Unlock()
	ledger, ok := h.rooms[room]
	if !ok {
		ledger = &sentLedger{byKey: make(map[string]string), limit: maxIdempotencyRecords}
		h.rooms[room] = ledger
		h.roomOrder = append(h.roomOrder, room)
		if len(h.roomOrder) > h.maxRooms {
			delete(h.rooms, h.roomOrder[0])
			h.roomOrder = h.roomOrder[1:]
		}
	}
	return ledger
}

// sentLedger remembers recent client message ids of one room, evicting the
// oldest beyond limit.
type sentLedger struct {
	mu    sync.Mutex
	byKey map[string]string
	order []string
	limit int
}

// reserve records key for messageID. When key is already present it returns
// the original message id and true.
func (l *sentLedger) reserve(key, messageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byKey[key]; ok {
		return existing, true
	}
	l.byKey[key] = messageID
	l.order = append(l.order, key)
	if len(l.order) > l.limit {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.byKey, evict)
	}
	return messageID, false
}

// release forgets key if it still maps to messageID.
func (l *sentLedger) release(key, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byKey[key] != messageID {
		return
	}
	delete(l.byKey, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}
