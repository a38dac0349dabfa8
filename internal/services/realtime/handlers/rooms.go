package handlers

import (
	"context"
	"strings"
	"unicode/utf8"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/requestctx"
	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/packet"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

const maxRoomRunes = 128

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID, room string) (bool, error)
}

// ClaimsAuthorizer admits users to the rooms listed in the identity
// established at handshake.
type ClaimsAuthorizer struct{}

// CanJoin reports whether room is listed in the identity carried by ctx.
func (ClaimsAuthorizer) CanJoin(ctx context.Context, userID, room string) (bool, error) {
	identity, ok := requestctx.IdentityFromContext(ctx)
	if !ok || identity.UserID != userID {
		return false, nil
	}
	return identity.CanJoin(room), nil
}

// Rooms handles room membership requests.
type Rooms struct {
	authorizer RoomAuthorizer
}

// NewRooms builds room handlers. A nil authorizer uses ClaimsAuthorizer.
func NewRooms(authorizer RoomAuthorizer) *Rooms {
	if authorizer == nil {
		authorizer = ClaimsAuthorizer{}
	}
	return &Rooms{authorizer: authorizer}
}

// Join adds the session to a room after authorization.
func (h *Rooms) Join(ctx context.Context, req dispatch.Request[packet.RoomPayload]) error {
	room, err := normalizeRoom(req.Payload.Room)
	if err != nil {
		return err
	}
	if err := requireUser(req.Session); err != nil {
		return err
	}
	allowed, err := h.authorizer.CanJoin(ctx, req.Session.UserID(), room)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "room membership verification unavailable", err)
	}
	if !allowed {
		return apperrors.New(apperrors.CodeForbidden, "room access denied")
	}
	req.Session.Join(room)
	return h.ack(ctx, req, room, "joined")
}

// Leave removes the session from a room. Leaving a room the session never
// joined is not an error.
func (h *Rooms) Leave(ctx context.Context, req dispatch.Request[packet.RoomPayload]) error {
	room, err := normalizeRoom(req.Payload.Room)
	if err != nil {
		return err
	}
	req.Session.Leave(room)
	return h.ack(ctx, req, room, "left")
}

func (h *Rooms) ack(ctx context.Context, req dispatch.Request[packet.RoomPayload], room, status string) error {
	frame, err := packet.New(packet.TypeAck, packet.AckPayload{Status: status})
	if err != nil {
		return err
	}
	frame.Room = room
	return req.Reply(ctx, frame)
}

func normalizeRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "room is required")
	}
	if utf8.RuneCountInString(room) > maxRoomRunes {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "room must be at most 128 characters")
	}
	return room, nil
}

func requireUser(s *session.Session) error {
	if strings.TrimSpace(s.UserID()) == "" {
		return apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
	}
	return nil
}
