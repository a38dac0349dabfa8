package handlers

import (
	"go.uber.org/zap"

	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// Deps are the collaborators of the inbound handlers.
type Deps struct {
	Publisher  RoomPublisher
	Authorizer RoomAuthorizer
	Logger     *zap.Logger
}

// Register binds every inbound packet type to its handler.
func Register(registry *dispatch.Registry, deps Deps) error {
	rooms := NewRooms(deps.Authorizer)
	messages := NewMessages(deps.Publisher, deps.Logger)

	if err := dispatch.Register(registry, packet.TypeKeepAlive, KeepAlive); err != nil {
		return err
	}
	if err := dispatch.Register(registry, packet.TypeSendMessage, messages.Send); err != nil {
		return err
	}
	if err := dispatch.Register(registry, packet.TypeRoomJoin, rooms.Join); err != nil {
		return err
	}
	return dispatch.Register(registry, packet.TypeRoomLeave, rooms.Leave)
}
