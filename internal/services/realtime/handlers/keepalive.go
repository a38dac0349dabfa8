// Package handlers implements the inbound packet handlers of the realtime
// service.
package handlers

import (
	"context"

	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/packet"
)

// KeepAlive refreshes the session's liveness and echoes the client id.
func KeepAlive(ctx context.Context, req dispatch.Request[packet.KeepAlivePayload]) error {
	req.Session.Touch()
	frame, err := packet.New(packet.TypeKeepAlive, req.Payload)
	if err != nil {
		return err
	}
	return req.Reply(ctx, frame)
}
