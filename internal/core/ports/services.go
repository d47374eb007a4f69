package ports

import (
	"context"

	"beamnet/internal/core/domain"
)

// Router interprets inbound control messages, mutates the registry and
// forwards to the resolved handles. The transport layer calls
// HandleMessage for every parsed frame and HandleDisconnect exactly once
// when the connection closes or fails.
type Router interface {
	HandleMessage(ctx context.Context, conn *domain.ConnContext, msg *domain.Message)
	HandleDisconnect(ctx context.Context, conn *domain.ConnContext)
}

// RouterMetrics is implemented by the monitoring collector; a nil-safe
// no-op implementation is used in tests.
type RouterMetrics interface {
	RoomCreated()
	RoomClosed(viewersEvicted int)
	ViewerJoined()
	ViewerLeft()
	MessageRouted(msgType string)
	RelayDropped(msgType string)
}
