package services

import (
	"context"

	"beamnet/internal/core/domain"
)

// HandleDisconnect reacts to a connection closing or erroring. The
// transport calls it from the read-loop teardown path; ConnContext
// guarantees the body runs at most once per connection even if both the
// close and error paths fire. Runs for every connection, including one
// that never sent a message.
func (rt *MessageRouter) HandleDisconnect(ctx context.Context, conn *domain.ConnContext) {
	conn.OnceTeardown(func() {
		switch conn.Role {
		case domain.RoleBroadcaster:
			rt.teardownRoom(conn)
		case domain.RoleViewer:
			rt.removeViewer(conn)
		default:
			// Unassigned connection: nothing was registered.
		}
	})
}

// teardownRoom is all-or-nothing: every still-registered viewer is
// notified and closed, then the room disappears from the registry. There
// is no partial-room state afterwards.
func (rt *MessageRouter) teardownRoom(conn *domain.ConnContext) {
	viewers, removed := rt.registry.RemoveRoom(conn.RoomID, conn.Handle)
	if !removed {
		// The room belongs to another, still-open creator; this was a
		// duplicate announcement disconnecting.
		return
	}

	for _, viewer := range viewers {
		rt.send(viewer, &domain.Message{Type: domain.TypeBroadcasterLeft}, domain.TypeBroadcasterLeft)
		viewer.Close()
	}

	rt.metrics.RoomClosed(len(viewers))
	rt.logger.Infow("room closed", "room_id", conn.RoomID, "viewers_evicted", len(viewers))
}

func (rt *MessageRouter) removeViewer(conn *domain.ConnContext) {
	count, broadcaster, ok := rt.registry.RemoveViewer(conn.RoomID, conn.ViewerID, conn.Handle)
	if !ok {
		// Room already torn down, or the slot was reclaimed by a
		// reconnected viewer; nothing to report.
		return
	}

	rt.metrics.ViewerLeft()
	rt.logger.Infow("viewer left", "room_id", conn.RoomID, "viewer_id", conn.ViewerID, "count", count)

	if broadcaster != nil && !broadcaster.Closed() {
		rt.send(broadcaster, &domain.Message{
			Type:     domain.TypeViewerLeft,
			ViewerID: conn.ViewerID,
			Count:    count,
		}, domain.TypeViewerLeft)
	}
}
