package services

import (
	"context"

	"beamnet/internal/core/domain"
	"beamnet/internal/core/ports"

	"go.uber.org/zap"
)

// MessageRouter resolves addressing for every inbound control message
// and forwards it to the right handle. It owns no connection state of
// its own: per-connection context lives in domain.ConnContext, room
// membership in the registry.
//
// Routing never authenticates: any connection that knows a room code can
// join it, and the only notion of "the broadcaster" is the connection
// the router promoted on create-room.
type MessageRouter struct {
	registry ports.RoomRegistry
	metrics  ports.RouterMetrics
	logger   *zap.SugaredLogger
}

func NewMessageRouter(registry ports.RoomRegistry, metrics ports.RouterMetrics, logger *zap.SugaredLogger) *MessageRouter {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &MessageRouter{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleMessage dispatches purely on msg.Type. Unknown types are ignored
// for forward compatibility. A panic while handling one message must not
// kill the connection's read loop or affect other connections.
func (rt *MessageRouter) HandleMessage(ctx context.Context, conn *domain.ConnContext, msg *domain.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Errorw("panic while routing message", "type", msg.Type, "panic", rec)
		}
	}()

	switch msg.Type {
	case domain.TypeCreateRoom:
		rt.handleCreateRoom(conn, msg)
	case domain.TypeJoinRoom:
		rt.handleJoinRoom(conn, msg)
	case domain.TypeOffer:
		rt.handleOffer(conn, msg)
	case domain.TypeAnswer:
		rt.handleAnswer(conn, msg)
	case domain.TypeICECandidate:
		rt.handleICECandidate(conn, msg)
	default:
		rt.logger.Debugw("ignoring unknown message type", "type", msg.Type)
	}
}

func (rt *MessageRouter) handleCreateRoom(conn *domain.ConnContext, msg *domain.Message) {
	created := rt.registry.CreateRoom(msg.RoomID, conn.Handle)
	conn.Role = domain.RoleBroadcaster
	conn.RoomID = msg.RoomID

	if created {
		rt.metrics.RoomCreated()
		rt.logger.Infow("room created", "room_id", msg.RoomID)
	} else {
		// Re-announce of an existing code: confirm it back without
		// touching the room.
		rt.logger.Infow("room re-announced", "room_id", msg.RoomID)
	}

	rt.send(conn.Handle, &domain.Message{
		Type:   domain.TypeRoomCreated,
		RoomID: msg.RoomID,
	}, domain.TypeRoomCreated)
}

func (rt *MessageRouter) handleJoinRoom(conn *domain.ConnContext, msg *domain.Message) {
	viewerID, count, broadcaster, err := rt.registry.JoinRoom(msg.RoomID, msg.ViewerID, conn.Handle)
	if err != nil {
		rt.logger.Infow("join rejected", "room_id", msg.RoomID, "error", err)
		rt.send(conn.Handle, &domain.Message{
			Type:      domain.TypeError,
			ErrorText: "room not found",
		}, domain.TypeError)
		return
	}

	conn.Role = domain.RoleViewer
	conn.RoomID = msg.RoomID
	conn.ViewerID = viewerID

	rt.metrics.ViewerJoined()
	rt.logger.Infow("viewer joined", "room_id", msg.RoomID, "viewer_id", viewerID, "count", count)

	rt.send(conn.Handle, &domain.Message{
		Type:     domain.TypeJoinedRoom,
		ViewerID: viewerID,
	}, domain.TypeJoinedRoom)

	rt.send(broadcaster, &domain.Message{
		Type:     domain.TypeViewerJoined,
		ViewerID: viewerID,
		Count:    count,
	}, domain.TypeViewerJoined)
}

func (rt *MessageRouter) handleOffer(conn *domain.ConnContext, msg *domain.Message) {
	if conn.RoomID == "" {
		rt.drop(domain.TypeOffer, "sender not in a room")
		return
	}

	target, ok := rt.registry.LookupViewer(conn.RoomID, msg.Target)
	if !ok {
		rt.drop(domain.TypeOffer, "target viewer not found")
		return
	}

	rt.send(target, &domain.Message{
		Type:  domain.TypeOffer,
		Offer: msg.Offer,
		From:  domain.PeerBroadcaster,
	}, domain.TypeOffer)
}

func (rt *MessageRouter) handleAnswer(conn *domain.ConnContext, msg *domain.Message) {
	if conn.RoomID == "" {
		rt.drop(domain.TypeAnswer, "sender not in a room")
		return
	}

	broadcaster, ok := rt.registry.LookupBroadcaster(conn.RoomID)
	if !ok {
		rt.drop(domain.TypeAnswer, "broadcaster not found")
		return
	}

	rt.send(broadcaster, &domain.Message{
		Type:   domain.TypeAnswer,
		Answer: msg.Answer,
		From:   string(conn.ViewerID),
	}, domain.TypeAnswer)
}

func (rt *MessageRouter) handleICECandidate(conn *domain.ConnContext, msg *domain.Message) {
	if conn.RoomID == "" {
		rt.drop(domain.TypeICECandidate, "sender not in a room")
		return
	}

	if conn.Role == domain.RoleBroadcaster {
		target, ok := rt.registry.LookupViewer(conn.RoomID, msg.Target)
		if !ok {
			rt.drop(domain.TypeICECandidate, "target viewer not found")
			return
		}
		rt.send(target, &domain.Message{
			Type:      domain.TypeICECandidate,
			Candidate: msg.Candidate,
			From:      domain.PeerBroadcaster,
		}, domain.TypeICECandidate)
		return
	}

	broadcaster, ok := rt.registry.LookupBroadcaster(conn.RoomID)
	if !ok {
		rt.drop(domain.TypeICECandidate, "broadcaster not found")
		return
	}
	rt.send(broadcaster, &domain.Message{
		Type:      domain.TypeICECandidate,
		Candidate: msg.Candidate,
		From:      string(conn.ViewerID),
	}, domain.TypeICECandidate)
}

// send delivers fire-and-forget. A closed or congested handle is the
// same as an absent target: the message is dropped and counted, never
// escalated.
func (rt *MessageRouter) send(h domain.ConnHandle, msg *domain.Message, msgType string) {
	if h == nil {
		rt.drop(msgType, "nil handle")
		return
	}
	if err := h.Send(msg); err != nil {
		rt.drop(msgType, err.Error())
		return
	}
	rt.metrics.MessageRouted(msgType)
}

func (rt *MessageRouter) drop(msgType, reason string) {
	rt.metrics.RelayDropped(msgType)
	rt.logger.Debugw("relay drop", "type", msgType, "reason", reason)
}

// NopMetrics satisfies ports.RouterMetrics for tests and wiring without
// a collector.
type NopMetrics struct{}

func (NopMetrics) RoomCreated()         {}
func (NopMetrics) RoomClosed(int)       {}
func (NopMetrics) ViewerJoined()        {}
func (NopMetrics) ViewerLeft()          {}
func (NopMetrics) MessageRouted(string) {}
func (NopMetrics) RelayDropped(string)  {}
