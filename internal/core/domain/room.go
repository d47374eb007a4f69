package domain

import (
	"time"
)

type RoomID string
type ViewerID string

// PeerBroadcaster is the session key a viewer uses for its single
// negotiation session, and the `from` tag on messages relayed from
// the broadcaster side.
const PeerBroadcaster = "broadcaster"

// Room binds one broadcaster to zero or more viewers. The registry is
// the only writer; handles stored here are owned by their connections.
type Room struct {
	ID          RoomID
	Broadcaster ConnHandle
	Viewers     map[ViewerID]ConnHandle
	CreatedAt   time.Time
}

// ViewerCount returns the current cardinality of the viewer mapping.
func (r *Room) ViewerCount() int {
	return len(r.Viewers)
}

// RegistryStats is the snapshot served by the liveness endpoint.
type RegistryStats struct {
	Rooms   int `json:"rooms"`
	Viewers int `json:"viewers"`
}
