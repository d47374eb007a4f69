package domain

import "encoding/json"

// Control message types, client to server.
const (
	TypeCreateRoom   = "create-room"
	TypeJoinRoom     = "join-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Control message types, server to client.
const (
	TypeRoomCreated     = "room-created"
	TypeJoinedRoom      = "joined-room"
	TypeViewerJoined    = "viewer-joined"
	TypeViewerLeft      = "viewer-left"
	TypeBroadcasterLeft = "broadcaster-left"
	TypeError           = "error"
)

// Message is the single wire schema for all control messages. Type is
// mandatory and discriminates every other field. The session-description
// and candidate blobs are opaque to the relay and carried verbatim.
type Message struct {
	Type      string          `json:"type"`
	RoomID    RoomID          `json:"roomId,omitempty"`
	ViewerID  ViewerID        `json:"viewerId,omitempty"`
	// Count is always serialized; a javascript client reads count on
	// every membership change and the last viewer leaving must yield an
	// explicit 0, not an absent key.
	Count int `json:"count"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Target addresses a specific viewer, client to server only.
	// From tags the originator on relayed messages, server to client only.
	Target ViewerID `json:"target,omitempty"`
	From   string   `json:"from,omitempty"`

	// ErrorText carries the human-readable text of an error message.
	ErrorText string `json:"message,omitempty"`
}
