package utils

import (
	"net/url"
	"strings"
)

// ShareURL builds the address a viewer opens to join a room:
// <origin>?room=<roomId>.
func ShareURL(origin, roomID string) string {
	return origin + "?room=" + url.QueryEscape(roomID)
}

// RoomFromURL extracts the room code from a share address, normalized to
// uppercase as the join path expects. Returns "" when the address has no
// room parameter; it never decides to join on the caller's behalf.
func RoomFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(u.Query().Get("room")))
}

// NormalizeRoomCode uppercases a hand-typed code the same way the join
// field does.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
