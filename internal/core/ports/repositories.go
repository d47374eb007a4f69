package ports

import (
	"beamnet/internal/core/domain"
)

// RoomRegistry is the single source of truth for room membership. All
// compound read-modify-write operations (join plus count plus broadcaster
// lookup) happen atomically inside the registry so callers never observe
// a room with a stale broadcaster handle.
type RoomRegistry interface {
	// CreateRoom registers roomID under the given broadcaster handle.
	// Re-creating an existing id is a no-op success: the existing room is
	// left untouched and created reports false. This tolerates a
	// reconnecting broadcaster re-announcing its room.
	CreateRoom(roomID domain.RoomID, broadcaster domain.ConnHandle) (created bool)

	// JoinRoom inserts the viewer handle into the room. An empty viewerID
	// gets a fresh server-assigned identifier; a known viewerID overwrites
	// the previous handle, which is how a reconnecting viewer reclaims its
	// slot. Returns the assigned id, the post-join viewer count and the
	// broadcaster handle, or domain.ErrRoomNotFound.
	JoinRoom(roomID domain.RoomID, viewerID domain.ViewerID, viewer domain.ConnHandle) (domain.ViewerID, int, domain.ConnHandle, error)

	// RemoveViewer deletes the viewer from the room, if both still exist.
	// A non-nil owner removes the slot only while it is still registered
	// to that handle, so the close of a stale connection cannot evict a
	// reconnected viewer that has already reclaimed the id. Returns the
	// post-removal count and the broadcaster handle; ok is false when
	// nothing was removed.
	RemoveViewer(roomID domain.RoomID, viewerID domain.ViewerID, owner domain.ConnHandle) (count int, broadcaster domain.ConnHandle, ok bool)

	// RemoveRoom deletes the room and returns the viewer handles that were
	// still registered, so the caller can notify and close them. A non-nil
	// owner removes the room only while its broadcaster is still that
	// handle, so the close of a duplicate creator cannot tear down a live
	// room it never owned. Safe to call on an absent id; removed is false
	// when the room was left untouched.
	RemoveRoom(roomID domain.RoomID, owner domain.ConnHandle) (viewers []domain.ConnHandle, removed bool)

	// LookupBroadcaster and LookupViewer are pure reads; absence is
	// reported through ok, never through an error.
	LookupBroadcaster(roomID domain.RoomID) (domain.ConnHandle, bool)
	LookupViewer(roomID domain.RoomID, viewerID domain.ViewerID) (domain.ConnHandle, bool)

	Stats() domain.RegistryStats
}
