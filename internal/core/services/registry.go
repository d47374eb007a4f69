package services

import (
	"sync"
	"time"

	"beamnet/internal/core/domain"
	"beamnet/internal/core/ports"

	"github.com/google/uuid"
)

// RoomRegistry is the in-memory membership store. A single RWMutex
// serializes all mutations; room counts are small enough that per-room
// locking buys nothing here.
type RoomRegistry struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewRoomRegistry() ports.RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *RoomRegistry) CreateRoom(roomID domain.RoomID, broadcaster domain.ConnHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; exists {
		// Idempotent re-announce: the existing room, including its
		// broadcaster handle, is left untouched.
		return false
	}

	r.rooms[roomID] = &domain.Room{
		ID:          roomID,
		Broadcaster: broadcaster,
		Viewers:     make(map[domain.ViewerID]domain.ConnHandle),
		CreatedAt:   time.Now(),
	}
	return true
}

func (r *RoomRegistry) JoinRoom(roomID domain.RoomID, viewerID domain.ViewerID, viewer domain.ConnHandle) (domain.ViewerID, int, domain.ConnHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return "", 0, nil, domain.ErrRoomNotFound
	}

	if viewerID == "" {
		viewerID = domain.ViewerID(uuid.NewString())
	}

	// Overwriting an existing id is how a reconnecting viewer reclaims
	// its slot; the stale handle is simply replaced.
	room.Viewers[viewerID] = viewer

	return viewerID, room.ViewerCount(), room.Broadcaster, nil
}

func (r *RoomRegistry) RemoveViewer(roomID domain.RoomID, viewerID domain.ViewerID, owner domain.ConnHandle) (int, domain.ConnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return 0, nil, false
	}
	registered, exists := room.Viewers[viewerID]
	if !exists {
		return room.ViewerCount(), room.Broadcaster, false
	}
	if owner != nil && registered != owner {
		// The slot was reclaimed by a reconnected viewer; the stale
		// connection has nothing left to remove.
		return room.ViewerCount(), room.Broadcaster, false
	}

	delete(room.Viewers, viewerID)
	return room.ViewerCount(), room.Broadcaster, true
}

func (r *RoomRegistry) RemoveRoom(roomID domain.RoomID, owner domain.ConnHandle) ([]domain.ConnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, false
	}
	if owner != nil && room.Broadcaster != owner {
		// A duplicate create-room is acknowledged but never granted
		// ownership; its disconnect must not destroy the live room.
		return nil, false
	}

	viewers := make([]domain.ConnHandle, 0, len(room.Viewers))
	for _, h := range room.Viewers {
		viewers = append(viewers, h)
	}
	delete(r.rooms, roomID)
	return viewers, true
}

func (r *RoomRegistry) LookupBroadcaster(roomID domain.RoomID) (domain.ConnHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, false
	}
	return room.Broadcaster, true
}

func (r *RoomRegistry) LookupViewer(roomID domain.RoomID, viewerID domain.ViewerID) (domain.ConnHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, false
	}
	h, exists := room.Viewers[viewerID]
	return h, exists
}

func (r *RoomRegistry) Stats() domain.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.RegistryStats{Rooms: len(r.rooms)}
	for _, room := range r.rooms {
		stats.Viewers += room.ViewerCount()
	}
	return stats
}
