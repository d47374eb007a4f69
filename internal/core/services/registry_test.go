package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamnet/internal/core/domain"
)

// fakeHandle records every message sent to it and supports closing.
type fakeHandle struct {
	mu     sync.Mutex
	sent   []*domain.Message
	closed bool
	err    error
}

func newFakeHandle() *fakeHandle { return &fakeHandle{} }

func (h *fakeHandle) Send(msg *domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	if h.closed {
		return domain.ErrHandleClosed
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) messages() []*domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*domain.Message, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *fakeHandle) messagesOfType(msgType string) []*domain.Message {
	var out []*domain.Message
	for _, m := range h.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func TestRegistryCreateRoom(t *testing.T) {
	reg := NewRoomRegistry()
	first := newFakeHandle()

	assert.True(t, reg.CreateRoom("482", first))

	t.Run("duplicate code leaves the first room untouched", func(t *testing.T) {
		second := newFakeHandle()
		assert.False(t, reg.CreateRoom("482", second))

		broadcaster, ok := reg.LookupBroadcaster("482")
		require.True(t, ok)
		assert.Same(t, first, broadcaster)
	})

	t.Run("distinct codes coexist", func(t *testing.T) {
		assert.True(t, reg.CreateRoom("717", newFakeHandle()))
		assert.Equal(t, 2, reg.Stats().Rooms)
	})
}

func TestRegistryJoinRoom(t *testing.T) {
	reg := NewRoomRegistry()
	broadcaster := newFakeHandle()
	reg.CreateRoom("482", broadcaster)

	t.Run("unknown room is rejected", func(t *testing.T) {
		_, _, _, err := reg.JoinRoom("999", "", newFakeHandle())
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("assigns a viewer id when none is supplied", func(t *testing.T) {
		id, count, b, err := reg.JoinRoom("482", "", newFakeHandle())
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 1, count)
		assert.Same(t, broadcaster, b)
	})

	t.Run("keeps a supplied viewer id", func(t *testing.T) {
		id, count, _, err := reg.JoinRoom("482", "viewer-a", newFakeHandle())
		require.NoError(t, err)
		assert.Equal(t, domain.ViewerID("viewer-a"), id)
		assert.Equal(t, 2, count)
	})

	t.Run("rejoin with the same id reclaims the slot", func(t *testing.T) {
		fresh := newFakeHandle()
		_, count, _, err := reg.JoinRoom("482", "viewer-a", fresh)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "reclaim must not grow the room")

		h, ok := reg.LookupViewer("482", "viewer-a")
		require.True(t, ok)
		assert.Same(t, fresh, h)
	})
}

func TestRegistryRemoveViewer(t *testing.T) {
	reg := NewRoomRegistry()
	broadcaster := newFakeHandle()
	reg.CreateRoom("482", broadcaster)

	stale := newFakeHandle()
	_, _, _, err := reg.JoinRoom("482", "viewer-a", stale)
	require.NoError(t, err)

	t.Run("stale connection cannot evict a reclaimed slot", func(t *testing.T) {
		fresh := newFakeHandle()
		_, _, _, err := reg.JoinRoom("482", "viewer-a", fresh)
		require.NoError(t, err)

		_, _, ok := reg.RemoveViewer("482", "viewer-a", stale)
		assert.False(t, ok)

		h, found := reg.LookupViewer("482", "viewer-a")
		require.True(t, found)
		assert.Same(t, fresh, h)

		count, b, ok := reg.RemoveViewer("482", "viewer-a", fresh)
		assert.True(t, ok)
		assert.Equal(t, 0, count)
		assert.Same(t, broadcaster, b)
	})

	t.Run("absent viewer reports not removed", func(t *testing.T) {
		_, _, ok := reg.RemoveViewer("482", "nobody", newFakeHandle())
		assert.False(t, ok)
	})

	t.Run("absent room reports not removed", func(t *testing.T) {
		_, _, ok := reg.RemoveViewer("999", "viewer-a", nil)
		assert.False(t, ok)
	})
}

func TestRegistryRemoveRoom(t *testing.T) {
	reg := NewRoomRegistry()
	owner := newFakeHandle()
	reg.CreateRoom("482", owner)

	viewers := make([]*fakeHandle, 3)
	for i := range viewers {
		viewers[i] = newFakeHandle()
		_, _, _, err := reg.JoinRoom("482", domain.ViewerID(fmt.Sprintf("viewer-%d", i)), viewers[i])
		require.NoError(t, err)
	}

	evicted, removed := reg.RemoveRoom("482", owner)
	assert.True(t, removed)
	assert.Len(t, evicted, 3)

	_, ok := reg.LookupBroadcaster("482")
	assert.False(t, ok)
	assert.Equal(t, domain.RegistryStats{}, reg.Stats())

	_, removed = reg.RemoveRoom("482", owner)
	assert.False(t, removed, "second removal is a no-op")
}

func TestRegistryRemoveRoomOwnerGuard(t *testing.T) {
	reg := NewRoomRegistry()
	owner := newFakeHandle()
	reg.CreateRoom("482", owner)

	_, _, _, err := reg.JoinRoom("482", "viewer-a", newFakeHandle())
	require.NoError(t, err)

	// A second creator of the same id never became the broadcaster; its
	// removal attempt leaves the room intact.
	intruder := newFakeHandle()
	assert.False(t, reg.CreateRoom("482", intruder))

	evicted, removed := reg.RemoveRoom("482", intruder)
	assert.False(t, removed)
	assert.Empty(t, evicted)

	got, ok := reg.LookupBroadcaster("482")
	require.True(t, ok)
	assert.Same(t, owner, got)
	assert.Equal(t, domain.RegistryStats{Rooms: 1, Viewers: 1}, reg.Stats())

	// A nil owner removes unconditionally.
	_, removed = reg.RemoveRoom("482", nil)
	assert.True(t, removed)
}

func TestRegistryStats(t *testing.T) {
	reg := NewRoomRegistry()
	assert.Equal(t, domain.RegistryStats{}, reg.Stats())

	reg.CreateRoom("482", newFakeHandle())
	reg.CreateRoom("717", newFakeHandle())
	reg.JoinRoom("482", "a", newFakeHandle())
	reg.JoinRoom("482", "b", newFakeHandle())
	reg.JoinRoom("717", "c", newFakeHandle())

	assert.Equal(t, domain.RegistryStats{Rooms: 2, Viewers: 3}, reg.Stats())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRoomRegistry()
	reg.CreateRoom("482", newFakeHandle())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := domain.ViewerID(fmt.Sprintf("viewer-%d", n))
			h := newFakeHandle()
			_, _, _, err := reg.JoinRoom("482", id, h)
			assert.NoError(t, err)
			reg.Stats()
			reg.RemoveViewer("482", id, h)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, domain.RegistryStats{Rooms: 1}, reg.Stats())
}
